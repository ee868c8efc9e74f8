//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"match-lab/domain/match"
)

// Conn is a live, send-capable reference to one player's transport.
// It is owned by exactly one ConnectionManager for the duration of one
// physical connection; a reconnect replaces the handle, never merges it.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

type ConnEntry struct {
	PlayerID string
	Conn     Conn
}

// ConnectionManager tracks the live handles of one match.
type ConnectionManager interface {
	AddConnection(playerID string, conn Conn) error
	RemoveConnection(playerID string) error
	Entries() []ConnEntry
	// Broadcast is fire-and-forget: no acknowledgement is awaited and send
	// failures are surfaced by the transport's own close signal, not retried.
	Broadcast(conn Conn, payload []byte)
}

// StoreTx is the read/write surface available inside RunTransaction.
type StoreTx interface {
	GetMatchData(matchID string) (match.Match, error)
	SetMatchData(matchID string, data match.Match) error
}

// DurableStore persists match records and the player roster.
// Every read-modify-write goes through a conditional commit: if the record
// changed between read and commit the call fails with ErrConflict and the
// caller decides whether to retry.
type DurableStore interface {
	CreateMatchWithPlayer(matchID string, data match.Match, player match.Player) (match.Match, error)
	GetMatchData(matchID string) (match.Match, error)
	SetMatchData(matchID string, data match.Match) error
	AddPlayer(player match.Player, matchID string) error
	SetPlayerActive(playerID, matchID string, active bool) (match.Player, error)
	MatchesForPlayer(playerID string) ([]match.Match, error)
	RunTransaction(fn func(tx StoreTx) error) error
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
