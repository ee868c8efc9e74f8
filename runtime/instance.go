package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"match-lab/contract"
	"match-lab/domain/match"
	apperrors "match-lab/errors"
)

// commitAttempts bounds the optimistic-concurrency retries of Join and
// Disconnect. One initial attempt plus one retry; a second lost commit on
// admission means the seat really is contended and the caller gets
// ErrSeatTaken. Never loop forever.
const commitAttempts = 2

// MatchInstance owns one match's lifecycle: admission, connect/disconnect and
// broadcast orchestration. Durable state always flows through the store's
// conditional commits, because the in-memory instance is not guaranteed to be
// the only writer of its record.
type MatchInstance struct {
	id    string
	store contract.DurableStore
	conns contract.ConnectionManager
	log   *slog.Logger
}

func NewMatchInstance(id string, store contract.DurableStore, conns contract.ConnectionManager, log *slog.Logger) *MatchInstance {
	return &MatchInstance{id: id, store: store, conns: conns, log: log}
}

func (m *MatchInstance) ID() string {
	return m.id
}

// Initialize persists a fresh one-player match in status awaiting.
func (m *MatchInstance) Initialize(creator match.Player) error {
	data := match.Match{
		ID:        m.id,
		CreatedAt: time.Now().UTC(),
		Status:    match.StatusAwaiting,
	}
	created, err := m.store.CreateMatchWithPlayer(m.id, data, creator)
	if err != nil {
		return fmt.Errorf("failed to persist new match: %w", err)
	}
	m.log.Info(fmt.Sprintf("Created match %s", created.ID), "creator", creator.UUID)
	return nil
}

// Data reads through to the durable record, the single source of truth.
func (m *MatchInstance) Data() (match.Match, error) {
	return m.store.GetMatchData(m.id)
}

// Join admits a player into the second seat. The pre-checks on a fresh read
// give friendly errors; the store re-validates the same invariants inside the
// conditional commit, which is what actually prevents a double admission.
func (m *MatchInstance) Join(player match.Player) error {
	data, err := m.Data()
	if err != nil {
		return err
	}
	if data.HasPlayer(player.UUID) {
		return apperrors.ErrSelfJoin
	}
	if data.RosterFull() {
		return apperrors.ErrSeatTaken
	}

	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = m.store.AddPlayer(player, m.id)
		if !errors.Is(err, apperrors.ErrConflict) {
			return err
		}
		m.log.Debug(fmt.Sprintf("Join attempt %d lost the commit for match %s", attempt, m.id))
	}
	// Every attempt lost the conditional commit: someone else has the seat.
	return apperrors.ErrSeatTaken
}

// Connect registers a live handle for the player and marks them active.
// The anonymous pre-connect notice goes out before the handle is registered,
// so a racing peer can never address a connection that is not admitted yet.
func (m *MatchInstance) Connect(playerID string, conn contract.Conn) error {
	m.BroadcastServer("Someone is connecting...")

	if err := m.addOrReplaceConnection(playerID, conn); err != nil {
		return err
	}

	player, err := m.store.SetPlayerActive(playerID, m.id, true)
	if err != nil {
		// The handle was registered above; leaving it behind would keep a dead
		// connection receiving every later broadcast.
		if rmErr := m.conns.RemoveConnection(playerID); rmErr != nil && !errors.Is(rmErr, apperrors.ErrNotConnected) {
			m.log.Warn(fmt.Sprintf("Couldn't unregister handle of player %s", playerID), "err", rmErr)
		}
		return err
	}

	m.BroadcastServer(fmt.Sprintf("Player %s has connected", player.Nickname))
	return nil
}

// addOrReplaceConnection implements the reconnect policy: a stale handle for
// the same player is closed and replaced, so one identity never owns two live
// connections.
func (m *MatchInstance) addOrReplaceConnection(playerID string, conn contract.Conn) error {
	err := m.conns.AddConnection(playerID, conn)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrAlreadyConnected) {
		return fmt.Errorf("couldn't add a connection: %w", err)
	}

	m.log.Info(fmt.Sprintf("Player %s reconnected, replacing stale handle", playerID))
	if err := m.conns.RemoveConnection(playerID); err != nil && !errors.Is(err, apperrors.ErrNotConnected) {
		return fmt.Errorf("couldn't drop stale connection: %w", err)
	}
	if err := m.conns.AddConnection(playerID, conn); err != nil {
		return fmt.Errorf("couldn't add a connection: %w", err)
	}
	return nil
}

// DisconnectHandle runs the disconnect path only if conn is still the
// player's registered handle. A pump whose connection was replaced by a
// reconnect must not stop the match on behalf of the fresh handle.
func (m *MatchInstance) DisconnectHandle(playerID string, conn contract.Conn) error {
	if !m.ownsHandle(playerID, conn) {
		m.log.Debug(fmt.Sprintf("Skipping disconnect of superseded handle for player %s", playerID))
		return nil
	}
	return m.Disconnect(playerID)
}

func (m *MatchInstance) ownsHandle(playerID string, conn contract.Conn) bool {
	for _, entry := range m.conns.Entries() {
		if entry.PlayerID == playerID {
			return entry.Conn == conn
		}
	}
	return false
}

// Disconnect flips the player inactive and stops the match, then removes the
// handle and tells the peer. Any disconnect stops the whole match: there is
// no pause-and-resume state. Two racing disconnects can conflict on the
// commit; the loser retries once so its active=false flip is never lost.
func (m *MatchInstance) Disconnect(playerID string) error {
	var player match.Player
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = m.store.RunTransaction(func(tx contract.StoreTx) error {
			data, err := tx.GetMatchData(m.id)
			if err != nil {
				return err
			}
			found, index, ok := lo.FindIndexOf(data.Players, func(p match.Player) bool { return p.UUID == playerID })
			if !ok {
				return apperrors.ErrPlayerNotFound
			}
			found.Active = false
			data.Players[index] = found
			data.Status = match.StatusStopped
			player = found
			return tx.SetMatchData(m.id, data)
		})
		if !errors.Is(err, apperrors.ErrConflict) {
			break
		}
		m.log.Debug(fmt.Sprintf("Disconnect attempt %d lost the commit for match %s", attempt, m.id))
	}
	if err != nil {
		return err
	}

	if err := m.conns.RemoveConnection(playerID); err != nil {
		// Already gone: the transport close beat us to it.
		m.log.Debug(fmt.Sprintf("No live handle to remove for player %s", playerID), "err", err)
	}

	m.BroadcastServer(fmt.Sprintf("Player %s has disconnected", player.Nickname))
	return nil
}

// BroadcastServer sends a system notice to every connected player.
func (m *MatchInstance) BroadcastServer(message string) {
	payload := match.ServerNotice(message)
	for _, entry := range m.conns.Entries() {
		m.log.Debug(fmt.Sprintf("Server is sending a message to %s", entry.PlayerID))
		m.conns.Broadcast(entry.Conn, payload)
	}
}

// BroadcastFrom relays a player-authored message to every OTHER connected
// player. The relay contract: a sender never receives their own message back.
func (m *MatchInstance) BroadcastFrom(playerID, message string) error {
	player, err := m.PlayerData(playerID)
	if err != nil {
		return err
	}

	payload := match.PlayerMessage(player.Nickname, message)
	for _, entry := range m.conns.Entries() {
		if entry.PlayerID == playerID {
			continue
		}
		m.log.Debug(fmt.Sprintf("Sending the message to player %s", entry.PlayerID))
		m.conns.Broadcast(entry.Conn, payload)
	}
	return nil
}

func (m *MatchInstance) PlayerData(playerID string) (match.Player, error) {
	data, err := m.Data()
	if err != nil {
		return match.Player{}, err
	}
	player, ok := data.Player(playerID)
	if !ok {
		return match.Player{}, apperrors.ErrPlayerNotFound
	}
	return player, nil
}

// ConnectedCount reports the number of live handles, for telemetry.
func (m *MatchInstance) ConnectedCount() int {
	return len(m.conns.Entries())
}
