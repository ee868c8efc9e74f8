package runtime

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"match-lab/contract"
	"match-lab/domain/match"
	apperrors "match-lab/errors"
	"match-lab/mocks"
	"match-lab/repositories"
)

func newTestInstance(t *testing.T) (*MatchInstance, *ConnManager) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := slog.Default()
	manager := NewConnManager(log)
	instance := NewMatchInstance(uuid.NewString(), repositories.NewMatchRepository(db, log), manager, log)
	return instance, manager
}

func serverNotice(message string) string {
	return fmt.Sprintf(`{"playerName":"Server","message":"%s"}`, message)
}

func TestInstance_Initialize_Persists_Awaiting_Match(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}

	req.NoError(instance.Initialize(alice))

	data, err := instance.Data()
	req.NoError(err)
	req.Equal(match.StatusAwaiting, data.Status)
	req.Equal([]match.Player{alice}, data.Players)
}

func TestInstance_Join_Rejects_Self_Join(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}

	req.NoError(instance.Initialize(alice))

	err := instance.Join(alice)
	req.ErrorIs(err, apperrors.ErrSelfJoin)
}

func TestInstance_Join_Rejects_When_Roster_Full(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	clara := match.Player{UUID: uuid.NewString(), Nickname: "Clara"}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Join(bob))

	err := instance.Join(clara)
	req.ErrorIs(err, apperrors.ErrSeatTaken)
}

func TestInstance_Join_Bounded_Retry_Then_Seat_Taken(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := slog.Default()
	store := mocks.NewMockDurableStore(ctrl)
	matchID := uuid.NewString()
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}

	instance := NewMatchInstance(matchID, store, NewConnManager(log), log)

	// Given the pre-check read sees an open seat
	store.EXPECT().GetMatchData(matchID).Return(match.Match{
		ID:      matchID,
		Status:  match.StatusAwaiting,
		Players: []match.Player{alice},
	}, nil)

	// And every conditional commit loses the race
	store.EXPECT().AddPlayer(bob, matchID).Return(apperrors.ErrConflict).Times(commitAttempts)

	// Then the bounded retry gives up with a user-visible seat-taken error
	err := instance.Join(bob)
	req.ErrorIs(err, apperrors.ErrSeatTaken)
}

func TestInstance_Connect_Notifies_Peers_Before_Registering_Handle(t *testing.T) {
	ctrl := gomock.NewController(t)
	log := slog.Default()
	store := mocks.NewMockDurableStore(ctrl)
	conns := mocks.NewMockConnectionManager(ctrl)
	matchID := uuid.NewString()
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	peer := mocks.NewMockConn(ctrl)
	peerEntry := []contract.ConnEntry{{PlayerID: uuid.NewString(), Conn: peer}}
	conn := mocks.NewMockConn(ctrl)

	instance := NewMatchInstance(matchID, store, conns, log)

	// The anonymous notice must reach the peer before the new handle is
	// registered, so the peer can never address a half-admitted connection.
	preNotice := conns.EXPECT().Entries().Return(peerEntry)
	preSend := conns.EXPECT().Broadcast(peer, []byte(serverNotice("Someone is connecting...")))
	register := conns.EXPECT().AddConnection(bob.UUID, conn).Return(nil)
	activate := store.EXPECT().SetPlayerActive(bob.UUID, matchID, true).Return(match.Player{UUID: bob.UUID, Nickname: "Bob", Active: true}, nil)
	postNotice := conns.EXPECT().Entries().Return(peerEntry)
	postSend := conns.EXPECT().Broadcast(peer, []byte(serverNotice("Player Bob has connected")))
	gomock.InOrder(preNotice, preSend, register, activate, postNotice, postSend)

	require.NoError(t, instance.Connect(bob.UUID, conn))
}

func TestInstance_Connect_Marks_Player_Active_And_Notifies(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Join(bob))

	// When Alice connects first, the only notice she can see is her own:
	// the anonymous pre-connect notice fired before her handle existed
	req.NoError(instance.Connect(alice.UUID, aliceConn))
	req.Equal([]string{serverNotice("Player Alice has connected")}, aliceConn.received())

	// When Bob connects, Alice sees the pre-connect notice then the named one
	req.NoError(instance.Connect(bob.UUID, bobConn))
	req.Equal([]string{
		serverNotice("Player Alice has connected"),
		serverNotice("Someone is connecting..."),
		serverNotice("Player Bob has connected"),
	}, aliceConn.received())
	req.Equal([]string{serverNotice("Player Bob has connected")}, bobConn.received())

	// And both players are durably active
	data, err := instance.Data()
	req.NoError(err)
	for _, p := range data.Players {
		req.True(p.Active)
	}
}

func TestInstance_Reconnect_Replaces_Stale_Handle(t *testing.T) {
	req := require.New(t)
	instance, manager := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	stale := &fakeConn{}
	fresh := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Connect(alice.UUID, stale))

	// When Alice reconnects while the old handle is still registered
	req.NoError(instance.Connect(alice.UUID, fresh))

	// Then the stale handle is closed and only the new one remains
	req.True(stale.isClosed())
	entries := manager.Entries()
	req.Len(entries, 1)
	req.Same(fresh, entries[0].Conn.(*fakeConn))
}

func TestInstance_Connect_Unregisters_Handle_When_Activation_Fails(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := slog.Default()
	store := mocks.NewMockDurableStore(ctrl)
	conns := mocks.NewMockConnectionManager(ctrl)
	matchID := uuid.NewString()
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	conn := mocks.NewMockConn(ctrl)

	instance := NewMatchInstance(matchID, store, conns, log)

	boom := fmt.Errorf("activation failed")
	conns.EXPECT().Entries().Return(nil)
	register := conns.EXPECT().AddConnection(bob.UUID, conn).Return(nil)
	activate := store.EXPECT().SetPlayerActive(bob.UUID, matchID, true).Return(match.Player{}, boom)
	// A dead handle must not linger in the manager eating broadcasts
	unregister := conns.EXPECT().RemoveConnection(bob.UUID).Return(nil)
	gomock.InOrder(register, activate, unregister)

	err := instance.Connect(bob.UUID, conn)
	req.ErrorIs(err, boom)
}

func TestInstance_DisconnectHandle_Skips_Superseded_Handle(t *testing.T) {
	req := require.New(t)
	instance, manager := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	stale := &fakeConn{}
	fresh := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Connect(alice.UUID, stale))
	req.NoError(instance.Connect(alice.UUID, fresh))

	// When the replaced connection's pump reports its own handle
	req.NoError(instance.DisconnectHandle(alice.UUID, stale))

	// Then the match carries on with the fresh handle
	data, err := instance.Data()
	req.NoError(err)
	req.Equal(match.StatusAwaiting, data.Status)
	req.True(data.Players[0].Active)
	req.Len(manager.Entries(), 1)

	// And the current handle still disconnects for real
	req.NoError(instance.DisconnectHandle(alice.UUID, fresh))
	data, err = instance.Data()
	req.NoError(err)
	req.Equal(match.StatusStopped, data.Status)
}

func TestInstance_Disconnect_Retries_Lost_Commit(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	log := slog.Default()
	store := mocks.NewMockDurableStore(ctrl)
	tx := mocks.NewMockStoreTx(ctrl)
	matchID := uuid.NewString()
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice", Active: true}

	instance := NewMatchInstance(matchID, store, NewConnManager(log), log)

	var saved match.Match
	tx.EXPECT().GetMatchData(matchID).Return(match.Match{
		ID:      matchID,
		Status:  match.StatusStopped,
		Players: []match.Player{alice},
	}, nil)
	tx.EXPECT().SetMatchData(matchID, gomock.Any()).DoAndReturn(func(_ string, data match.Match) error {
		saved = data
		return nil
	})

	// Given the first commit loses against a concurrent disconnect
	first := store.EXPECT().RunTransaction(gomock.Any()).Return(apperrors.ErrConflict)
	// And the retry reads the fresh record and lands its write
	second := store.EXPECT().RunTransaction(gomock.Any()).DoAndReturn(func(fn func(contract.StoreTx) error) error {
		return fn(tx)
	})
	gomock.InOrder(first, second)

	// Then the losing disconnect still flips the player inactive
	req.NoError(instance.Disconnect(alice.UUID))
	req.Equal(match.StatusStopped, saved.Status)
	req.False(saved.Players[0].Active)
}

func TestInstance_BroadcastFrom_Never_Echoes_To_Sender(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Join(bob))
	req.NoError(instance.Connect(alice.UUID, aliceConn))
	req.NoError(instance.Connect(bob.UUID, bobConn))

	aliceBefore := len(aliceConn.received())

	// When Alice sends a move
	req.NoError(instance.BroadcastFrom(alice.UUID, "hello"))

	// Then Bob receives it with Alice's name and Alice receives nothing
	req.Contains(bobConn.received(), `{"playerName":"Alice","message":"hello"}`)
	req.Len(aliceConn.received(), aliceBefore)
}

func TestInstance_BroadcastFrom_With_Single_Player_Sends_Nothing(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	aliceConn := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Connect(alice.UUID, aliceConn))
	before := len(aliceConn.received())

	req.NoError(instance.BroadcastFrom(alice.UUID, "anyone there?"))
	req.Len(aliceConn.received(), before)
}

func TestInstance_Disconnect_Stops_The_Match(t *testing.T) {
	req := require.New(t)
	instance, manager := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}
	bob := match.Player{UUID: uuid.NewString(), Nickname: "Bob"}
	aliceConn := &fakeConn{}
	bobConn := &fakeConn{}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Join(bob))
	req.NoError(instance.Connect(alice.UUID, aliceConn))
	req.NoError(instance.Connect(bob.UUID, bobConn))

	// When Alice explicitly disconnects
	req.NoError(instance.Disconnect(alice.UUID))

	// Then the match is stopped, Alice is inactive and her handle is gone
	data, err := instance.Data()
	req.NoError(err)
	req.Equal(match.StatusStopped, data.Status)
	aliceData, ok := data.Player(alice.UUID)
	req.True(ok)
	req.False(aliceData.Active)
	req.Len(manager.Entries(), 1)

	// And Bob is told who left
	req.Contains(bobConn.received(), serverNotice("Player Alice has disconnected"))
}

func TestInstance_Disconnect_Twice_Is_Idempotent_On_State(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}

	req.NoError(instance.Initialize(alice))
	req.NoError(instance.Connect(alice.UUID, &fakeConn{}))

	req.NoError(instance.Disconnect(alice.UUID))
	// The second call finds no handle to remove; that is reported, not thrown.
	req.NoError(instance.Disconnect(alice.UUID))

	data, err := instance.Data()
	req.NoError(err)
	req.Equal(match.StatusStopped, data.Status)
	req.False(data.Players[0].Active)
}

func TestInstance_PlayerData(t *testing.T) {
	req := require.New(t)
	instance, _ := newTestInstance(t)
	alice := match.Player{UUID: uuid.NewString(), Nickname: "Alice"}

	req.NoError(instance.Initialize(alice))

	found, err := instance.PlayerData(alice.UUID)
	req.NoError(err)
	req.Equal(alice, found)

	_, err = instance.PlayerData(uuid.NewString())
	req.ErrorIs(err, apperrors.ErrPlayerNotFound)
}
