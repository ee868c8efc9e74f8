package runtime

import (
	"fmt"
	"log/slog"
	"sync"

	"match-lab/contract"
	apperrors "match-lab/errors"
)

// ConnManager owns the live handles of a single match, keyed by player uuid.
// Only the owning MatchInstance mutates it, but connection events arrive on
// independent goroutines, so the map stays behind its own mutex.
type ConnManager struct {
	mu    sync.RWMutex
	conns map[string]contract.Conn
	log   *slog.Logger
}

func NewConnManager(log *slog.Logger) *ConnManager {
	return &ConnManager{
		conns: make(map[string]contract.Conn),
		log:   log,
	}
}

func (c *ConnManager) AddConnection(playerID string, conn contract.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conns[playerID]; ok {
		return apperrors.ErrAlreadyConnected
	}
	c.conns[playerID] = conn
	return nil
}

// RemoveConnection closes and forgets the player's handle.
// Removing an absent handle is a reported error, never a crash: transport
// closes race with explicit disconnects all the time.
func (c *ConnManager) RemoveConnection(playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, ok := c.conns[playerID]
	if !ok {
		return apperrors.ErrNotConnected
	}
	if err := conn.Close(); err != nil {
		c.log.Warn(fmt.Sprintf("Closing connection of player %s failed", playerID), "err", err)
	}
	delete(c.conns, playerID)
	return nil
}

// Entries returns a snapshot of the current handles. Callers iterate the
// snapshot without holding the lock, so a slow send never blocks admission.
func (c *ConnManager) Entries() []contract.ConnEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]contract.ConnEntry, 0, len(c.conns))
	for playerID, conn := range c.conns {
		entries = append(entries, contract.ConnEntry{PlayerID: playerID, Conn: conn})
	}
	return entries
}

// Broadcast sends fire-and-forget. A failed send is logged here and surfaced
// by the transport's own close signal; this layer never retries.
func (c *ConnManager) Broadcast(conn contract.Conn, payload []byte) {
	if err := conn.Send(payload); err != nil {
		c.log.Warn("Dropping broadcast payload", "err", err)
	}
}
