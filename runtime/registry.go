package runtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"match-lab/contract"
	"match-lab/domain/match"
)

// MatchRegistry is the process-wide lookup for live MatchInstances.
// The map is strictly an accelerator: the durable record is ground truth,
// and admission decisions are never taken from the cache.
type MatchRegistry struct {
	mu      sync.RWMutex
	log     *slog.Logger
	store   contract.DurableStore
	matches map[string]*MatchInstance
}

func NewMatchRegistry(store contract.DurableStore, log *slog.Logger) *MatchRegistry {
	return &MatchRegistry{
		log:     log,
		store:   store,
		matches: make(map[string]*MatchInstance),
	}
}

// CreateMatch allocates a fresh id, persists a one-player awaiting match and
// caches its instance.
func (r *MatchRegistry) CreateMatch(creator match.Player) (string, error) {
	matchID := uuid.NewString()

	instance := NewMatchInstance(matchID, r.store, NewConnManager(r.log), r.log)
	if err := instance.Initialize(creator); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.matches[matchID] = instance
	r.mu.Unlock()

	return matchID, nil
}

func (r *MatchRegistry) JoinMatch(matchID string, player match.Player) error {
	instance, err := r.GetMatch(matchID)
	if err != nil {
		return err
	}
	return instance.Join(player)
}

// GetMatch resolves an instance for matchID, cache first. On a miss the
// durable record is read and validated, and only then is a new instance
// rehydrated around that id. This lazy-rehydration path is what lets a match
// survive a process restart.
func (r *MatchRegistry) GetMatch(matchID string) (*MatchInstance, error) {
	r.mu.RLock()
	instance, ok := r.matches[matchID]
	r.mu.RUnlock()
	if ok {
		return instance, nil
	}

	if _, err := r.store.GetMatchData(matchID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have rehydrated while we were reading the store.
	if existing, ok := r.matches[matchID]; ok {
		return existing, nil
	}
	instance = NewMatchInstance(matchID, r.store, NewConnManager(r.log), r.log)
	r.matches[matchID] = instance
	return instance, nil
}

// MatchesForPlayer lists the matches a player belongs to, straight from the
// store's reverse index.
func (r *MatchRegistry) MatchesForPlayer(playerID string) ([]match.Match, error) {
	return r.store.MatchesForPlayer(playerID)
}

type RegistryStats struct {
	CachedMatches   int
	LiveConnections int
}

func (r *MatchRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{CachedMatches: len(r.matches)}
	for _, instance := range r.matches {
		stats.LiveConnections += instance.ConnectedCount()
	}
	return stats
}
