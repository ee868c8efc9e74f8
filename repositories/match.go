package repositories

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"match-lab/contract"
	"match-lab/domain/match"
	apperrors "match-lab/errors"
)

// Keys are "match:{matchID}" for the record itself and
// "matches:{playerUUID}:{matchID}" as a reverse index for roster listings.
const (
	matchKeyPrefix  = "match:"
	playerKeyPrefix = "matches:"
)

// MatchRepository persists match records in BadgerDB.
// Badger transactions are serializable: a transaction that read a key which
// another transaction wrote before our commit fails with badger.ErrConflict.
// That conflict detection is the whole admission-safety story, so every
// read-modify-write below re-validates the roster against the freshest record
// inside the same transaction that writes it. No blind overwrites.
type MatchRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMatchRepository(db *badger.DB, log *slog.Logger) MatchRepository {
	return MatchRepository{db: db, log: log}
}

func matchKey(matchID string) []byte {
	return []byte(matchKeyPrefix + matchID)
}

func playerMatchKey(playerUUID, matchID string) []byte {
	return []byte(playerKeyPrefix + playerUUID + ":" + matchID)
}

func (r MatchRepository) CreateMatchWithPlayer(matchID string, data match.Match, player match.Player) (match.Match, error) {
	data.Players = []match.Player{player}
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := setMatch(txn, matchID, data); err != nil {
			return err
		}
		return txn.Set(playerMatchKey(player.UUID, matchID), nil)
	})
	if err != nil {
		return match.Match{}, mapConflict(err)
	}
	r.log.Debug(fmt.Sprintf("Created match %s", matchID), "creator", player.UUID)
	return data, nil
}

func (r MatchRepository) GetMatchData(matchID string) (match.Match, error) {
	var data match.Match
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = getMatch(txn, matchID)
		return err
	})
	if err != nil {
		return match.Match{}, err
	}
	return data, nil
}

func (r MatchRepository) SetMatchData(matchID string, data match.Match) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return setMatch(txn, matchID, data)
	})
	return mapConflict(err)
}

// AddPlayer admits a player into the roster through a conditional commit.
// The self-join and seat-taken invariants are checked against the record as
// it exists inside this very transaction; if a concurrent admission committed
// first, badger rejects ours and the caller sees ErrConflict. The status flips
// to live as soon as the second seat is filled.
func (r MatchRepository) AddPlayer(player match.Player, matchID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		data, err := getMatch(txn, matchID)
		if err != nil {
			return err
		}
		if data.HasPlayer(player.UUID) {
			return apperrors.ErrSelfJoin
		}
		if data.RosterFull() {
			return apperrors.ErrSeatTaken
		}
		data.Players = append(data.Players, player)
		if data.RosterFull() {
			data.Status = match.StatusLive
		}
		if err := setMatch(txn, matchID, data); err != nil {
			return err
		}
		return txn.Set(playerMatchKey(player.UUID, matchID), nil)
	})
	return mapConflict(err)
}

func (r MatchRepository) SetPlayerActive(playerID, matchID string, active bool) (match.Player, error) {
	var updated match.Player
	err := r.db.Update(func(txn *badger.Txn) error {
		data, err := getMatch(txn, matchID)
		if err != nil {
			return err
		}
		player, index, found := lo.FindIndexOf(data.Players, func(p match.Player) bool { return p.UUID == playerID })
		if !found {
			return apperrors.ErrPlayerNotFound
		}
		player.Active = active
		data.Players[index] = player
		updated = player
		return setMatch(txn, matchID, data)
	})
	if err != nil {
		return match.Player{}, mapConflict(err)
	}
	return updated, nil
}

// MatchesForPlayer scans the reverse index and resolves each referenced
// record. An index entry whose record has expired is skipped, not fatal.
func (r MatchRepository) MatchesForPlayer(playerID string) ([]match.Match, error) {
	var matches []match.Match
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(playerKeyPrefix + playerID + ":")
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			matchID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			data, err := getMatch(txn, matchID)
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			matches = append(matches, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r MatchRepository) RunTransaction(fn func(tx contract.StoreTx) error) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return fn(storeTx{txn: txn})
	})
	return mapConflict(err)
}

type storeTx struct {
	txn *badger.Txn
}

func (t storeTx) GetMatchData(matchID string) (match.Match, error) {
	return getMatch(t.txn, matchID)
}

func (t storeTx) SetMatchData(matchID string, data match.Match) error {
	return setMatch(t.txn, matchID, data)
}

func getMatch(txn *badger.Txn, matchID string) (match.Match, error) {
	item, err := txn.Get(matchKey(matchID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return match.Match{}, apperrors.ErrNotFound
	}
	if err != nil {
		return match.Match{}, err
	}
	var data match.Match
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &data)
	})
	if err != nil {
		return match.Match{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if err := match.Validate(data); err != nil {
		return match.Match{}, err
	}
	return data, nil
}

func setMatch(txn *badger.Txn, matchID string, data match.Match) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return txn.Set(matchKey(matchID), bytes)
}

func mapConflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return apperrors.ErrConflict
	}
	return err
}
