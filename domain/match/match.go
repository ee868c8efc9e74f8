package match

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	apperrors "match-lab/errors"
)

// MaxPlayers is the roster cap: a match is a two-player affair, always.
const MaxPlayers = 2

type Status string

const (
	StatusAwaiting Status = "awaiting"
	StatusLive     Status = "live"
	StatusStopped  Status = "stopped"
)

type Player struct {
	UUID     string `json:"uuid" validate:"required"`
	Nickname string `json:"nickname" validate:"required"`
	Active   bool   `json:"active"`
}

// Match is the durable record of one two-player session.
// The stored JSON shape is a compatibility surface for existing clients,
// hence the camelCase tags.
type Match struct {
	ID        string    `json:"id" validate:"required"`
	CreatedAt time.Time `json:"createdAt" validate:"required"`
	Status    Status    `json:"status" validate:"required,oneof=awaiting live stopped"`
	Players   []Player  `json:"players" validate:"min=1,max=2,dive"`
}

var validate = validator.New()

// Validate checks the structural invariants of a stored record.
// A record that fails here is corrupt for every caller: it is never
// coerced into an empty or default match.
func Validate(m Match) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if hasDuplicatePlayer(m.Players) {
		return fmt.Errorf("%w: duplicate player uuid", apperrors.ErrMalformedRecord)
	}
	return nil
}

func hasDuplicatePlayer(players []Player) bool {
	uuids := lo.Map(players, func(p Player, _ int) string { return p.UUID })
	return len(lo.Uniq(uuids)) != len(uuids)
}

func (m Match) HasPlayer(playerUUID string) bool {
	return lo.SomeBy(m.Players, func(p Player) bool { return p.UUID == playerUUID })
}

func (m Match) Player(playerUUID string) (Player, bool) {
	return lo.Find(m.Players, func(p Player) bool { return p.UUID == playerUUID })
}

func (m Match) RosterFull() bool {
	return len(m.Players) >= MaxPlayers
}
