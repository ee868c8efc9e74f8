package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	PlayerUUIDCookie = "player-uuid"
	PlayerNameCookie = "player-name"

	cookieTTL = 24 * time.Hour
)

// PlayerUUID returns the caller's stable player identity, if any.
func PlayerUUID(r *http.Request) (string, bool) {
	return cookieValue(r, PlayerUUIDCookie)
}

func PlayerName(r *http.Request) (string, bool) {
	return cookieValue(r, PlayerNameCookie)
}

// EnsurePlayerUUID returns the identity carried by the request, issuing a
// fresh one when the caller has none. The uuid is an opaque stable id, not an
// authentication token: there is nothing to sign or verify here.
func EnsurePlayerUUID(w http.ResponseWriter, r *http.Request) string {
	if playerUUID, ok := PlayerUUID(r); ok {
		return playerUUID
	}

	playerUUID := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     PlayerUUIDCookie,
		Value:    playerUUID,
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(cookieTTL),
	})
	return playerUUID
}

func cookieValue(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
