package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"match-lab/auth"
	"match-lab/domain/match"
	apperrors "match-lab/errors"
	"match-lab/runtime"
)

// Server exposes the match lifecycle over HTTP. It only translates between
// the wire and the registry: every decision about admission or state lives in
// the runtime package.
type Server struct {
	registry      *runtime.MatchRegistry
	log           *slog.Logger
	allowedOrigin string
}

func NewServer(registry *runtime.MatchRegistry, allowedOrigin string, log *slog.Logger) *Server {
	return &Server{registry: registry, log: log, allowedOrigin: allowedOrigin}
}

// Router wires the HTTP routes. The websocket /play handler is passed in so
// this package stays transport-agnostic.
func (s *Server) Router(play http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.Use(s.corsMiddleware)

	// OPTIONS must be registered too: mux only runs middleware on matched
	// routes, and preflights would otherwise 405 without CORS headers.
	router.HandleFunc("/game/create", s.handleCreate).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/game/join", s.handleJoin).Methods(http.MethodPost, http.MethodOptions)
	router.HandleFunc("/games/{gameId}", s.handleGet).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/player/me/games", s.handleListMine).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/play", play).Methods(http.MethodGet)
	return router
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	playerName, ok := auth.PlayerName(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Player name not provided")
		return
	}
	playerUUID := auth.EnsurePlayerUUID(w, r)

	matchID, err := s.registry.CreateMatch(match.Player{UUID: playerUUID, Nickname: playerName})
	if err != nil {
		s.log.Error("Match creation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"gameId": matchID})
}

type joinRequest struct {
	GameID string `json:"gameId"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	playerName, ok := auth.PlayerName(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Player name not provided")
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GameID == "" {
		writeError(w, http.StatusBadRequest, "Game ID not provided")
		return
	}

	playerUUID := auth.EnsurePlayerUUID(w, r)

	err := s.registry.JoinMatch(req.GameID, match.Player{UUID: playerUUID, Nickname: playerName})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, apperrors.ErrSelfJoin):
		writeError(w, http.StatusBadRequest, "You cannot join your own game")
	case errors.Is(err, apperrors.ErrSeatTaken):
		writeError(w, http.StatusBadRequest, "Player 2 seat already taken")
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrMalformedRecord):
		writeError(w, http.StatusBadRequest, "Something went wrong")
	default:
		s.log.Error(fmt.Sprintf("Join failed for match %s", req.GameID), "err", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	playerUUID, ok := auth.PlayerUUID(r)
	if !ok {
		writeError(w, http.StatusForbidden, "No permission")
		return
	}

	matchID := mux.Vars(r)["gameId"]
	instance, err := s.registry.GetMatch(matchID)
	if err != nil {
		writeError(w, http.StatusForbidden, "No permission")
		return
	}

	data, err := instance.Data()
	if err != nil || !data.HasPlayer(playerUUID) {
		writeError(w, http.StatusForbidden, "No permission")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "game": data})
}

type matchSummary struct {
	ID        string       `json:"id"`
	CreatedAt string       `json:"createdAt"`
	Status    match.Status `json:"status"`
	Players   []string     `json:"players"`
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	playerUUID, ok := auth.PlayerUUID(r)
	if !ok {
		writeError(w, http.StatusForbidden, "No permission")
		return
	}

	matches, err := s.registry.MatchesForPlayer(playerUUID)
	if err != nil {
		s.log.Error(fmt.Sprintf("Listing matches failed for player %s", playerUUID), "err", err)
		writeError(w, http.StatusInternalServerError, "Something went wrong")
		return
	}

	summaries := lo.Map(matches, func(m match.Match, _ int) matchSummary {
		return matchSummary{
			ID:        m.ID,
			CreatedAt: m.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Status:    m.Status,
			Players:   lo.Map(m.Players, func(p match.Player, _ int) string { return p.Nickname }),
		}
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "games": summaries})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
