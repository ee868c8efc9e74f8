package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"match-lab/auth"
	"match-lab/runtime"
)

// Handler upgrades /play requests and bridges the physical connection into a
// MatchInstance. Policy failures close the socket with 1008 (policy
// violation); they never tear down the match itself.
type Handler struct {
	registry   *runtime.MatchRegistry
	log        *slog.Logger
	bufferSize int
	upgrader   websocket.Upgrader
}

func NewHandler(registry *runtime.MatchRegistry, allowedOrigin string, bufferSize int, log *slog.Logger) *Handler {
	return &Handler{
		registry:   registry,
		log:        log,
		bufferSize: bufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

// HandlePlay serves GET /play?gameId=...
// Identity and match id come from the HTTP layer (cookie + query); this
// handler checks membership and hands the wrapped handle to the instance.
func (h *Handler) HandlePlay(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("gameId")
	playerUUID, hasIdentity := auth.PlayerUUID(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "err", err)
		return
	}

	if !hasIdentity {
		h.closePolicy(ws, "Authentication token required")
		return
	}
	if matchID == "" {
		h.closePolicy(ws, "Game ID is required")
		return
	}

	instance, err := h.registry.GetMatch(matchID)
	if err != nil {
		h.log.Warn(fmt.Sprintf("Rejecting play request for match %s", matchID), "err", err)
		h.closePolicy(ws, "Game not found")
		return
	}

	data, err := instance.Data()
	if err != nil {
		h.closePolicy(ws, "Game not found")
		return
	}
	if !data.HasPlayer(playerUUID) {
		h.closePolicy(ws, "Forbidden")
		return
	}

	conn := NewConn(ws, h.bufferSize)
	if err := instance.Connect(playerUUID, conn); err != nil {
		h.log.Error(fmt.Sprintf("Connect failed for player %s", playerUUID), "err", err)
		h.closePolicy(ws, "Connection refused")
		conn.Close()
		return
	}

	go h.readPump(instance, playerUUID, conn, ws)
}

// readPump relays inbound frames until the peer goes away, then runs the
// disconnect path exactly once. The teardown is scoped to this pump's own
// handle: a reconnect replaces the handle and closes the old socket, and the
// woken pump must not stop the match under the fresh connection.
func (h *Handler) readPump(instance *runtime.MatchInstance, playerUUID string, conn *Conn, ws *websocket.Conn) {
	defer func() {
		if err := instance.DisconnectHandle(playerUUID, conn); err != nil {
			h.log.Warn(fmt.Sprintf("Disconnect failed for player %s", playerUUID), "err", err)
		}
		conn.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := instance.BroadcastFrom(playerUUID, string(payload)); err != nil {
			h.log.Warn(fmt.Sprintf("Relay failed for player %s", playerUUID), "err", err)
		}
	}
}

func (h *Handler) closePolicy(ws *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	_ = ws.Close()
}
