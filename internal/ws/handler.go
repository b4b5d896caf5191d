package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vigilcam/vigil/internal/httputil"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 512
)

// TokenVerifier authenticates monitor connections; the auth handler
// satisfies it.
type TokenVerifier interface {
	VerifyAccessToken(tokenStr string) (string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	verifier TokenVerifier
}

func NewHandler(hub *Hub, verifier TokenVerifier) *Handler {
	return &Handler{hub: hub, verifier: verifier}
}

// Serve upgrades a monitor connection. Auth is a JWT in the `token`
// query parameter (browsers cannot set headers on WebSocket dials) or
// a standard bearer header. `session` scopes the subscription; absent
// means the full event firehose.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	operatorID, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade failed", "error", err)
		return
	}

	c := &client{
		sessionID: r.URL.Query().Get("session"),
		send:      make(chan []byte, clientSendBuffer),
	}
	h.hub.register <- c
	slog.Info("ws: monitor authenticated", "operator_id", operatorID, "session", c.sessionID)

	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

// writePump drains the client's send channel onto the socket and keeps
// the connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel: dropped or shutting down.
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes (and discards) inbound frames so pong handlers run
// and close frames are seen.
func (h *Handler) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.hub.unregister <- c
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("ws: monitor read error", "error", err)
			}
			return
		}
	}
}
