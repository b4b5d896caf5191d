package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const clientSendBuffer = 32

// event is the JSON envelope relayed to monitoring clients.
type event struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type client struct {
	sessionID string // empty subscribes to every session
	send      chan []byte
}

// Hub fans pipeline events out to connected monitors. Clients that
// cannot keep up lose their send channel and get disconnected instead
// of stalling the broadcast.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan envelope

	mu      sync.RWMutex
	clients map[*client]bool
}

type envelope struct {
	sessionID string
	payload   []byte
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, 64),
		clients:    make(map[*client]bool),
	}
}

// Run owns the client set. Call it once in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("ws: monitor connected", "session", c.sessionID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("ws: monitor disconnected", "total", total)

		case env := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.sessionID != "" && c.sessionID != env.sessionID {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					// Slow client: drop it rather than block the hub.
					delete(h.clients, c)
					close(c.send)
					slog.Warn("ws: dropped slow monitor", "session", c.sessionID)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastSession relays one pipeline event to every monitor watching
// the session (and to firehose clients with no session filter).
func (h *Hub) BroadcastSession(sessionID, eventType string, data map[string]any) {
	payload, err := json.Marshal(event{
		Event:     eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		slog.Error("ws: failed to marshal event", "event", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- envelope{sessionID: sessionID, payload: payload}:
	default:
		slog.Warn("ws: broadcast queue full, event dropped", "event", eventType, "session", sessionID)
	}
}

// ClientCount is exposed for the health endpoint.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
