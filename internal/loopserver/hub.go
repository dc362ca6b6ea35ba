package loopserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/events"
	"github.com/tOgg1/loopdeck/internal/logging"
)

const hubWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans execution events out to websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]string
	closed  bool
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]string),
		logger:  logging.Component("loopserver").With().Str("part", "hub").Logger(),
	}
}

// ServeHTTP upgrades the request and registers the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	clientID := r.URL.Query().Get("clientId")

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = clientID
	h.send(conn, events.Event{Type: events.TypeStatus})
	h.mu.Unlock()

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Str("client_id", clientID).Msg("websocket read error")
				}
				return
			}
		}
	}()
}

// Publish sends event to every client.
func (h *Hub) Publish(event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.send(conn, event)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// send writes one event; h.mu must be held so writes never interleave.
func (h *Hub) send(conn *websocket.Conn, event events.Event) {
	data, err := events.Encode(event)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", event.Type).Msg("failed to encode event")
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}
