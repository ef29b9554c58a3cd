package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/beamline-tools/lauerun/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // beamline consoles connect from arbitrary hosts
	},
}

// wsMessage is the envelope written to websocket clients.
type wsMessage struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketHandler streams job lifecycle notifications to connected clients.
// It subscribes once to the job_updates and batch_completed channels and fans
// every notification out to all clients; a client may additionally follow one
// work item's progress channel via ?progress=<queue_id>.
type WebSocketHandler struct {
	events *events.Service
	logger arbor.ILogger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewWebSocketHandler creates the handler and installs its subscriptions.
func NewWebSocketHandler(eventService *events.Service, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		events:  eventService,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}

	eventService.Subscribe(events.ChannelJobUpdates, func(ctx context.Context, payload []byte) {
		h.broadcast(events.ChannelJobUpdates, payload)
	})
	eventService.Subscribe(events.ChannelBatchCompleted, func(ctx context.Context, payload []byte) {
		h.broadcast(events.ChannelBatchCompleted, payload)
	})

	return h
}

// HandleWebSocket handles GET /ws.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()

	h.logger.Debug().
		Str("remote", r.RemoteAddr).
		Msg("WebSocket client connected")

	if queueID := r.URL.Query().Get("progress"); queueID != "" {
		channel := events.ProgressChannel(queueID)
		h.events.Subscribe(channel, func(ctx context.Context, payload []byte) {
			h.send(conn, writeMu, channel, payload)
		})
	}

	// Reader loop only consumes control frames; its return means the client
	// is gone.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// broadcast sends a payload to every connected client.
func (h *WebSocketHandler) broadcast(channel string, payload []byte) {
	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, mu := range h.clients {
		conns[conn] = mu
	}
	h.mu.RUnlock()

	for conn, mu := range conns {
		h.send(conn, mu, channel, payload)
	}
}

// send writes one message to one client; a write failure drops the client.
func (h *WebSocketHandler) send(conn *websocket.Conn, writeMu *sync.Mutex, channel string, payload []byte) {
	msg, err := json.Marshal(wsMessage{Channel: channel, Payload: payload})
	if err != nil {
		return
	}

	writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = conn.WriteMessage(websocket.TextMessage, msg)
	writeMu.Unlock()

	if err != nil {
		h.drop(conn)
	}
}

// drop removes and closes a client connection.
func (h *WebSocketHandler) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug().Msg("WebSocket client disconnected")
}
