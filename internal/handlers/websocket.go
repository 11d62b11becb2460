package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/interfaces"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards connect from other origins on the LAN
	},
}

// WebSocketHandler streams domain events to connected dashboards: job,
// frame, animation, tiled job and worker state changes.
type WebSocketHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex
}

func NewWebSocketHandler(events interfaces.EventService, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:      logger,
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
	}

	for _, eventType := range []interfaces.EventType{
		interfaces.EventJobStatusChanged,
		interfaces.EventFrameStatusChanged,
		interfaces.EventAnimationStatusChanged,
		interfaces.EventTiledJobStatusChanged,
		interfaces.EventWorkerRegistered,
	} {
		if err := events.Subscribe(eventType, h.broadcastEvent); err != nil {
			logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe websocket broadcaster")
		}
	}

	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	// Drain reads until the peer closes; events only flow outbound.
	go func() {
		defer h.removeClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	delete(h.clientMutex, conn)
	clientCount := len(h.clients)
	h.mu.Unlock()

	conn.Close()
	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
}

func (h *WebSocketHandler) broadcastEvent(ctx context.Context, event interfaces.Event) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		h.mu.RLock()
		mutex, ok := h.clientMutex[conn]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		mutex.Lock()
		err := conn.WriteJSON(map[string]interface{}{
			"type":    string(event.Type),
			"payload": event.Payload,
		})
		mutex.Unlock()

		if err != nil {
			h.removeClient(conn)
		}
	}
	return nil
}
