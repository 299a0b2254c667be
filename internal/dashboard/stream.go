package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldbook/fieldbook/internal/coordinator"
	"github.com/fieldbook/fieldbook/internal/metrics"
)

// Hub pushes coordinator events to websocket clients.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan coordinator.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub. Run must be started before events are delivered.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan coordinator.Event, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start runs the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop closes every client and waits for the broadcast loop to exit.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
	metrics.StreamClients.Set(0)

	h.wg.Wait()
}

// Publish queues ev for every client. It never blocks; when the queue is
// full the event is dropped.
func (h *Hub) Publish(ev coordinator.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("broadcast queue full, dropping event", "kind", ev.Kind)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case ev := <-h.broadcast:
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal event", "kind", ev.Kind, "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.logger.Debug("failed to send to client", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the client. The first
// message is a "hello" event carrying the current client count.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	metrics.StreamClients.Set(float64(count))
	h.logger.Debug("stream client connected", "clients", count)

	hello, _ := json.Marshal(coordinator.Event{
		Kind: "hello",
		Time: time.Now(),
		Data: map[string]int{"clients": count},
	})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go h.readLoop(conn)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	metrics.StreamClients.Set(float64(count))
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("stream client disconnected", "clients", count)
}
