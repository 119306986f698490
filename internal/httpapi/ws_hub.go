package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nick227/imagequeue/internal/queue"
)

const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MetricsHub broadcasts the queue's overview snapshot to every
// connected dashboard client on a fixed tick, grounded on
// control_plane/ws_hub.go's single-broadcaster MetricsHub
// (a per-tenant map there; a flat client set here since the overview
// has no per-caller dimension, per spec.md §6's "live metrics" bullet).
type MetricsHub struct {
	manager    *queue.Manager
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	closed     chan struct{}
	mu         sync.RWMutex
}

// NewMetricsHub builds a hub over manager; callers must start it with Run.
func NewMetricsHub(manager *queue.Manager) *MetricsHub {
	return &MetricsHub{
		manager:    manager,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		closed:     make(chan struct{}),
	}
}

// Run drives the hub's broadcast loop until ctx is cancelled.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.closed)
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *MetricsHub) broadcast() {
	overview := h.manager.GetOverview()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(overview); err != nil {
			go h.Unregister(conn)
		}
	}
}

func (h *MetricsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds conn to the broadcast set. A no-op once Run has
// exited — closing the conn directly rather than leaking the caller's
// goroutine on a send that nothing will ever receive.
func (h *MetricsHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.closed:
		conn.Close()
	}
}

// Unregister removes conn from the broadcast set. Same no-op-after-Run
// guard as Register.
func (h *MetricsHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.closed:
		conn.Close()
	}
}

// ClientCount reports the number of connected dashboard clients.
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleMetricsStream upgrades the request to a WebSocket and
// registers it with the hub, grounded on control_plane/api_stream.go's
// upgrade-then-ping-then-read-pump handler.
func (a *API) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	a.wsHub.Register(conn)
	defer a.wsHub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			break
		}
	}
}
