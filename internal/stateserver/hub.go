package stateserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"

	"github.com/godiwi/statesync/internal/push"
)

// Hub fans push frames out to every connected WebSocket client, in broadcast order.
type Hub struct {
	clients   map[*websocket.Conn]string // conn -> Client-ID of the handshake
	clientsMu sync.RWMutex

	broadcast chan push.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a hub. Call Start before broadcasting.
func NewHub(logger *log.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan push.Frame, 100),
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

// Stop disconnects every client and ends the broadcast loop.
func (h *Hub) Stop() {
	// Clients are closed while their read loops still run.
	h.clientsMu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]string)
	h.clientsMu.Unlock()

	for conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
	}

	h.cancel()
	h.wg.Wait()
}

// Broadcast queues a frame for every client. Frames are dropped when the queue is full.
func (h *Hub) Broadcast(frame push.Frame) {
	select {
	case h.broadcast <- frame:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Broadcast queue full, dropping frame", "kind", frame.Kind)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case frame := <-h.broadcast:
			data, err := frame.Encode()
			if err != nil {
				h.logger.Error("Failed to encode frame", "err", err)
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
					h.logger.Debug("Failed to send to client", "err", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request to a push connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "err", err)
		return
	}

	clientID := r.Header.Get(clientIDHeader)

	h.clientsMu.Lock()
	h.clients[conn] = clientID
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Info("Client connected", "client", clientID, "total", count)

	h.wg.Add(1)
	go h.readLoop(conn)
}

// readLoop discards client messages and notices disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	clientID, exists := h.clients[conn]
	if !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("Client disconnected", "client", clientID, "total", count)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
