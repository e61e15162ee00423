// Package ws frames JSON-RPC messages one per WebSocket text frame,
// grounded on the teacher-adjacent FluxForge control_plane/ws_hub.go
// connection-registration/broadcast hub, adapted here to carry JSON-RPC
// request/response frames instead of a metrics push stream, and to track
// one Hub-registered connection per RPC session.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/swarmd/pkg/log"
	"github.com/cuemby/swarmd/pkg/rpc"
	"github.com/gorilla/websocket"
)

const maxConnections = 1000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to rpc.FrameConn, one JSON-RPC message per
// WebSocket text frame.
type Conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// ReadFrame blocks for the next text message.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteFrame sends data as a single text message, bounded by a write
// deadline so a stalled client cannot block the dispatcher.
func (c *Conn) WriteFrame(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks live WebSocket RPC connections for capacity enforcement and
// coordinated shutdown.
type Hub struct {
	mu      sync.RWMutex
	conns   map[*Conn]bool
	maxConn int
}

// NewHub creates an empty connection hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*Conn]bool), maxConn: maxConnections}
}

// Handler returns an http.HandlerFunc that upgrades to WebSocket and serves
// JSON-RPC frames against d until the connection closes.
func (h *Hub) Handler(d *rpc.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithComponent("ws").Warn().Err(err).Msg("ws upgrade failed")
			return
		}
		conn := &Conn{ws: rawConn}

		h.mu.Lock()
		if len(h.conns) >= h.maxConn {
			h.mu.Unlock()
			rawConn.Close()
			log.WithComponent("ws").Warn().Int("max_connections", h.maxConn).Msg("ws connection rejected: max connections reached")
			return
		}
		h.conns[conn] = true
		h.mu.Unlock()

		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			rawConn.Close()
		}()

		if err := rpc.ServeConn(r.Context(), d, conn); err != nil {
			log.WithComponent("ws").Info().Err(err).Msg("ws connection closed")
		}
	}
}

// ConnectionCount reports the number of live WebSocket RPC connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every live connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.ws.Close()
	}
	h.conns = make(map[*Conn]bool)
}

var _ rpc.FrameConn = (*Conn)(nil)
