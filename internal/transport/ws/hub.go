// Package ws bridges the scheduler's event stream to a many-subscriber
// WebSocket channel: it owns the broadcast set, enforces connection-time
// origin policy, and translates inbound frames into scheduler calls.
//
// Delivery is best-effort and per-connection isolated: every connection has a
// buffered send queue drained by its own write pump, and a full queue drops
// frames for that connection instead of blocking the rest.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"chime/internal/bus"
	"chime/internal/metrics"
	"chime/internal/protocol"
)

// Conn is one live subscriber. It holds no state beyond its socket and send
// queue; everything durable lives in the scheduler.
type Conn struct {
	sock *websocket.Conn
	send chan []byte
}

// writePump drains the send queue onto the socket. After the first write
// failure it keeps draining (senders are non-blocking but the channel must
// empty) without writing, and closes the socket on exit.
func (c *Conn) writePump() {
	defer c.sock.Close()
	broken := false
	for msg := range c.send {
		if broken {
			continue
		}
		if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
			broken = true
		}
	}
}

// Hub owns the broadcast set. It is mutated only on connect/disconnect and
// read by every broadcast; the scheduler never touches it.
type Hub struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}

	sendBuffer int
	reg        *metrics.Registry
}

// NewHub returns an empty hub. sendBuffer is the per-connection outbound
// queue length.
func NewHub(sendBuffer int, reg *metrics.Registry) *Hub {
	if sendBuffer < 1 {
		sendBuffer = 64
	}
	return &Hub{
		conns:      make(map[*Conn]struct{}),
		sendBuffer: sendBuffer,
		reg:        reg,
	}
}

// OutFrame pairs an outbound frame with the type label used for metrics.
type OutFrame struct {
	Kind  string
	Frame any
}

// Register wraps an upgraded socket in a Conn, enqueues the greeting frames,
// adds it to the broadcast set, and starts its write pump. Greeting enqueue
// and set membership happen under one lock acquisition, so a concurrent
// Broadcast can never slip a frame ahead of the greeting.
func (h *Hub) Register(sock *websocket.Conn, greeting ...OutFrame) *Conn {
	c := &Conn{sock: sock, send: make(chan []byte, h.sendBuffer)}

	h.mu.Lock()
	for _, g := range greeting {
		data, err := json.Marshal(g.Frame)
		if err != nil {
			slog.Warn("greeting marshal failed", "kind", g.Kind, "err", err)
			continue
		}
		h.enqueueLocked(c, g.Kind, data)
	}
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	go c.writePump()

	if h.reg != nil {
		h.reg.ConnsOpened.Inc()
		h.reg.ConnsLive.Set(int64(n))
	}
	return c
}

// Unregister removes c from the broadcast set and closes its send queue,
// which ends the write pump and closes the socket. Idempotent.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	if ok {
		delete(h.conns, c)
		close(c.send)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if ok && h.reg != nil {
		h.reg.ConnsClosed.Inc()
		h.reg.ConnsLive.Set(int64(n))
	}
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast serialises frame once and enqueues it to every open connection.
// A connection whose queue is full misses the frame; nothing blocks.
func (h *Hub) Broadcast(kind string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("broadcast marshal failed", "kind", kind, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		h.enqueueLocked(c, kind, data)
	}
}

// Send unicasts frame to a single connection. It reports whether the
// connection was still registered. Used for hello, pong, and error frames —
// the only deliveries that are not broadcast.
func (h *Hub) Send(c *Conn, kind string, frame any) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("unicast marshal failed", "kind", kind, "err", err)
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	h.enqueueLocked(c, kind, data)
	return true
}

// enqueueLocked performs the non-blocking send. MUST hold h.mu, which
// guarantees c.send has not been closed by Unregister.
func (h *Hub) enqueueLocked(c *Conn, kind string, data []byte) {
	select {
	case c.send <- data:
		if h.reg != nil {
			h.reg.FramesOut.Inc(kind)
		}
	default:
		if h.reg != nil {
			h.reg.FramesDropped.Inc()
		}
	}
}

// BindBus subscribes the hub to scheduler events, broadcasting each one as
// its wire frame. The returned function detaches the subscription.
func (h *Hub) BindBus(b *bus.Bus) func() {
	return b.Subscribe(func(e bus.Event) {
		if frame, ok := protocol.EventFrame(e); ok {
			h.Broadcast(e.Kind, frame)
		}
	})
}

// CloseAll unregisters every connection. Used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Unregister(c)
	}
}
