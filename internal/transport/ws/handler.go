package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chime/internal/metrics"
	"chime/internal/protocol"
	"chime/internal/timer"
)

// Handler serves the WebSocket endpoint: it upgrades connections that pass
// the origin policy, greets them, and translates their requests into
// scheduler calls. It is mounted by the HTTP server at the configured path.
type Handler struct {
	hub      *Hub
	sched    *timer.Scheduler
	policy   *OriginPolicy
	path     string
	port     int
	reg      *metrics.Registry
	upgrader websocket.Upgrader
}

// NewHandler wires a Handler. path and port are echoed back to clients in the
// hello frame so they know where they landed.
func NewHandler(hub *Hub, sched *timer.Scheduler, policy *OriginPolicy, path string, port int, reg *metrics.Registry) *Handler {
	h := &Handler{
		hub:    hub,
		sched:  sched,
		policy: policy,
		path:   path,
		port:   port,
		reg:    reg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			ok := policy.Allow(r.Header.Get("Origin"))
			if !ok && reg != nil {
				reg.ConnsRejected.Inc()
			}
			return ok
		},
	}
	return h
}

// ServeHTTP upgrades the connection and runs its read loop until the client
// goes away. Malformed messages are answered with a unicast error frame and
// never close the connection; only a transport-level read failure does.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	// The hello is enqueued inside Register so no broadcast can precede it.
	// The snapshot is taken after registration; any timer created in between
	// reaches the client through both its broadcast and the snapshot, never
	// through neither.
	hello := protocol.NewHello(time.Now().UnixMilli(), h.path, h.port)
	c := h.hub.Register(sock, OutFrame{Kind: protocol.TypeHello, Frame: hello})
	defer h.hub.Unregister(c)

	h.hub.Send(c, protocol.TypeList, protocol.NewList(h.sched.List()))

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(c, raw)
	}
}

// dispatch parses one inbound message and applies it. Create and cancel get
// no dedicated reply: their effect reaches the requester through the same
// broadcast every other subscriber sees.
func (h *Handler) dispatch(c *Conn, raw []byte) {
	req, perr := protocol.ParseInbound(raw)
	if perr != nil {
		h.hub.Send(c, protocol.TypeError, protocol.NewError(perr))
		return
	}

	switch req.Type {
	case protocol.TypePing:
		h.hub.Send(c, protocol.TypePong, protocol.Pong{Type: protocol.TypePong, ID: req.PingID})

	case protocol.TypeList:
		h.sched.PublishList()

	case protocol.TypeCancel:
		h.sched.Cancel(req.CancelID)

	case protocol.TypeCreate:
		h.sched.Create(timer.CreateInput{
			Mode:    req.Create.Mode,
			RunAt:   req.Create.RunAt,
			EveryMs: req.Create.EveryMs,
			StartAt: req.Create.StartAt,
			Task:    req.Create.Task,
		})
	}
}
