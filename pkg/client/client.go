// Package client is the Go SDK for chime.
//
// # Quick start
//
//	c, err := client.Dial(ctx, "ws://localhost:8089/ws")
//	defer c.Close()
//
//	info, err := c.CreateTimer(ctx, client.CreateTimer{
//	    Mode:  "once",
//	    RunAt: time.Now().Add(time.Minute).UnixMilli(),
//	    Task:  client.Task{Type: "notify", Message: "stand up"},
//	})
//
//	ok, err := c.CancelTimer(ctx, info.ID)
//
//	for f := range c.Events() {
//	    if f.Type == "timer.fired" { ... }
//	}
//
// # Request correlation
//
// The chime channel is a shared broadcast bus, not a point-to-point RPC
// transport: the server answers a create or cancel by broadcasting its effect
// to every subscriber, with no native request-id field. This client layers
// correlation on top. Each CreateTimer embeds an opaque ULID token in the
// outgoing task data (under "correlationId") and resolves on the first
// timer.created broadcast echoing that token; cancel and ping correlate on
// their natural keys. Every wait races a bounded timeout.
//
// # Error handling
//
// Waits distinguish "never got a reply" from "connection died":
//
//	errors.Is(err, client.ErrTimeout)  — no matching broadcast in time
//	errors.Is(err, client.ErrClosed)   — the connection failed mid-wait
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Sentinel errors returned from correlated waits.
var (
	// ErrTimeout means no matching reply arrived within the wait bound.
	ErrTimeout = errors.New("chime: timed out waiting for a reply")
	// ErrClosed means the connection failed or closed while waiting.
	ErrClosed = errors.New("chime: connection closed")
)

// CorrelationKey is the task-data field that carries the request token.
const CorrelationKey = "correlationId"

// ─── wire types ───────────────────────────────────────────────────────────────

// Task mirrors the wire task payload.
type Task struct {
	Type    string `json:"type"` // "notify" | "log"
	Message string `json:"message"`
	// Data is the optional free-form attachment. When set on a create request
	// it must be a JSON object (map[string]any) or nil, because the
	// correlation token is embedded into it.
	Data any `json:"data,omitempty"`
}

// DataMap returns the task data as an object, or nil if it is absent or not
// an object.
func (t Task) DataMap() map[string]any {
	m, _ := t.Data.(map[string]any)
	return m
}

// TimerInfo is the server's snapshot of one timer.
type TimerInfo struct {
	ID        string `json:"id"`
	Mode      string `json:"mode"` // "once" | "interval"
	CreatedAt int64  `json:"createdAt"`
	NextRunAt int64  `json:"nextRunAt"`
	EveryMs   int64  `json:"everyMs,omitempty"`
	LastRunAt int64  `json:"lastRunAt,omitempty"`
	Task      Task   `json:"task"`
}

// Frame is one inbound message from the server. Which fields are populated
// depends on Type.
type Frame struct {
	Type        string      `json:"type"`
	Now         int64       `json:"now,omitempty"`     // hello
	ID          string      `json:"id,omitempty"`      // pong, timer.canceled, timer.error
	OK          bool        `json:"ok"`                // timer.canceled
	Timer       *TimerInfo  `json:"timer,omitempty"`   // timer.created, timer.fired
	Timers      []TimerInfo `json:"timers,omitempty"`  // timer.list
	FiredAt     int64       `json:"firedAt,omitempty"` // timer.fired
	Text        string      `json:"message,omitempty"` // error, timer.error
	RequestType string      `json:"requestType,omitempty"`
}

// ─── options ──────────────────────────────────────────────────────────────────

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default per-request wait bound applied when the
// caller's context carries no deadline. The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithDialer replaces the default websocket dialer.
// Use this to configure TLS, proxies, or handshake timeouts.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets extra headers sent with the upgrade request (e.g. Origin).
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithEventBuffer sets the capacity of the Events channel. When the consumer
// falls behind, further frames are dropped rather than stalling the reader.
// The default is 64.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuf = n
		}
	}
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is a single chime connection. It is safe for concurrent use: one
// goroutine owns all reads and fans frames out to pending waits and the
// Events channel.
type Client struct {
	sock     *websocket.Conn
	timeout  time.Duration
	dialer   *websocket.Dialer
	header   http.Header
	eventBuf int

	writeMu sync.Mutex // serialises outbound frames

	mu       sync.Mutex
	seq      uint64
	waiters  map[uint64]*waiter
	closeErr error

	closed    chan struct{}
	closeOnce sync.Once

	events chan Frame
}

type waiter struct {
	pred func(*Frame) bool
	ch   chan *Frame // buffered, capacity 1
}

// Dial opens a connection to the chime WebSocket endpoint.
// rawURL accepts ws://, wss://, http://, or https:// schemes; HTTP schemes
// are rewritten to their WebSocket equivalents.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout:  5 * time.Second,
		dialer:   websocket.DefaultDialer,
		eventBuf: 64,
		waiters:  make(map[uint64]*waiter),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.events = make(chan Frame, c.eventBuf)

	wsURL, err := toWSURL(rawURL)
	if err != nil {
		return nil, err
	}

	sock, _, err := c.dialer.DialContext(ctx, wsURL, c.header)
	if err != nil {
		return nil, fmt.Errorf("chime: dial %s: %w", wsURL, err)
	}
	c.sock = sock

	go c.readLoop()
	return c, nil
}

// toWSURL normalises rawURL to a ws:// or wss:// URL.
func toWSURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("chime: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("chime: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Events returns the stream of every frame received on this connection —
// including broadcasts caused by other subscribers. The channel is closed
// when the connection ends.
func (c *Client) Events() <-chan Frame { return c.events }

// Close tears down the connection. Pending waits fail with ErrClosed.
func (c *Client) Close() error {
	err := c.sock.Close()
	c.fail(errors.New("closed by caller"))
	return err
}

// ─── operations ───────────────────────────────────────────────────────────────

// CreateTimer describes a create request.
type CreateTimer struct {
	Mode    string // "once" | "interval"
	RunAt   int64  // once: firing time (unix ms); values in the past fire immediately
	EveryMs int64  // interval: firing period, floor-clamped server-side
	StartAt int64  // interval: optional first firing time
	Task    Task
}

// CreateTimer creates a timer and waits for the timer.created broadcast that
// echoes this request's correlation token. The returned snapshot has the
// token stripped from its task data.
func (c *Client) CreateTimer(ctx context.Context, in CreateTimer) (*TimerInfo, error) {
	data, token, err := withToken(in.Task.Data)
	if err != nil {
		return nil, err
	}

	t := map[string]any{
		"mode": in.Mode,
		"task": map[string]any{
			"type":    in.Task.Type,
			"message": in.Task.Message,
			"data":    data,
		},
	}
	switch in.Mode {
	case "interval":
		t["everyMs"] = in.EveryMs
		if in.StartAt != 0 {
			t["startAt"] = in.StartAt
		}
	default:
		t["runAt"] = in.RunAt
	}

	f, err := c.roundTrip(ctx,
		map[string]any{"type": "timer.create", "timer": t},
		func(f *Frame) bool {
			return f.Type == "timer.created" && f.Timer != nil &&
				f.Timer.Task.DataMap()[CorrelationKey] == token
		})
	if err != nil {
		return nil, err
	}

	info := *f.Timer
	if m := info.Task.DataMap(); m != nil {
		stripped := make(map[string]any, len(m))
		for k, v := range m {
			if k != CorrelationKey {
				stripped[k] = v
			}
		}
		if len(stripped) == 0 {
			info.Task.Data = nil
		} else {
			info.Task.Data = stripped
		}
	}
	return &info, nil
}

// withToken copies data (which must be a JSON object or nil) and embeds a
// fresh correlation token. It returns the augmented map and the token.
func withToken(data any) (map[string]any, string, error) {
	token := ulid.Make().String()
	out := map[string]any{CorrelationKey: token}
	switch d := data.(type) {
	case nil:
	case map[string]any:
		for k, v := range d {
			out[k] = v
		}
		out[CorrelationKey] = token
	default:
		return nil, "", fmt.Errorf("chime: task data must be a JSON object, got %T", data)
	}
	return out, token, nil
}

// CancelTimer cancels the timer with the given id and waits for the matching
// timer.canceled broadcast. The returned bool reports whether a live timer
// existed — false is a normal outcome, not an error.
func (c *Client) CancelTimer(ctx context.Context, id string) (bool, error) {
	f, err := c.roundTrip(ctx,
		map[string]any{"type": "timer.cancel", "id": id},
		func(f *Frame) bool { return f.Type == "timer.canceled" && f.ID == id })
	if err != nil {
		return false, err
	}
	return f.OK, nil
}

// ListTimers requests a snapshot and waits for the next timer.list broadcast.
func (c *Client) ListTimers(ctx context.Context) ([]TimerInfo, error) {
	f, err := c.roundTrip(ctx,
		map[string]any{"type": "timer.list"},
		func(f *Frame) bool { return f.Type == "timer.list" })
	if err != nil {
		return nil, err
	}
	return f.Timers, nil
}

// Ping round-trips a ping frame, correlating on its id. Useful as a
// connection liveness probe: pongs are unicast, so no other subscriber's
// traffic can satisfy the wait.
func (c *Client) Ping(ctx context.Context) error {
	token := ulid.Make().String()
	_, err := c.roundTrip(ctx,
		map[string]any{"type": "ping", "id": token},
		func(f *Frame) bool { return f.Type == "pong" && f.ID == token })
	return err
}

// ─── correlation machinery ────────────────────────────────────────────────────

// roundTrip registers a predicate wait, sends the request, and blocks until
// the first matching inbound frame, a timeout, or connection failure.
// The wait is registered before the send so a reply can never slip past.
func (c *Client) roundTrip(ctx context.Context, req any, pred func(*Frame) bool) (*Frame, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	w := &waiter{pred: pred, ch: make(chan *Frame, 1)}

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.seq++
	id := c.seq
	c.waiters[id] = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case f := <-w.ch:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) send(req any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.WriteJSON(req); err != nil {
		return fmt.Errorf("chime: send: %w", err)
	}
	return nil
}

// readLoop owns all reads. Each frame is offered to every pending wait
// (first match resolves that wait) and then to the Events channel, which
// drops when saturated rather than stalling the reader.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
			continue // tolerate unrecognised traffic
		}

		c.mu.Lock()
		for id, w := range c.waiters {
			if w.pred(&f) {
				delete(c.waiters, id)
				w.ch <- &f
			}
		}
		c.mu.Unlock()

		select {
		case c.events <- f:
		default:
		}
	}
}

// fail records the terminal connection error and releases every pending wait.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
}
