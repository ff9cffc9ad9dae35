// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for chime. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// # Naming convention
//
// Label-keyed counters use a tab-separated string as their key so a single
// sync.Map can hold all label combinations without map nesting:
//
//	TimersCreated / TimersFired       →  key = mode ("once" | "interval")
//	TimersCanceled                    →  key = "true" | "false" (cancel outcome)
//	TaskErrors                        →  key = task type
//	FramesOut                         →  key = frame type
//	HTTPReqs                          →  key = "method\tpath\tstatus"
//
// # Prometheus text output
//
// Registry.Handler returns an http.Handler that renders everything in the
// Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── primitives ───────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// Counter is a plain monotonically increasing counter.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a value that can go up and down (e.g. live timers, open conns).
type Gauge struct {
	v atomic.Int64
}

// Set replaces the gauge value.
func (g *Gauge) Set(n int64) { g.v.Store(n) }

// Add adjusts the gauge by n (may be negative).
func (g *Gauge) Add(n int64) { g.v.Add(n) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.v.Load() }

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all chime application metrics. The zero value is ready to use.
type Registry struct {
	// Scheduler counters.
	TimersCreated  labelCounter // key = mode
	TimersCanceled labelCounter // key = "true" | "false"
	TimersFired    labelCounter // key = mode
	TaskErrors     labelCounter // key = task type
	TimersLive     Gauge

	// Connection-layer counters.
	ConnsOpened   Counter
	ConnsClosed   Counter
	ConnsRejected Counter // origin policy refusals
	ConnsLive     Gauge
	FramesOut     labelCounter // key = frame type, counted per delivery
	FramesDropped Counter      // frames discarded due to a full send buffer

	// HTTP counters. key = "method\tpath\tstatus"
	HTTPReqs labelCounter
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── scheduler ─────────────────────────────────────────────────────────
		writeFamily(&b, "chime_timers_created_total",
			"Total timers created", "counter",
			func(fn func(labels, val string)) {
				r.TimersCreated.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`mode=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "chime_timers_canceled_total",
			"Total cancel requests by outcome", "counter",
			func(fn func(labels, val string)) {
				r.TimersCanceled.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`ok=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "chime_timers_fired_total",
			"Total timer firings", "counter",
			func(fn func(labels, val string)) {
				r.TimersFired.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`mode=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "chime_task_errors_total",
			"Total task side-effect failures", "counter",
			func(fn func(labels, val string)) {
				r.TaskErrors.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`task=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeScalar(&b, "chime_timers_live",
			"Number of currently live timers", "gauge", r.TimersLive.Value())

		// ── connections ───────────────────────────────────────────────────────
		writeScalar(&b, "chime_connections_opened_total",
			"Total WebSocket connections accepted", "counter", r.ConnsOpened.Value())
		writeScalar(&b, "chime_connections_closed_total",
			"Total WebSocket connections closed", "counter", r.ConnsClosed.Value())
		writeScalar(&b, "chime_connections_rejected_total",
			"Total upgrade attempts refused by origin policy", "counter", r.ConnsRejected.Value())
		writeScalar(&b, "chime_connections_live",
			"Number of currently open WebSocket connections", "gauge", r.ConnsLive.Value())

		writeFamily(&b, "chime_frames_out_total",
			"Total outbound frames by type, counted per delivery", "counter",
			func(fn func(labels, val string)) {
				r.FramesOut.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`type=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeScalar(&b, "chime_frames_dropped_total",
			"Total frames discarded because a connection's send buffer was full",
			"counter", r.FramesDropped.Value())

		// ── HTTP ──────────────────────────────────────────────────────────────
		writeFamily(&b, "chime_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// writeScalar writes an unlabelled metric family with a single sample.
func writeScalar(b *strings.Builder, name, help, typ string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}
