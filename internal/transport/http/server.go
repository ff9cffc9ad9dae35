// Package http provides the HTTP surface for chime.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET /health       liveness payload
//	GET {ws.path}     WebSocket upgrade (see internal/transport/ws)
//	GET /metrics      Prometheus text exposition (when enabled)
//	GET /journal      recent fired-log entries
//	/                 anything else: 426 Upgrade Required
//
// Everything except the upgrade itself is thin plumbing; the protocol lives
// on the WebSocket channel.
package http

import (
	"context"
	"net/http"
	"time"

	"chime/internal/config"
	"chime/internal/journal"
	"chime/internal/metrics"
	"chime/internal/node"
	"chime/internal/timer"
	transportws "chime/internal/transport/ws"
)

// Server wraps the stdlib HTTP server with chime route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. j may be nil when the journal is disabled.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(cfg *config.Config, sched *timer.Scheduler, wsh *transportws.Handler, j *journal.Journal, n *node.Node, reg *metrics.Registry) *Server {
	h := &Handler{sched: sched, journal: j, node: n, startedAt: time.Now()}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET "+cfg.WS.Path, wsh)

	if cfg.Metrics.Enabled && reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}
	if j != nil {
		mux.HandleFunc("GET /journal", h.recentJournal)
	}

	// Everything else is not part of the HTTP surface: point callers at the
	// WebSocket endpoint.
	mux.HandleFunc("/", h.upgradeRequired(cfg.WS.Path))

	var handler http.Handler = mux
	handler = chain(handler,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		RateLimitMiddleware(cfg.Limits.MaxRate, cfg.Limits.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: it would sever long-lived WebSocket
			// connections sharing this listener.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8089").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
