package http

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chime/internal/metrics"
)

// ─── Logging ──────────────────────────────────────────────────────────────────

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying writer so the WebSocket upgrade can take
// over the TCP connection through the middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

// LoggingMiddleware logs method, path, status, and duration for every request
// and feeds the HTTP request counter. WebSocket upgrades are logged once at
// upgrade time; the log line's duration then covers the connection lifetime,
// which is why it is recorded but not alarming.
func LoggingMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			if reg != nil {
				reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)))
			}
			slog.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// ─── Rate limiting ────────────────────────────────────────────────────────────

// ipEntry holds a rate.Limiter and the time it was last used (for TTL eviction).
type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware applies per-IP token-bucket rate limiting.
// rps is the allowed requests per second; burst is the maximum burst size.
//
// The IP is resolved from X-Forwarded-For when present (first hop), falling
// back to RemoteAddr. The in-memory limiter map is pruned opportunistically
// (when it exceeds 5,000 entries) so it never grows without bound.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipEntry)
	)

	getLimiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		if e, ok := limiters[ip]; ok {
			e.lastSeen = time.Now()
			return e.limiter
		}

		// Opportunistic TTL eviction: only when the table is over the
		// threshold, sweep out entries idle for 10 minutes.
		if len(limiters) >= 5000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, v := range limiters {
				if v.lastSeen.Before(cutoff) {
					delete(limiters, k)
				}
			}
		}

		l := rate.NewLimiter(rate.Limit(rps), burst)
		limiters[ip] = &ipEntry{limiter: l, lastSeen: time.Now()}
		return l
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !getLimiter(ip).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the real client IP. It prefers the first address in
// X-Forwarded-For (set by a reverse proxy/gateway in front of chime) and
// falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				first = xff[:i]
				break
			}
		}
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// ─── Body size limit ─────────────────────────────────────────────────────────

// maxRequestBodyBytes bounds every inbound HTTP request body. The HTTP
// surface is GET-only, so anything beyond a small allowance is garbage.
const maxRequestBodyBytes = 1 << 20 // 1 MiB

// MaxBodyMiddleware wraps every request body in an http.MaxBytesReader.
func MaxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// ─── Chain ────────────────────────────────────────────────────────────────────

// chain composes a slice of middleware around the given handler (first = outermost).
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
