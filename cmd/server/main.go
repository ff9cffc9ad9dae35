// Command server is the chime timer-service process.
// It loads configuration, initialises node identity, and starts the
// scheduler and its WebSocket/HTTP transport.
//
// Usage:
//
//	server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chime/internal/bus"
	"chime/internal/config"
	"chime/internal/journal"
	"chime/internal/metrics"
	"chime/internal/node"
	"chime/internal/timer"
	transphttp "chime/internal/transport/http"
	transportws "chime/internal/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chime: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("chime starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"ws_path", cfg.WS.Path,
		"data_dir", n.DataDir(),
	)

	// ── 4. Open the fired-log journal ────────────────────────────────────────
	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(cfg.Node.DataDir, cfg.Journal.MaxEntries)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	}

	// ── 5. Scheduler + event bus ─────────────────────────────────────────────
	reg := &metrics.Registry{}
	b := bus.New()

	opts := []timer.Option{timer.WithMetrics(reg)}
	if j != nil {
		opts = append(opts, timer.WithLogSink(j))
	}
	sched := timer.New(b, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	// ── 6. Connection layer ──────────────────────────────────────────────────
	policy := transportws.NewOriginPolicy(cfg.WS.AllowedOrigins)
	hub := transportws.NewHub(cfg.WS.SendBuffer, reg)
	unbind := hub.BindBus(b)
	defer unbind()

	wsh := transportws.NewHandler(hub, sched, policy, cfg.WS.Path, cfg.Node.Port, reg)

	// ── 7. HTTP transport ────────────────────────────────────────────────────
	srv := transphttp.New(cfg, sched, wsh, j, n, reg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chime ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Live-reload the origin allow-list on config change ────────────────
	if err := config.Watch(ctx, *configPath, func(next *config.Config) {
		policy.Update(next.WS.AllowedOrigins)
		slog.Info("origin allow-list updated", "origins", len(next.WS.AllowedOrigins))
	}); err != nil {
		slog.Warn("config watch unavailable", "err", err)
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests a moment to complete, then drop all
	// connections. Timers do not survive the process.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	sched.Stop()
	if j != nil {
		if err := j.Close(); err != nil {
			slog.Warn("journal close error", "err", err)
		}
	}

	slog.Info("chime stopped")
	return nil
}
