package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs the burst of write events most editors produce for a
// single save before the file content is complete.
const debounce = 200 * time.Millisecond

// Watch monitors the config file at path and calls onChange with each freshly
// loaded, validated config after the file changes. Configs that fail to load
// or validate are logged and skipped — the previous config stays in effect.
//
// The watcher runs until ctx is canceled. The parent directory is watched
// (not the file itself) so atomic rename-based saves are picked up too.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		var pending <-chan time.Time
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(debounce)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watch error", "err", err)

			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "path", path, "err", err)
					continue
				}
				if err := cfg.Validate(); err != nil {
					slog.Warn("config reload rejected", "path", path, "err", err)
					continue
				}
				slog.Info("config reloaded", "path", path)
				onChange(cfg)
			}
		}
	}()

	return nil
}
