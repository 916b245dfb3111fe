package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Receiver is implemented by whatever holds the live configuration (the
// catalog builder) so the watcher can hand it a freshly parsed document
// without the watcher knowing anything about catalogs or providers.
type Receiver interface {
	LoadConfig(ctx context.Context, cfg *Configuration) error
}

// watcher polls path's mtime and reloads the configuration whenever it
// advances, rather than watching for filesystem events directly.
type watcher struct {
	lastMod time.Time
	path    string
	rcv     Receiver
	l       *slog.Logger
}

// StartWatcher performs an initial synchronous load, then polls path at the
// given interval for the lifetime of ctx.
func StartWatcher(ctx context.Context, path string, rcv Receiver, l *slog.Logger, interval time.Duration) error {
	w := &watcher{rcv: rcv, l: l, path: path}
	if err := w.reload(ctx); err != nil {
		return fmt.Errorf("config: initial load: %w", err)
	}
	l.Info("watching config file", slog.String("path", path), slog.String("interval", interval.String()))
	go w.watch(ctx, interval)
	return nil
}

func (w *watcher) watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.l.Info("stop watching config file", slog.String("path", w.path))
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			if err := w.reload(tickCtx); err != nil {
				w.l.Error("failed to reload config", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

func (w *watcher) reload(ctx context.Context) error {
	stat, err := os.Stat(w.path)
	if err != nil {
		return err
	}
	if stat.ModTime().Sub(w.lastMod) <= 0 {
		return nil
	}
	w.l.Info("loading config", slog.String("path", w.path))
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.rcv.LoadConfig(ctx, cfg); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	w.lastMod = stat.ModTime()
	return nil
}
