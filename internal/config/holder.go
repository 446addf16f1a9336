package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The sync daemon and the CLI layer read through a
// shared Holder, so hot reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. No lock needed; the path is
// immutable after construction.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Watch reloads the config when its file changes on disk, until ctx is
// canceled. A file that fails to parse or validate is logged and skipped;
// the previous config stays active. onReload, if non-nil, is called after
// each successful reload.
//
// The parent directory is watched rather than the file itself because
// editors that write via rename replace the inode the watch is bound to.
func (h *Holder) Watch(ctx context.Context, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logger.Debug("watching config", slog.String("path", h.path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Name != h.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			cfg, err := Load(h.path)
			if err != nil {
				logger.Warn("config reload failed, keeping current config",
					slog.String("path", h.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			h.Update(cfg)
			logger.Info("config reloaded", slog.String("path", h.path))

			if onReload != nil {
				onReload(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
