package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jpaulsen/localsync-go/internal/config"
	"github.com/jpaulsen/localsync-go/internal/engine"
	"github.com/jpaulsen/localsync-go/internal/remote"
	"github.com/jpaulsen/localsync-go/internal/resolve"
	"github.com/jpaulsen/localsync-go/internal/store"
)

// appSession bundles the open store with the assembled engine stack so
// subcommands can close everything through one handle.
type appSession struct {
	Store   *store.Store
	Engine  *engine.Engine
	Sched   *engine.Scheduler
	Session *engine.Session
}

// Close releases the state database. Must be called once per appSession.
func (a *appSession) Close() error {
	return a.Store.Close()
}

// newAppSession opens the state database and wires the engine from the
// resolved config. Pass a non-zero interval to attach a scheduler (sync
// --watch uses this); zero builds a scheduler that only runs on demand.
func newAppSession(cfg *config.Config, interval time.Duration, logger *slog.Logger) (*appSession, error) {
	dbPath := config.StatePath(cfg)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	st, err := store.Open(dbPath, logger)
	if err != nil {
		return nil, err
	}

	validator, err := remote.LoadValidator(cfg.Sync.SchemaDir, logger)
	if err != nil {
		st.Close()

		return nil, err
	}

	eng, err := engine.NewEngine(&engine.Config{
		Store:       st,
		Transport:   remote.NewClient(cfg.Remote.URL, defaultHTTPClient(), logger),
		Resolver:    resolve.NewResolver(config.Policies(cfg), config.DefaultPolicy(cfg)),
		Validator:   validator,
		Origin:      cfg.Origin,
		RemoteName:  cfg.Remote.Name,
		Logger:      logger,
		PullWorkers: cfg.Sync.PullWorkers,
	})
	if err != nil {
		st.Close()

		return nil, err
	}

	sched := engine.NewScheduler(eng, interval, logger)

	return &appSession{
		Store:   st,
		Engine:  eng,
		Sched:   sched,
		Session: engine.NewSession(st, eng, sched, cfg.Origin, logger),
	}, nil
}

// requireRemote returns an error when no remote endpoint is configured.
// Local commands work without one; sync commands call this first.
func requireRemote(cfg *config.Config) error {
	if cfg.Remote.URL == "" {
		return fmt.Errorf("remote.url not configured — set it in %s or pass --remote", resolvedCfgPath)
	}

	return nil
}
