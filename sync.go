package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpaulsen/localsync-go/internal/config"
	"github.com/jpaulsen/localsync-go/internal/engine"
	"github.com/jpaulsen/localsync-go/internal/remote"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize with the remote endpoint",
		Long: `Run a sync cycle against the configured remote endpoint.

By default, sync runs one cycle and exits. Use --watch to keep running:
cycles then fire on the configured interval, on remote change notices,
and immediately after local writes from other commands are detected.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep running and sync continuously")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	if err := requireRemote(resolvedCfg); err != nil {
		return err
	}

	watch, _ := cmd.Flags().GetBool("watch")
	if watch {
		return runSyncWatch(cmd.Context(), resolvedCfg, logger)
	}

	app, err := newAppSession(resolvedCfg, 0, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Session.SyncNow(cmd.Context())
	if err != nil {
		return err
	}

	return printCycleReport(report)
}

// runSyncWatch runs the background scheduler until interrupted. The change
// feed and config file watcher are optional; either failing to start stops
// the whole group so a half-wired daemon never runs silently degraded.
func runSyncWatch(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	interval, err := config.SyncInterval(cfg)
	if err != nil {
		return err
	}

	app, err := newAppSession(cfg, interval, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := shutdownContext(parent, logger)

	holder := config.NewHolder(cfg, resolvedCfgPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Sched.Run(gctx)
	})

	if cfg.Remote.WebsocketURL != "" {
		notifier := remote.NewNotifier(cfg.Remote.WebsocketURL, logger, app.Sched.Trigger)

		g.Go(func() error {
			return notifier.Run(gctx)
		})
	}

	// Nothing to watch when running purely on defaults and flags.
	if _, statErr := os.Stat(resolvedCfgPath); statErr == nil {
		g.Go(func() error {
			return holder.Watch(gctx, logger, func(_ *config.Config) {
				// Policies and endpoints take effect next restart; a reload
				// still nudges a cycle so edits surface quickly.
				logger.Info("config reloaded", slog.String("path", holder.Path()))
				app.Sched.Trigger()
			})
		})
	}

	// First cycle runs immediately rather than waiting out the interval.
	app.Sched.Trigger()

	statusf(flagQuiet, "Watching for changes (Ctrl-C to stop)...\n")

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Interrupted by signal; a clean shutdown is not an error.
		return nil
	}

	return err
}

// cycleReportJSON is the JSON-serializable representation of a sync cycle.
type cycleReportJSON struct {
	Reclaimed int64  `json:"reclaimed"`
	Pushed    int    `json:"pushed"`
	Pulled    int    `json:"pulled"`
	Resolved  int    `json:"resolved"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Compacted int64  `json:"compacted"`
	Duration  string `json:"duration"`
}

func printCycleReport(r *engine.CycleReport) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(cycleReportJSON{
			Reclaimed: r.Reclaimed,
			Pushed:    r.Pushed,
			Pulled:    r.Pulled,
			Resolved:  r.Resolved,
			Deferred:  r.Deferred,
			Failed:    r.Failed,
			Skipped:   r.Skipped,
			Compacted: r.Compacted,
			Duration:  r.Duration.String(),
		})
	}

	fmt.Printf("Sync complete in %s: pushed %d, pulled %d", r.Duration.Round(time.Millisecond), r.Pushed, r.Pulled)

	if r.Resolved > 0 {
		fmt.Printf(", resolved %d", r.Resolved)
	}

	if r.Deferred > 0 {
		fmt.Printf(", deferred %d", r.Deferred)
	}

	if r.Failed > 0 {
		fmt.Printf(", rejected %d", r.Failed)
	}

	if r.Skipped > 0 {
		fmt.Printf(", skipped %d", r.Skipped)
	}

	fmt.Println()

	if r.Deferred > 0 {
		fmt.Println("Run 'localsync conflicts' to review deferred conflicts.")
	}

	return nil
}
