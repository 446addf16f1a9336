package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jpaulsen/localsync-go/internal/record"
	"github.com/jpaulsen/localsync-go/internal/remote"
	"github.com/jpaulsen/localsync-go/internal/resolve"
	"github.com/jpaulsen/localsync-go/internal/store"
)

// maxPushPasses bounds the push loop. Resolutions re-queue entries as
// pending, so the drain repeats until a pass makes no progress.
const maxPushPasses = 3

// defaultPullWorkers is the apply concurrency for non-conflicting pulled
// records within a page.
const defaultPullWorkers = 4

// Config holds the collaborators for NewEngine. A struct because the
// engine touches every other package.
type Config struct {
	Store       *store.Store
	Transport   remote.Transport
	Resolver    *resolve.Resolver
	Validator   *remote.Validator // optional; nil skips payload validation
	Origin      string            // this replica's identifier
	RemoteName  string            // checkpoint key for the remote endpoint
	Logger      *slog.Logger
	PullWorkers int // 0 uses defaultPullWorkers
}

// CycleReport summarizes the result of a single sync cycle.
type CycleReport struct {
	Reclaimed int64 // inflight entries recovered from an interrupted cycle
	Pushed    int
	Pulled    int
	Resolved  int
	Deferred  int
	Failed    int // permanently rejected entries
	Skipped   int // entries parked behind an open conflict
	Compacted int64
	Duration  time.Duration
}

// Engine executes sync cycles: recover, push local changes, resolve
// conflicts, pull remote changes, checkpoint, compact. It owns no
// goroutines; the Scheduler decides when cycles run.
type Engine struct {
	store       *store.Store
	transport   remote.Transport
	resolver    *resolve.Resolver
	validator   *remote.Validator
	origin      string
	remoteName  string
	logger      *slog.Logger
	pullWorkers int
	hub         *hub
}

// NewEngine wires an Engine from its collaborators.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Transport == nil || cfg.Resolver == nil {
		return nil, errors.New("engine: store, transport, and resolver are required")
	}

	if cfg.Origin == "" {
		return nil, errors.New("engine: origin must be set")
	}

	workers := cfg.PullWorkers
	if workers <= 0 {
		workers = defaultPullWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	remoteName := cfg.RemoteName
	if remoteName == "" {
		remoteName = "default"
	}

	return &Engine{
		store:       cfg.Store,
		transport:   cfg.Transport,
		resolver:    cfg.Resolver,
		validator:   cfg.Validator,
		origin:      cfg.Origin,
		remoteName:  remoteName,
		logger:      logger,
		pullWorkers: workers,
		hub:         newHub(),
	}, nil
}

// RunCycle executes one complete sync cycle:
//  1. Reclaim inflight entries left by an interrupted cycle
//  2. Drain pending changes to the remote, resolving conflicts inline
//  3. Pull remote pages, applying each before advancing the checkpoint
//  4. Compact the change log
//
// Cancellation is honored between entries and pages, never mid-entry: a
// canceled cycle leaves every unpushed change pending or inflight, and
// inflight entries are reclaimed at the start of the next cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	report := &CycleReport{}

	e.logger.Info("sync cycle starting", slog.String("origin", e.origin))

	reclaimed, err := e.store.ReclaimInFlight(ctx)
	if err != nil {
		return report, fmt.Errorf("engine: reclaiming inflight entries: %w", err)
	}

	report.Reclaimed = reclaimed

	if err := e.pushPhase(ctx, report); err != nil {
		report.Duration = time.Since(start)

		return report, err
	}

	if err := e.pullPhase(ctx, report); err != nil {
		report.Duration = time.Since(start)

		return report, err
	}

	compacted, err := e.store.Compact(ctx)
	if err != nil {
		return report, fmt.Errorf("engine: compacting change log: %w", err)
	}

	report.Compacted = compacted
	report.Duration = time.Since(start)

	e.logger.Info("sync cycle complete",
		slog.Int("pushed", report.Pushed),
		slog.Int("pulled", report.Pulled),
		slog.Int("resolved", report.Resolved),
		slog.Int("deferred", report.Deferred),
		slog.Int("failed", report.Failed),
		slog.Int64("compacted", report.Compacted),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// Subscribe registers for sync events. The returned cancel function must
// be called exactly once. A slow subscriber misses events rather than
// blocking sync.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.hub.subscribe(buffer)
}

func (e *Engine) publish(ev Event) {
	e.hub.publish(ev)
}

// ---------------------------------------------------------------------------
// Push phase
// ---------------------------------------------------------------------------

// pushPhase drains pending change log entries in sequence order.
// Resolutions can re-queue an entry as pending with a new base version, so
// the drain repeats until a pass makes no progress.
func (e *Engine) pushPhase(ctx context.Context, report *CycleReport) error {
	for pass := 0; pass < maxPushPasses; pass++ {
		entries, err := e.store.Pending(ctx)
		if err != nil {
			return fmt.Errorf("engine: listing pending changes: %w", err)
		}

		if len(entries) == 0 {
			return nil
		}

		progress := false

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("engine: push canceled: %w", err)
			}

			advanced, err := e.pushEntry(ctx, entry, report)
			if err != nil {
				return err
			}

			if advanced {
				progress = true
			}
		}

		if !progress {
			return nil
		}
	}

	return nil
}

// pushEntry submits one change log entry. Returns whether the entry
// reached a terminal state this pass (accepted, resolved, or failed);
// entries parked behind an open conflict do not count as progress.
func (e *Engine) pushEntry(ctx context.Context, entry record.ChangeEntry, report *CycleReport) (bool, error) {
	e.store.LockRecord(entry.RecordID)
	defer e.store.UnlockRecord(entry.RecordID)

	held, err := e.store.HasUnresolvedConflict(ctx, entry.RecordID)
	if err != nil {
		return false, fmt.Errorf("engine: checking conflicts for %s: %w", entry.RecordID, err)
	}

	if held {
		report.Skipped++

		return false, nil
	}

	if e.validator != nil && entry.Operation != record.OpDelete {
		if err := e.validator.Validate(entry.RecordID, entry.Payload); err != nil {
			if errors.Is(err, remote.ErrRejected) {
				return true, e.failEntry(ctx, entry, report, err)
			}

			return false, fmt.Errorf("engine: validating %s: %w", entry.RecordID, err)
		}
	}

	local, err := e.store.GetRecord(ctx, entry.RecordID)
	if err != nil {
		return false, fmt.Errorf("engine: loading record %s for push: %w", entry.RecordID, err)
	}

	if err := e.store.Mark(ctx, entry.Sequence, record.StatusInFlight); err != nil {
		return false, fmt.Errorf("engine: marking entry %d inflight: %w", entry.Sequence, err)
	}

	push := record.Record{
		ID:           entry.RecordID,
		Payload:      entry.Payload,
		Version:      local.Version,
		Origin:       e.origin,
		LastModified: local.LastModified,
		Tombstone:    entry.Operation == record.OpDelete,
	}

	outcome, err := e.transport.Push(ctx, push, entry.OriginVersion)
	if err != nil {
		if errors.Is(err, remote.ErrRejected) {
			return true, e.failEntry(ctx, entry, report, err)
		}

		// Transient failure. Park the entry and abort the phase; the
		// scheduler retries the whole cycle with backoff.
		if markErr := e.store.Mark(ctx, entry.Sequence, record.StatusPending); markErr != nil {
			e.logger.Warn("could not park entry after push failure",
				slog.Int64("sequence", entry.Sequence),
				slog.String("error", markErr.Error()),
			)
		}

		return false, fmt.Errorf("engine: pushing %s: %w", entry.RecordID, err)
	}

	if outcome.Accepted {
		err := e.store.ConfirmPush(ctx, entry.Sequence, record.VersionStamp{
			RecordID:     entry.RecordID,
			Version:      outcome.NewVersion,
			Origin:       e.origin,
			LastModified: push.LastModified,
		})
		if err != nil {
			return false, fmt.Errorf("engine: confirming push of %s: %w", entry.RecordID, err)
		}

		report.Pushed++
		e.publish(Event{Kind: EventPushed, RecordID: entry.RecordID})

		return true, nil
	}

	// Version conflict: the remote's current record came back with the
	// rejection.
	conflict := record.Conflict{Local: *local, Remote: *outcome.Remote}
	conflict.Local.Payload = entry.Payload

	if entry.OriginVersion > 0 {
		conflict.AncestorVersion = record.Int64Ptr(entry.OriginVersion)
	}

	return e.settleConflict(ctx, entry.Sequence, conflict, report)
}

// failEntry marks an entry permanently failed after a rejection.
func (e *Engine) failEntry(ctx context.Context, entry record.ChangeEntry, report *CycleReport, cause error) error {
	e.logger.Warn("change permanently rejected",
		slog.Int64("sequence", entry.Sequence),
		slog.String("record_id", entry.RecordID),
		slog.String("error", cause.Error()),
	)

	if err := e.store.MarkFailed(ctx, entry.Sequence, cause.Error()); err != nil {
		return fmt.Errorf("engine: marking entry %d failed: %w", entry.Sequence, err)
	}

	report.Failed++

	return nil
}

// settleConflict runs the resolver and applies its verdict. Returns
// whether the push loop made progress.
func (e *Engine) settleConflict(
	ctx context.Context, sequence int64, conflict record.Conflict, report *CycleReport,
) (bool, error) {
	res, err := e.resolver.Resolve(conflict)
	if err != nil {
		return false, fmt.Errorf("engine: resolving conflict on %s: %w", conflict.Local.ID, err)
	}

	if res.Kind == record.Deferred {
		id, err := e.store.DeferConflict(ctx, sequence, conflict)
		if err != nil {
			return false, fmt.Errorf("engine: deferring conflict on %s: %w", conflict.Local.ID, err)
		}

		report.Deferred++
		e.logger.Info("conflict deferred",
			slog.String("record_id", conflict.Local.ID),
			slog.String("conflict_id", id),
		)
		e.publish(Event{Kind: EventConflictDeferred, RecordID: conflict.Local.ID})

		return false, nil
	}

	outcome, err := e.store.ApplyResolution(ctx, sequence, conflict, res)
	if err != nil {
		return false, fmt.Errorf("engine: applying resolution on %s: %w", conflict.Local.ID, err)
	}

	report.Resolved++
	e.logger.Info("conflict resolved",
		slog.String("record_id", conflict.Local.ID),
		slog.String("kind", string(res.Kind)),
		slog.Bool("repush", outcome.RepushSequence != 0),
	)
	e.publish(Event{Kind: EventConflictResolved, RecordID: conflict.Local.ID, Record: &outcome.Record})

	return true, nil
}

// ---------------------------------------------------------------------------
// Pull phase
// ---------------------------------------------------------------------------

// pullPhase fetches remote pages from the saved checkpoint. Each page is
// fully applied before its cursor is saved, so an interruption re-pulls
// the page instead of skipping it; application is idempotent.
func (e *Engine) pullPhase(ctx context.Context, report *CycleReport) error {
	cursor, err := e.store.GetCheckpoint(ctx, e.remoteName)
	if err != nil {
		return fmt.Errorf("engine: loading checkpoint: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("engine: pull canceled: %w", err)
		}

		page, err := e.transport.Pull(ctx, cursor)
		if err != nil {
			return fmt.Errorf("engine: pulling changes after %q: %w", cursor, err)
		}

		if err := e.applyPage(ctx, page.Records, report); err != nil {
			return err
		}

		if page.Cursor != "" && page.Cursor != cursor {
			if err := e.store.SaveCheckpoint(ctx, e.remoteName, page.Cursor); err != nil {
				return fmt.Errorf("engine: saving checkpoint: %w", err)
			}

			cursor = page.Cursor
		}

		if !page.More {
			return nil
		}
	}
}

// applyPage applies one page of pulled records. Records with no competing
// local change apply concurrently; records with an open local change or a
// held conflict go through the resolver sequentially.
func (e *Engine) applyPage(ctx context.Context, recs []record.Record, report *CycleReport) error {
	var contested []record.Record

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pullWorkers)

	var mu stdsync.Mutex
	applied := 0

	for i := range recs {
		rec := recs[i]

		pending, err := e.store.HasPendingChange(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("engine: checking local changes for %s: %w", rec.ID, err)
		}

		held, err := e.store.HasUnresolvedConflict(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("engine: checking conflicts for %s: %w", rec.ID, err)
		}

		if pending || held {
			contested = append(contested, rec)

			continue
		}

		g.Go(func() error {
			e.store.LockRecord(rec.ID)
			defer e.store.UnlockRecord(rec.ID)

			ok, err := e.store.ApplyRemote(gctx, &rec)
			if err != nil {
				return fmt.Errorf("engine: applying remote %s: %w", rec.ID, err)
			}

			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
				e.publish(Event{Kind: EventRemoteApplied, RecordID: rec.ID, Record: &rec})
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	report.Pulled += applied

	for i := range contested {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("engine: pull canceled: %w", err)
		}

		if err := e.applyContested(ctx, contested[i], report); err != nil {
			return err
		}
	}

	return nil
}

// applyContested handles a pulled record that collides with an open local
// change. The oldest open entry supplies the conflict's ancestor version.
func (e *Engine) applyContested(ctx context.Context, remoteRec record.Record, report *CycleReport) error {
	e.store.LockRecord(remoteRec.ID)
	defer e.store.UnlockRecord(remoteRec.ID)

	stamp, err := e.store.GetStamp(ctx, remoteRec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("engine: reading stamp for %s: %w", remoteRec.ID, err)
	}

	// Page replay after a crash: this remote version was already observed.
	if stamp != nil && stamp.Version >= remoteRec.Version {
		return nil
	}

	local, err := e.store.GetRecord(ctx, remoteRec.ID)
	if err != nil {
		return fmt.Errorf("engine: loading record %s for conflict: %w", remoteRec.ID, err)
	}

	sequence, ancestor, err := e.oldestOpenEntry(ctx, remoteRec.ID)
	if err != nil {
		return err
	}

	conflict := record.Conflict{Local: *local, Remote: remoteRec}
	if ancestor > 0 {
		conflict.AncestorVersion = record.Int64Ptr(ancestor)
	}

	report.Pulled++

	_, err = e.settleConflict(ctx, sequence, conflict, report)

	return err
}

// oldestOpenEntry returns the sequence and base version of the record's
// oldest pending or inflight entry, or zeros when none is open.
func (e *Engine) oldestOpenEntry(ctx context.Context, recordID string) (int64, int64, error) {
	entries, err := e.store.EntriesForRecord(ctx, recordID)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: listing entries for %s: %w", recordID, err)
	}

	for _, entry := range entries {
		if entry.Status == record.StatusPending || entry.Status == record.StatusInFlight {
			return entry.Sequence, entry.OriginVersion, nil
		}
	}

	return 0, 0, nil
}
