package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jpaulsen/localsync-go/internal/record"
	"github.com/jpaulsen/localsync-go/internal/store"
)

// Session is the application-facing surface: foreground reads and writes,
// sync triggering, status, and deferred conflict resolution. Writes are
// durable locally before Put or Delete returns; synchronization happens in
// the background.
type Session struct {
	store  *store.Store
	engine *Engine
	sched  *Scheduler
	origin string
	logger *slog.Logger
}

// NewSession assembles a Session. sched may be nil for one-shot use where
// no background scheduler is running; TriggerSync is then a no-op.
func NewSession(st *store.Store, eng *Engine, sched *Scheduler, origin string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		store:  st,
		engine: eng,
		sched:  sched,
		origin: origin,
		logger: logger,
	}
}

// Put writes a record locally and queues it for sync. The operation is
// recorded as a create when the record has never been versioned, otherwise
// as an update. Returns the change log sequence and new version.
func (s *Session) Put(ctx context.Context, id string, payload []byte) (*store.LocalMutation, error) {
	id, err := record.NormalizeID(id)
	if err != nil {
		return nil, err
	}

	s.store.LockRecord(id)
	defer s.store.UnlockRecord(id)

	op := record.OpUpdate

	if _, err := s.store.GetStamp(ctx, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		op = record.OpCreate
	}

	mut, err := s.store.ApplyLocalMutation(ctx, op, id, payload, s.origin)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("local write",
		slog.String("record_id", id),
		slog.String("op", string(op)),
		slog.Int64("sequence", mut.Sequence),
		slog.Int64("version", mut.NewVersion),
	)

	s.engine.publish(Event{Kind: EventLocalWrite, RecordID: id})
	s.TriggerSync()

	return mut, nil
}

// Delete tombstones a record locally and queues the deletion for sync.
// Deleting a record that does not exist returns store.ErrNotFound.
func (s *Session) Delete(ctx context.Context, id string) (*store.LocalMutation, error) {
	id, err := record.NormalizeID(id)
	if err != nil {
		return nil, err
	}

	s.store.LockRecord(id)
	defer s.store.UnlockRecord(id)

	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Tombstone {
		return nil, fmt.Errorf("engine: record %s: %w", id, store.ErrNotFound)
	}

	mut, err := s.store.ApplyLocalMutation(ctx, record.OpDelete, id, nil, s.origin)
	if err != nil {
		return nil, err
	}

	s.engine.publish(Event{Kind: EventLocalWrite, RecordID: id})
	s.TriggerSync()

	return mut, nil
}

// Get reads a record. Tombstoned records read as not found.
func (s *Session) Get(ctx context.Context, id string) (*record.Record, error) {
	id, err := record.NormalizeID(id)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.Tombstone {
		return nil, fmt.Errorf("engine: record %s: %w", id, store.ErrNotFound)
	}

	return rec, nil
}

// List returns live records whose IDs start with prefix. An empty prefix
// lists everything.
func (s *Session) List(ctx context.Context, prefix string) ([]*record.Record, error) {
	return s.store.ListRecords(ctx, prefix)
}

// Subscribe registers for sync and write events. The cancel function must
// be called exactly once.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	return s.engine.Subscribe(buffer)
}

// TriggerSync requests a background sync cycle. Coalesces with any
// already-queued cycle; no-op without a scheduler.
func (s *Session) TriggerSync() {
	if s.sched != nil {
		s.sched.Trigger()
	}
}

// SyncNow runs one synchronous sync cycle, bypassing the scheduler queue.
func (s *Session) SyncNow(ctx context.Context) (*CycleReport, error) {
	if s.sched != nil {
		return s.sched.RunOnce(ctx)
	}

	return s.engine.RunCycle(ctx)
}

// Status reports scheduler state plus change log and conflict counts.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	var st Status
	if s.sched != nil {
		st = s.sched.Snapshot()
	} else {
		st.State = StateIdle
	}

	counts, err := s.store.CountChanges(ctx)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.store.CountUnresolvedConflicts(ctx)
	if err != nil {
		return nil, err
	}

	st.Changes = counts
	st.UnresolvedConflicts = conflicts

	return &st, nil
}

// Conflicts lists conflicts held for external resolution.
func (s *Session) Conflicts(ctx context.Context) ([]*store.HeldConflict, error) {
	return s.store.ListUnresolvedConflicts(ctx)
}

// ResolveDeferred settles a held conflict with the application's decision
// and queues a sync cycle to reconcile the outcome.
func (s *Session) ResolveDeferred(ctx context.Context, conflictID string, keepLocal bool) (*record.Record, error) {
	hc, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	s.store.LockRecord(hc.RecordID)
	defer s.store.UnlockRecord(hc.RecordID)

	rec, err := s.store.ResolveHeldConflict(ctx, conflictID, keepLocal)
	if err != nil {
		return nil, err
	}

	s.logger.Info("deferred conflict resolved",
		slog.String("conflict_id", conflictID),
		slog.String("record_id", hc.RecordID),
		slog.Bool("keep_local", keepLocal),
	)

	s.engine.publish(Event{Kind: EventConflictResolved, RecordID: hc.RecordID, Record: rec})
	s.TriggerSync()

	return rec, nil
}
