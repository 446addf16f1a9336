package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"testing"

	"github.com/jpaulsen/localsync-go/internal/record"
	"github.com/jpaulsen/localsync-go/internal/remote"
	"github.com/jpaulsen/localsync-go/internal/resolve"
	"github.com/jpaulsen/localsync-go/internal/store"
)

// testLogger returns a debug-level logger that writes to t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// pushCall records one Push invocation seen by the fake transport.
type pushCall struct {
	Record      record.Record
	BaseVersion int64
}

// fakeTransport is a scriptable Transport. pushFn and pullFn decide the
// outcome per call; the defaults accept every push and return one empty
// final page.
type fakeTransport struct {
	mu     stdsync.Mutex
	pushes []pushCall
	pulls  []string

	nextVersion int64

	pushFn func(call pushCall) (*remote.PushOutcome, error)
	pullFn func(cursor string) (*remote.PullPage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Push(_ context.Context, rec record.Record, baseVersion int64) (*remote.PushOutcome, error) {
	f.mu.Lock()
	call := pushCall{Record: rec, BaseVersion: baseVersion}
	f.pushes = append(f.pushes, call)
	fn := f.pushFn
	f.mu.Unlock()

	if fn != nil {
		return fn(call)
	}

	f.mu.Lock()
	f.nextVersion++
	v := f.nextVersion
	f.mu.Unlock()

	return &remote.PushOutcome{Accepted: true, NewVersion: v}, nil
}

func (f *fakeTransport) Pull(_ context.Context, cursor string) (*remote.PullPage, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, cursor)
	fn := f.pullFn
	f.mu.Unlock()

	if fn != nil {
		return fn(cursor)
	}

	return &remote.PullPage{Cursor: cursor, More: false}, nil
}

func (f *fakeTransport) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pushes)
}

// testHarness bundles a store, fake transport, and engine for one test.
type testHarness struct {
	store     *store.Store
	transport *fakeTransport
	engine    *Engine
}

func newTestHarness(t *testing.T, policies map[string]resolve.Policy) *testHarness {
	t.Helper()

	logger := testLogger(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})

	transport := newFakeTransport()

	eng, err := NewEngine(&Config{
		Store:     st,
		Transport: transport,
		Resolver:  resolve.NewResolver(policies, resolve.PolicyLastWriteWins),
		Origin:    "replica-a",
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	return &testHarness{store: st, transport: transport, engine: eng}
}

// put writes a record through the store the way a session would.
func (h *testHarness) put(t *testing.T, id string, payload []byte) *store.LocalMutation {
	t.Helper()

	h.store.LockRecord(id)
	defer h.store.UnlockRecord(id)

	op := record.OpUpdate
	if _, err := h.store.GetStamp(context.Background(), id); errors.Is(err, store.ErrNotFound) {
		op = record.OpCreate
	}

	m, err := h.store.ApplyLocalMutation(context.Background(), op, id, payload, "replica-a")
	if err != nil {
		t.Fatalf("ApplyLocalMutation(%s): %v", id, err)
	}

	return m
}

func TestRunCycle_PushesPendingChanges(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/a", []byte(`{"title":"one"}`))
	h.put(t, "notes/b", []byte(`{"title":"two"}`))

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", report.Pushed)
	}

	if h.transport.pushCount() != 2 {
		t.Errorf("transport saw %d pushes, want 2", h.transport.pushCount())
	}

	// First push of a fresh record carries base version 0.
	if got := h.transport.pushes[0].BaseVersion; got != 0 {
		t.Errorf("first push base version = %d, want 0", got)
	}

	counts, err := h.store.CountChanges(ctx)
	if err != nil {
		t.Fatalf("CountChanges: %v", err)
	}

	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Errorf("open entries after cycle: %+v", counts)
	}
}

func TestRunCycle_PushOrderFollowsSequence(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	for i := 0; i < 5; i++ {
		h.put(t, fmt.Sprintf("notes/n%d", i), []byte(`{}`))
	}

	if _, err := h.engine.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	for i, call := range h.transport.pushes {
		want := fmt.Sprintf("notes/n%d", i)
		if call.Record.ID != want {
			t.Errorf("push %d = %s, want %s", i, call.Record.ID, want)
		}
	}
}

func TestRunCycle_ConflictRemoteWinsLastWrite(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/doc", []byte(`"A"`))

	local, err := h.store.GetRecord(ctx, "notes/doc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	// Remote edited the same record later than the local write.
	h.transport.pushFn = func(_ pushCall) (*remote.PushOutcome, error) {
		return &remote.PushOutcome{Remote: &record.Record{
			ID:           "notes/doc",
			Payload:      []byte(`"B"`),
			Version:      local.Version + 1,
			Origin:       "replica-b",
			LastModified: local.LastModified + 1000,
		}}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Resolved != 1 {
		t.Errorf("Resolved = %d, want 1", report.Resolved)
	}

	got, err := h.store.GetRecord(ctx, "notes/doc")
	if err != nil {
		t.Fatalf("GetRecord after cycle: %v", err)
	}

	if string(got.Payload) != `"B"` {
		t.Errorf("payload = %s, want \"B\"", got.Payload)
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Errorf("open entries after remote-wins resolution: %+v", counts)
	}
}

func TestRunCycle_ConflictLocalWinsRepushesSameCycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/doc", []byte(`"A"`))

	local, err := h.store.GetRecord(ctx, "notes/doc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	remoteVersion := local.Version + 1

	h.transport.pushFn = func(call pushCall) (*remote.PushOutcome, error) {
		// First attempt conflicts with an older remote edit. The re-push
		// arrives based on the remote version and is accepted.
		if call.BaseVersion < remoteVersion {
			return &remote.PushOutcome{Remote: &record.Record{
				ID:           "notes/doc",
				Payload:      []byte(`"B"`),
				Version:      remoteVersion,
				Origin:       "replica-b",
				LastModified: local.LastModified - 1000,
			}}, nil
		}

		return &remote.PushOutcome{Accepted: true, NewVersion: call.BaseVersion + 1}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Resolved != 1 {
		t.Errorf("Resolved = %d, want 1", report.Resolved)
	}

	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1 (the re-push)", report.Pushed)
	}

	got, err := h.store.GetRecord(ctx, "notes/doc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if string(got.Payload) != `"A"` {
		t.Errorf("payload = %s, want \"A\"", got.Payload)
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Errorf("open entries after local-wins resolution: %+v", counts)
	}
}

func TestRunCycle_DeferredConflictParksEntry(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, map[string]resolve.Policy{"docs": resolve.PolicyDeferred})
	ctx := context.Background()

	h.put(t, "docs/report", []byte(`"local"`))

	h.transport.pushFn = func(_ pushCall) (*remote.PushOutcome, error) {
		return &remote.PushOutcome{Remote: &record.Record{
			ID:           "docs/report",
			Payload:      []byte(`"remote"`),
			Version:      5,
			Origin:       "replica-b",
			LastModified: record.NowNano(),
		}}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1", report.Deferred)
	}

	// Local state untouched while the conflict is open.
	got, err := h.store.GetRecord(ctx, "docs/report")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if string(got.Payload) != `"local"` {
		t.Errorf("payload = %s, local side must not change while deferred", got.Payload)
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Pending != 1 {
		t.Errorf("Pending = %d, want 1 (entry parked)", counts.Pending)
	}

	// A second cycle skips the parked entry instead of re-pushing it.
	before := h.transport.pushCount()

	report, err = h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	if h.transport.pushCount() != before {
		t.Error("parked entry was pushed while its conflict is open")
	}

	if report.Skipped == 0 {
		t.Error("expected parked entry to be counted as skipped")
	}
}

func TestRunCycle_DeferredThenKeepLocalRepushes(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, map[string]resolve.Policy{"docs": resolve.PolicyDeferred})
	ctx := context.Background()

	h.put(t, "docs/report", []byte(`"local"`))

	h.transport.pushFn = func(call pushCall) (*remote.PushOutcome, error) {
		if call.BaseVersion < 5 {
			return &remote.PushOutcome{Remote: &record.Record{
				ID:           "docs/report",
				Payload:      []byte(`"remote"`),
				Version:      5,
				Origin:       "replica-b",
				LastModified: record.NowNano(),
			}}, nil
		}

		return &remote.PushOutcome{Accepted: true, NewVersion: call.BaseVersion + 1}, nil
	}

	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	conflicts, err := h.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts: %v", err)
	}

	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}

	h.store.LockRecord("docs/report")
	_, err = h.store.ResolveHeldConflict(ctx, conflicts[0].ID, true)
	h.store.UnlockRecord("docs/report")

	if err != nil {
		t.Fatalf("ResolveHeldConflict: %v", err)
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle after resolution: %v", err)
	}

	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1 (re-based entry)", report.Pushed)
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Pending != 0 || counts.InFlight != 0 {
		t.Errorf("open entries after keep-local repush: %+v", counts)
	}
}

func TestRunCycle_RejectedEntryMarkedFailed(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/bad", []byte(`"oversized"`))
	h.put(t, "notes/good", []byte(`"fine"`))

	h.transport.pushFn = func(call pushCall) (*remote.PushOutcome, error) {
		if call.Record.ID == "notes/bad" {
			return nil, &remote.TransportError{StatusCode: 422, Message: "too large", Err: remote.ErrRejected}
		}

		return &remote.PushOutcome{Accepted: true, NewVersion: call.BaseVersion + 1}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}

	// The rejection does not block later entries.
	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", report.Pushed)
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Failed != 1 {
		t.Errorf("Failed count = %d, want 1", counts.Failed)
	}
}

func TestRunCycle_TransientErrorLeavesEntryPending(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/a", []byte(`"x"`))

	h.transport.pushFn = func(_ pushCall) (*remote.PushOutcome, error) {
		return nil, fmt.Errorf("push: %w", remote.ErrUnavailable)
	}

	if _, err := h.engine.RunCycle(ctx); err == nil {
		t.Fatal("expected cycle to fail on transient push error")
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Pending != 1 {
		t.Errorf("Pending = %d, want 1 (entry survives transient failure)", counts.Pending)
	}

	// Recovery: the remote comes back and the entry drains normally.
	h.transport.pushFn = nil

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("recovery cycle: %v", err)
	}

	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", report.Pushed)
	}
}

func TestRunCycle_CancellationLosesNoChanges(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)

	for i := 0; i < 4; i++ {
		h.put(t, fmt.Sprintf("notes/n%d", i), []byte(`{}`))
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after the second push completes. The cycle stops at the next
	// entry boundary.
	h.transport.pushFn = func(call pushCall) (*remote.PushOutcome, error) {
		if h.transport.pushCount() == 2 {
			cancel()
		}

		h.transport.mu.Lock()
		h.transport.nextVersion++
		v := h.transport.nextVersion
		h.transport.mu.Unlock()

		return &remote.PushOutcome{Accepted: true, NewVersion: v}, nil
	}

	if _, err := h.engine.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle = %v, want context.Canceled", err)
	}

	counts, _ := h.store.CountChanges(context.Background())
	total := counts.Pending + counts.InFlight + counts.Applied

	if total != 4 {
		t.Fatalf("entries lost on cancellation: %+v", counts)
	}

	// A fresh cycle reclaims inflight entries and drains the remainder.
	h.transport.pushFn = nil
	remaining := counts.Pending + counts.InFlight

	report, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle after cancel: %v", err)
	}

	if report.Pushed != remaining {
		t.Errorf("Pushed = %d, want remaining %d", report.Pushed, remaining)
	}

	counts, _ = h.store.CountChanges(context.Background())
	if counts.Pending != 0 || counts.InFlight != 0 || counts.Failed != 0 {
		t.Errorf("open entries after recovery: %+v", counts)
	}
}

func TestRunCycle_PullAppliesPagesAndCheckpoints(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	pages := map[string]*remote.PullPage{
		"": {
			Records: []record.Record{
				{ID: "notes/a", Payload: []byte(`"a1"`), Version: 3, Origin: "replica-b", LastModified: 100},
				{ID: "notes/b", Payload: []byte(`"b1"`), Version: 1, Origin: "replica-b", LastModified: 200},
			},
			Cursor: "c1",
			More:   true,
		},
		"c1": {
			Records: []record.Record{
				{ID: "notes/c", Version: 2, Origin: "replica-b", LastModified: 300, Tombstone: true},
			},
			Cursor: "c2",
			More:   false,
		},
	}

	h.transport.pullFn = func(cursor string) (*remote.PullPage, error) {
		page, ok := pages[cursor]
		if !ok {
			return &remote.PullPage{Cursor: cursor}, nil
		}

		return page, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Pulled != 3 {
		t.Errorf("Pulled = %d, want 3", report.Pulled)
	}

	cursor, err := h.store.GetCheckpoint(ctx, "default")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}

	if cursor != "c2" {
		t.Errorf("checkpoint = %s, want c2", cursor)
	}

	rec, err := h.store.GetRecord(ctx, "notes/a")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if string(rec.Payload) != `"a1"` || rec.Version != 3 {
		t.Errorf("notes/a = %+v", rec)
	}

	tomb, err := h.store.GetRecord(ctx, "notes/c")
	if err != nil {
		t.Fatalf("GetRecord tombstone: %v", err)
	}

	if !tomb.Tombstone {
		t.Error("pulled deletion should be a tombstone")
	}

	// Replaying the same pages is a no-op.
	report, err = h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("replay RunCycle: %v", err)
	}

	if report.Pulled != 0 {
		t.Errorf("replay Pulled = %d, want 0", report.Pulled)
	}
}

func TestRunCycle_PullRefreshesHeldConflict(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, map[string]resolve.Policy{"docs": resolve.PolicyDeferred})
	ctx := context.Background()

	h.put(t, "docs/doc", []byte(`"local"`))

	h.transport.pushFn = func(_ pushCall) (*remote.PushOutcome, error) {
		return &remote.PushOutcome{Remote: &record.Record{
			ID:           "docs/doc",
			Payload:      []byte(`"remote v5"`),
			Version:      5,
			Origin:       "replica-b",
			LastModified: record.NowNano(),
		}}, nil
	}

	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// While the conflict is held, the remote moves again. The pull routes
	// the newer remote state through the conflict path instead of
	// overwriting the local record.
	h.transport.pullFn = func(cursor string) (*remote.PullPage, error) {
		if cursor != "" {
			return &remote.PullPage{Cursor: cursor}, nil
		}

		return &remote.PullPage{
			Records: []record.Record{{
				ID:           "docs/doc",
				Payload:      []byte(`"remote v6"`),
				Version:      6,
				Origin:       "replica-b",
				LastModified: record.NowNano(),
			}},
			Cursor: "c1",
		}, nil
	}

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	if report.Deferred != 1 {
		t.Errorf("Deferred = %d, want 1 (held conflict refreshed)", report.Deferred)
	}

	got, err := h.store.GetRecord(ctx, "docs/doc")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}

	if string(got.Payload) != `"local"` {
		t.Errorf("payload = %s, local side must hold while deferred", got.Payload)
	}

	conflicts, err := h.store.ListUnresolvedConflicts(ctx)
	if err != nil {
		t.Fatalf("ListUnresolvedConflicts: %v", err)
	}

	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1 (refreshed, not duplicated)", len(conflicts))
	}

	if conflicts[0].Remote.Version != 6 {
		t.Errorf("held remote version = %d, want 6", conflicts[0].Remote.Version)
	}
}

func TestRunCycle_CompactsAppliedEntries(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, nil)
	ctx := context.Background()

	h.put(t, "notes/a", []byte(`"1"`))
	h.put(t, "notes/a", []byte(`"2"`))

	report, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if report.Compacted == 0 {
		t.Error("expected applied entries to be compacted")
	}

	counts, _ := h.store.CountChanges(ctx)
	if counts.Applied != 0 {
		t.Errorf("Applied = %d after compaction, want 0", counts.Applied)
	}
}
