package engine

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"
)

// stubRunner is a scriptable cycleRunner that can block mid-cycle.
type stubRunner struct {
	mu      stdsync.Mutex
	cycles  int
	started chan struct{} // receives one send per cycle start
	release chan struct{} // each cycle blocks until a receive
	err     error
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (r *stubRunner) RunCycle(ctx context.Context) (*CycleReport, error) {
	r.mu.Lock()
	r.cycles++
	r.mu.Unlock()

	r.started <- struct{}{}

	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return &CycleReport{}, r.err
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cycles
}

func TestSchedulerCoalescesTriggers(t *testing.T) {
	t.Parallel()

	runner := newStubRunner()
	s := NewScheduler(runner, 0, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	s.Trigger()
	<-runner.started

	// Three triggers while the cycle is running coalesce into exactly one
	// follow-up cycle.
	s.Trigger()
	s.Trigger()
	s.Trigger()

	runner.release <- struct{}{}
	<-runner.started
	runner.release <- struct{}{}

	// No third cycle starts.
	select {
	case <-runner.started:
		t.Error("coalesced triggers produced an extra cycle")
	case <-time.After(100 * time.Millisecond):
	}

	if got := runner.count(); got != 2 {
		t.Errorf("cycles = %d, want 2", got)
	}

	cancel()
	<-done
}

func TestSchedulerRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	runner := newStubRunner()
	runner.err = errors.New("remote down")

	s := NewScheduler(runner, 0, testLogger(t))

	var slept []time.Duration
	var mu stdsync.Mutex

	s.sleepFunc = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()

		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	s.Trigger()

	// Failure, backoff, automatic retry, failure again.
	<-runner.started
	runner.release <- struct{}{}
	<-runner.started

	snap := s.Snapshot()
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", snap.ConsecutiveFailures)
	}

	if snap.LastError == "" {
		t.Error("LastError should be set after a failed cycle")
	}

	// Let the retry succeed; backoff resets.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	runner.release <- struct{}{}

	waitFor(t, func() bool {
		st := s.Snapshot()

		return st.State == StateIdle && st.ConsecutiveFailures == 0
	})

	mu.Lock()
	defer mu.Unlock()

	if len(slept) != 1 {
		t.Fatalf("backoff sleeps = %d, want 1", len(slept))
	}

	if slept[0] <= 0 || slept[0] > 2*schedBaseBackoff {
		t.Errorf("first backoff = %v, want within jitter of %v", slept[0], schedBaseBackoff)
	}
}

func TestSchedulerBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	s := NewScheduler(newStubRunner(), 0, testLogger(t))

	prev := time.Duration(0)

	for failures := 1; failures <= 12; failures++ {
		d := s.calcBackoff(failures)

		if d <= 0 {
			t.Fatalf("backoff(%d) = %v, must be positive", failures, d)
		}

		ceiling := time.Duration(float64(schedMaxBackoff) * (1 + schedJitterFraction))
		if d > ceiling {
			t.Errorf("backoff(%d) = %v exceeds cap %v", failures, d, ceiling)
		}

		if failures <= 6 && d < prev/4 {
			t.Errorf("backoff(%d) = %v collapsed from %v", failures, d, prev)
		}

		prev = d
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s := NewScheduler(newStubRunner(), 0, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestSchedulerTriggerNeverBlocks(t *testing.T) {
	t.Parallel()

	s := NewScheduler(newStubRunner(), 0, testLogger(t))

	// No Run loop is draining the channel; repeated triggers must still
	// return immediately.
	for i := 0; i < 100; i++ {
		s.Trigger()
	}

	if st := s.Snapshot(); st.State != StateScheduled {
		t.Errorf("state = %s, want scheduled", st.State)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}
