package engine

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jpaulsen/localsync-go/internal/record"
)

// Scheduler backoff tuning. Backoff starts at the base after the first
// failed cycle and doubles per consecutive failure up to the cap, with
// ±25% jitter so replicas sharing a failed remote do not retry in step.
const (
	schedBaseBackoff    = 2 * time.Second
	schedMaxBackoff     = 5 * time.Minute
	schedJitterFraction = 0.25
)

// cycleRunner is the interface the Scheduler drives. Implemented by
// *Engine; tests inject stubs.
type cycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// Scheduler decides when sync cycles run. Exactly one cycle executes at a
// time: triggers raised while a cycle is running coalesce into at most one
// queued follow-up cycle. Failed cycles retry with exponential backoff;
// any successful cycle resets the backoff.
type Scheduler struct {
	engine   cycleRunner
	interval time.Duration // periodic cycle interval; 0 disables the ticker
	logger   *slog.Logger

	// trigger has capacity 1. A send while full is dropped, which is what
	// coalesces bursts of triggers into a single queued cycle.
	trigger chan struct{}

	state *schedState

	// Injectable for tests.
	nowFunc   func() int64
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a Scheduler driving the given runner. interval is
// the periodic cycle cadence; zero runs cycles only on explicit triggers.
func NewScheduler(engine cycleRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		engine:    engine,
		interval:  interval,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
		state:     &schedState{state: StateIdle},
		nowFunc:   record.NowNano,
		sleepFunc: sleepContext,
	}
}

// Trigger requests a sync cycle. Never blocks: if a cycle is already
// queued the request coalesces with it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
		s.state.mu.Lock()
		if s.state.state == StateIdle {
			s.state.state = StateScheduled
		}
		s.state.mu.Unlock()
	default:
	}
}

// Snapshot returns the scheduler's half of the sync status.
func (s *Scheduler) Snapshot() Status {
	return s.state.snapshot()
}

// Run executes cycles until ctx is canceled. It always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time

	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		case <-s.trigger:
		}

		s.runCycle(ctx)
	}
}

// RunOnce executes a single cycle outside the Run loop, with the same
// status bookkeeping but no backoff sleep.
func (s *Scheduler) RunOnce(ctx context.Context) (*CycleReport, error) {
	s.state.set(StateRunning)

	report, err := s.engine.RunCycle(ctx)
	if err != nil {
		s.state.recordFailure(err.Error())
		s.state.set(StateIdle)

		return report, err
	}

	s.state.recordSuccess(s.nowFunc())

	return report, nil
}

// runCycle executes one cycle and handles failure backoff. The backoff
// sleep happens inline: triggers raised during it buffer in the trigger
// channel and run immediately after.
func (s *Scheduler) runCycle(ctx context.Context) {
	s.state.set(StateRunning)

	report, err := s.engine.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.state.set(StateIdle)

			return
		}

		failures := s.state.recordFailure(err.Error())
		backoff := s.calcBackoff(failures)
		s.state.setNextRetry(s.nowFunc() + backoff.Nanoseconds())

		s.logger.Warn("sync cycle failed",
			slog.Int("consecutive_failures", failures),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if s.sleepFunc(ctx, backoff) != nil {
			s.state.set(StateIdle)

			return
		}

		s.state.set(StateIdle)
		s.state.setNextRetry(0)
		s.Trigger()

		return
	}

	s.state.recordSuccess(s.nowFunc())

	if report.Deferred > 0 {
		s.logger.Info("cycle left conflicts awaiting resolution",
			slog.Int("deferred", report.Deferred),
		)
	}
}

func (s *Scheduler) calcBackoff(failures int) time.Duration {
	backoff := float64(schedBaseBackoff) * math.Pow(2, float64(failures-1))
	if backoff > float64(schedMaxBackoff) {
		backoff = float64(schedMaxBackoff)
	}

	backoff += backoff * schedJitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter only

	return time.Duration(backoff)
}

// sleepContext waits for d or until ctx is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
