package engine

import (
	stdsync "sync"

	"github.com/jpaulsen/localsync-go/internal/store"
)

// State is the scheduler's lifecycle state.
type State string

// Scheduler states.
const (
	StateIdle      State = "idle"      // no cycle running or queued
	StateScheduled State = "scheduled" // a trigger is queued behind the current state
	StateRunning   State = "running"   // a cycle is executing
	StateBackoff   State = "backoff"   // waiting out a failure backoff
)

// Status is a point-in-time snapshot of sync health: the scheduler's
// state plus the store's change log and conflict counts.
type Status struct {
	State               State
	LastSyncAt          int64 // Unix nanoseconds; 0 before the first successful cycle
	LastError           string
	ConsecutiveFailures int
	NextRetryAt         int64 // Unix nanoseconds; 0 unless in backoff

	Changes             store.ChangeCounts
	UnresolvedConflicts int
}

// schedState is the mutable scheduler-side half of Status, guarded by its
// own mutex so Snapshot never contends with a running cycle.
type schedState struct {
	mu          stdsync.Mutex
	state       State
	lastSyncAt  int64
	lastError   string
	failures    int
	nextRetryAt int64
}

func (s *schedState) set(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *schedState) recordSuccess(at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.lastSyncAt = at
	s.lastError = ""
	s.failures = 0
	s.nextRetryAt = 0
}

func (s *schedState) recordFailure(errMsg string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateBackoff
	s.lastError = errMsg
	s.failures++

	return s.failures
}

func (s *schedState) setNextRetry(at int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRetryAt = at
}

func (s *schedState) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:               s.state,
		LastSyncAt:          s.lastSyncAt,
		LastError:           s.lastError,
		ConsecutiveFailures: s.failures,
		NextRetryAt:         s.nextRetryAt,
	}
}
