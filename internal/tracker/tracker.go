// Package tracker implements the per-signal consecutive-failure
// accounting used by the monitor and alerter: SSH health per node, RPC
// health per pair. The rule is strictly continuous — a single success
// resets the tracker completely, and there is no count-based trigger,
// only durations (spec.md §4.5).
package tracker

import (
	"sync"
	"time"
)

// Tracker is safe for concurrent use; the monitor's vote poller and
// node prober may update distinct trackers concurrently, and the
// alerter reads snapshots from another goroutine.
type Tracker struct {
	mu                  sync.Mutex
	consecutiveFailures uint32
	firstFailureAt      time.Time
	lastError           string
}

// New constructs a Tracker with no recorded failures.
func New() *Tracker {
	return &Tracker{}
}

// RecordSuccess resets consecutive failures, first-failure time, and
// the last error — in full, per spec.md §3.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.firstFailureAt = time.Time{}
	t.lastError = ""
}

// RecordFailure increments the consecutive-failure count and, only if
// this is the start of a new streak, stamps firstFailureAt with now.
func (t *Tracker) RecordFailure(err error, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures++
	if t.firstFailureAt.IsZero() {
		t.firstFailureAt = now
	}
	if err != nil {
		t.lastError = err.Error()
	}
}

// Snapshot is an immutable view of a Tracker's state at one instant.
type Snapshot struct {
	ConsecutiveFailures uint32
	FirstFailureAt      time.Time
	LastError           string
}

// Snapshot returns the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ConsecutiveFailures: t.consecutiveFailures,
		FirstFailureAt:      t.firstFailureAt,
		LastError:           t.lastError,
	}
}

// Healthy reports whether the tracker currently shows zero consecutive failures.
func (s Snapshot) Healthy() bool {
	return s.ConsecutiveFailures == 0
}

// DurationSinceFirstFailure returns how long the current failure streak
// has been running, or zero if there is no active streak.
func (s Snapshot) DurationSinceFirstFailure(now time.Time) time.Duration {
	if s.FirstFailureAt.IsZero() {
		return 0
	}
	return now.Sub(s.FirstFailureAt)
}
