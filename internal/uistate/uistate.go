// Package uistate is the minimal contract the external dashboard reads
// from and the monitor/orchestrator write to (spec.md §4.10). It is
// specified only to this contract; rendering lives outside this
// repository's scope.
package uistate

import (
	"sync"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
)

// View selects what the dashboard is currently showing.
type View string

const (
	ViewStatus        View = "status"
	ViewDryRunSwitch  View = "dry_run_switch"
)

// Snapshot is an immutable value; readers never need to deep-clone it.
type Snapshot struct {
	Pairs        map[string]pairstate.Data
	LastReport   *SwitchReportView
	ActiveView   View
	Revision     uint64
}

// SwitchReportView is the subset of a switch report the dashboard renders.
type SwitchReportView struct {
	PairLabel    string
	Classification string
	TotalMS      int64
	Steps        []StepView
}

// StepView is one rendered step outcome.
type StepView struct {
	Name       string
	DurationMS int64
	Status     string
	Error      string
}

// Store holds the single current Snapshot behind a read-preferring lock.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New constructs an empty Store showing the status view.
func New() *Store {
	return &Store{snap: Snapshot{Pairs: make(map[string]pairstate.Data), ActiveView: ViewStatus}}
}

// Load returns the current snapshot. The returned value shares its map
// with the store; callers must treat it as read-only (spec.md §4.10:
// "no deep cloning is required for readers").
func (s *Store) Load() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Update holds the exclusive lock briefly while fn mutates a working
// copy, then swaps it in and bumps the revision counter.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snap
	next.Pairs = copyPairs(s.snap.Pairs)
	fn(&next)
	next.Revision++
	s.snap = next
}

func copyPairs(in map[string]pairstate.Data) map[string]pairstate.Data {
	out := make(map[string]pairstate.Data, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
