// Package pairstate holds the per-ValidatorPair runtime state shared
// between the monitor, the switch orchestrator, and the UI snapshot,
// guarded by a single reader-preferring exclusive-write lock per pair
// (spec.md §5). There is deliberately no lock-free structure here: the
// update rate is sub-Hz and the correctness invariants (notably vote
// timestamp preservation) are easier to review under a plain mutex.
package pairstate

import (
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/introspect"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/tracker"
)

var (
	errNoActiveNode    = errors.New("pairstate: no node is active (neither identity equals the funded identity)")
	errBothActiveNodes = errors.New("pairstate: both nodes are active (both identities equal the funded identity)")
)

// Data is the plain-old-data snapshot guarded by Pair's mutex. It is
// never mutated in place by callers outside this package.
type Data struct {
	PairLabel          string
	VotePubkey         solana.PublicKey
	IdentityPubkey     solana.PublicKey
	NodeRuntimes       [2]*introspect.Runtime
	ActiveIndex        int
	LastVoteSlot       uint64
	LastVoteObservedAt time.Time
	SSHOK              [2]bool
	RPCOK              bool
	Revision           uint64
}

// Pair owns the mutable state for one ValidatorPair. All reads acquire
// a read lock; all mutations acquire the write lock and are held for at
// most the duration of a struct copy (no blocking I/O under the lock,
// per spec.md §5).
type Pair struct {
	mu   sync.RWMutex
	data Data

	SSHTrackers [2]*tracker.Tracker
	RPCTracker  *tracker.Tracker
}

// New constructs a Pair seeded with the nodes' initial runtimes and
// derived active index, per spec.md §4.4.
func New(label string, votePubkey, identityPubkey solana.PublicKey, runtimes [2]*introspect.Runtime) (*Pair, error) {
	activeIdx, err := activeIndex(runtimes)
	if err != nil {
		return nil, err
	}
	return &Pair{
		data: Data{
			PairLabel:      label,
			VotePubkey:     votePubkey,
			IdentityPubkey: identityPubkey,
			NodeRuntimes:   runtimes,
			ActiveIndex:    activeIdx,
			SSHOK:          [2]bool{true, true},
		},
		SSHTrackers: [2]*tracker.Tracker{tracker.New(), tracker.New()},
		RPCTracker:  tracker.New(),
	}, nil
}

// activeIndex derives which node is active from funded-identity equality
// (spec.md §3 PairState invariant), erroring if zero or two nodes match.
func activeIndex(runtimes [2]*introspect.Runtime) (int, error) {
	activeCount := 0
	idx := -1
	for i, rt := range runtimes {
		if rt.IsFunded() {
			activeCount++
			idx = i
		}
	}
	switch activeCount {
	case 0:
		return 0, errNoActiveNode
	case 1:
		return idx, nil
	default:
		return 0, errBothActiveNodes
	}
}

// Snapshot returns a copy of the current data under a read lock. The
// NodeRuntimes pointers are deep-copied, not just the array of
// pointers: without this, a caller dereferencing NodeRuntimes[i] after
// the lock is released would race against a concurrent ApplySwitch
// mutating the same *introspect.Runtime the pairstate owns internally.
func (p *Pair) Snapshot() Data {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d := p.data
	for i, rt := range p.data.NodeRuntimes {
		if rt != nil {
			cp := *rt
			d.NodeRuntimes[i] = &cp
		}
	}
	return d
}

// UpdateVoteObservation applies one RPC vote-account observation. Per
// spec.md §4.6 and the property in §8.1: the observed-at timestamp only
// advances on a strictly higher slot, and is never cleared by a failed
// or stale observation — callers simply don't call this on failure.
func (p *Pair) UpdateVoteObservation(slot uint64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot > p.data.LastVoteSlot {
		p.data.LastVoteSlot = slot
		p.data.LastVoteObservedAt = now
	}
	p.data.Revision++
}

// SetRPCOK records the latest RPC health observation.
func (p *Pair) SetRPCOK(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.RPCOK = ok
	p.data.Revision++
}

// SetSSHOK records the latest SSH health observation for node index i.
func (p *Pair) SetSSHOK(i int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data.SSHOK[i] = ok
	p.data.Revision++
}

// ApplySwitch flips ActiveIndex and updates both nodes' current identity
// pubkeys after a successful switch (spec.md §4.8): the newly active
// node's current identity becomes fundedIdentity, and the newly standby
// node's becomes unfundedIdentity.
func (p *Pair) ApplySwitch(newActiveIndex int, fundedIdentity, unfundedIdentity solana.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	newStandbyIndex := 1 - newActiveIndex
	p.data.ActiveIndex = newActiveIndex
	if rt := p.data.NodeRuntimes[newActiveIndex]; rt != nil {
		rt.CurrentIdentityPubkey = fundedIdentity
	}
	if rt := p.data.NodeRuntimes[newStandbyIndex]; rt != nil {
		rt.CurrentIdentityPubkey = unfundedIdentity
	}
	p.data.Revision++
}

// StandbyIndex returns the index of the node that is not currently active.
func (d Data) StandbyIndex() int {
	if d.ActiveIndex == 0 {
		return 1
	}
	return 0
}
