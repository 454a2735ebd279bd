// Package monitor runs the periodic per-pair vote poller and node
// health prober described in spec.md §4.6, feeding failure trackers,
// PairState, and the alerter. Grounded on the ticker-driven runner loop
// of telemetry/global-monitor/internal/gm.Runner, generalized from one
// ticker to two independent tickers per pair.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/metrics"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/rpcclient"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/sshpool"
)

// Snapshot is what one tick of either sub-task publishes to the
// alerter. It carries enough PairState to evaluate the three-signal
// rule without the alerter touching the lock itself.
type Snapshot struct {
	PairLabel         string
	IdentityPubkey    string
	SSHOK             bool // SSH health of the currently active node
	RPCOK             bool
	SSHFailureFor      time.Duration // duration of the active node's current SSH failure streak, zero if healthy
	RPCFailureFor      time.Duration // duration of the pair's current RPC failure streak, zero if healthy
	VoteAge           time.Duration
	Suppressed        bool // true while a switch latch is held (spec.md §5)
	ObservedAt        time.Time
}

// NodeTarget bundles what the prober needs to reach one node over SSH.
type NodeTarget struct {
	SSH   sshpool.Target
	Label string
}

// Pair bundles one ValidatorPair's monitoring inputs.
type Pair struct {
	Label          string
	IdentityPubkey string
	VotePubkey     solana.PublicKey
	State          *pairstate.Pair
	RPC            *rpcclient.Client
	Nodes          [2]NodeTarget
	// Suppressed reports whether a switch is currently in progress
	// (spec.md §5): when true, snapshots are still produced and PairState
	// still updated, but the alerter should not act on them.
	Suppressed func() bool
}

// Monitor drives the vote poller and node prober for a fixed set of pairs.
type Monitor struct {
	log   *slog.Logger
	pool  *sshpool.Pool
	clock clockwork.Clock

	votePollInterval  time.Duration
	nodeProbeInterval time.Duration
	probeTimeout      time.Duration

	snapshots chan Snapshot
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithClock(c clockwork.Clock) Option { return func(m *Monitor) { m.clock = c } }
func WithVotePollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.votePollInterval = d }
}
func WithNodeProbeInterval(d time.Duration) Option {
	return func(m *Monitor) { m.nodeProbeInterval = d }
}
func WithProbeTimeout(d time.Duration) Option { return func(m *Monitor) { m.probeTimeout = d } }

// New constructs a Monitor. Snapshots() must be drained by a consumer
// (the alerter), or the channel backing it will fill: it is bounded at
// 4096 rather than unbounded, a deliberate deviation from spec.md §5 to
// give a wedged consumer a bounded memory footprint instead of letting
// it grow without limit; overflow drops the snapshot just produced and
// logs an error rather than blocking the poll loop.
func New(log *slog.Logger, pool *sshpool.Pool, opts ...Option) *Monitor {
	m := &Monitor{
		log:               log,
		pool:              pool,
		clock:             clockwork.NewRealClock(),
		votePollInterval:  5 * time.Second,
		nodeProbeInterval: 10 * time.Second,
		probeTimeout:      5 * time.Second,
		snapshots:         make(chan Snapshot, 4096),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshots returns the channel the alerter should range over.
func (m *Monitor) Snapshots() <-chan Snapshot {
	return m.snapshots
}

// Run starts the vote poller and node prober for one pair and blocks
// until ctx is cancelled. Call it in its own goroutine per pair.
func (m *Monitor) Run(ctx context.Context, p Pair) {
	voteTicker := m.clock.NewTicker(m.votePollInterval)
	defer voteTicker.Stop()
	nodeTicker := m.clock.NewTicker(m.nodeProbeInterval)
	defer nodeTicker.Stop()

	m.pollVote(ctx, p)
	m.probeNodes(ctx, p)
	m.publish(p)

	for {
		select {
		case <-ctx.Done():
			return
		case <-voteTicker.Chan():
			m.pollVote(ctx, p)
		case <-nodeTicker.Chan():
			m.probeNodes(ctx, p)
		}
		m.publish(p)
	}
}

// pollVote implements spec.md §4.6's vote poller: on success, advance
// the stored slot only if strictly greater; never clear the observed-at
// timestamp on failure or a stale/equal response (property §8.1).
func (m *Monitor) pollVote(ctx context.Context, p Pair) {
	va, err := p.RPC.GetVoteAccount(ctx, p.VotePubkey)
	if err != nil {
		p.State.RPCTracker.RecordFailure(err, m.clock.Now())
		p.State.SetRPCOK(false)
		metrics.RPCProbeFailuresTotal.WithLabelValues(p.Label).Inc()
		m.log.Warn("monitor: vote account lookup failed", "pair", p.Label, "error", err)
		return
	}
	p.State.RPCTracker.RecordSuccess()
	p.State.SetRPCOK(true)
	if va == nil {
		m.log.Warn("monitor: vote account not found", "pair", p.Label, "votePubkey", p.VotePubkey)
		return
	}
	p.State.UpdateVoteObservation(va.LastVoteSlot, m.clock.Now())
}

// probeNodes implements spec.md §4.6's node health prober: one
// lightweight SSH command per node, updating ssh_ok and the node's
// FailureTracker.
func (m *Monitor) probeNodes(ctx context.Context, p Pair) {
	for i, node := range p.Nodes {
		_, err := m.pool.Execute(ctx, node.SSH, "true", m.probeTimeout)
		if err != nil {
			p.State.SSHTrackers[i].RecordFailure(err, m.clock.Now())
			p.State.SetSSHOK(i, false)
			metrics.SSHProbeFailuresTotal.WithLabelValues(p.Label, node.Label).Inc()
			m.log.Warn("monitor: ssh probe failed", "pair", p.Label, "node", node.Label, "error", err)
			continue
		}
		p.State.SSHTrackers[i].RecordSuccess()
		p.State.SetSSHOK(i, true)
	}
}

func (m *Monitor) publish(p Pair) {
	data := p.State.Snapshot()
	activeSSHTracker := p.State.SSHTrackers[data.ActiveIndex].Snapshot()
	rpcTracker := p.State.RPCTracker.Snapshot()

	now := m.clock.Now()
	snap := Snapshot{
		PairLabel:     p.Label,
		IdentityPubkey: p.IdentityPubkey,
		SSHOK:         activeSSHTracker.Healthy(),
		RPCOK:         rpcTracker.Healthy(),
		SSHFailureFor: activeSSHTracker.DurationSinceFirstFailure(now),
		RPCFailureFor: rpcTracker.DurationSinceFirstFailure(now),
		VoteAge:       m.clock.Since(data.LastVoteObservedAt),
		Suppressed:    p.Suppressed != nil && p.Suppressed(),
		ObservedAt:    now,
	}
	metrics.PairActiveIndex.WithLabelValues(p.Label).Set(float64(data.ActiveIndex))
	metrics.VoteAgeSeconds.WithLabelValues(p.Label).Set(snap.VoteAge.Seconds())
	select {
	case m.snapshots <- snap:
	default:
		m.log.Error("monitor: snapshot channel full, dropping snapshot", "pair", p.Label)
	}
}
