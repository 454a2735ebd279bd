// Package alert implements the three-signal delinquency rule and alert
// cooldowns described in spec.md §4.7. The cooldown table is a
// mutex-guarded map whose entries are compared against the cooldown at
// send time and overwritten on each send; it is never swept. Style of
// lake/slack/internal/slack.Processor.respondedMessages.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/metrics"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/monitor"
)

// Kind identifies the category of an outbound alert.
type Kind string

const (
	KindDelinquency    Kind = "delinquency"
	KindSSHDown        Kind = "ssh_down"
	KindRPCDown        Kind = "rpc_down"
	KindCatchupFailure Kind = "catchup_failure"
	KindSwitchResult   Kind = "switch_result"
)

// Severity gates the cooldown window applied to an alert.
type Severity string

const (
	SeverityHigh          Severity = "high"
	SeverityLow           Severity = "low"
	SeverityInformational Severity = "informational"
)

func (k Kind) Severity() Severity {
	switch k {
	case KindDelinquency:
		return SeverityHigh
	case KindSSHDown, KindRPCDown, KindCatchupFailure:
		return SeverityLow
	case KindSwitchResult:
		return SeverityInformational
	default:
		return SeverityLow
	}
}

// Message is the structured record delivered to a Sink.
type Message struct {
	Kind           Kind
	Severity       Severity
	IdentityPubkey string
	NodeLabel      string // empty for pair-scoped alerts
	Payload        string
	At             time.Time
}

// Sink is the abstract outbound alert transport (spec.md §6). Telegram
// and Slack implementations live in internal/telemetrysink.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type cooldownKey struct {
	kind           Kind
	identityPubkey string
	nodeLabel      string
}

// Config bundles the alerter's tunable thresholds.
type Config struct {
	DelinquencyThreshold time.Duration
	SSHFailureThreshold  time.Duration
	RPCFailureThreshold  time.Duration
	HighCooldown         time.Duration
	LowCooldown          time.Duration
}

// DefaultConfig mirrors spec.md §6's default thresholds.
func DefaultConfig() Config {
	return Config{
		DelinquencyThreshold: 30 * time.Second,
		SSHFailureThreshold:  30 * time.Minute,
		RPCFailureThreshold:  30 * time.Minute,
		HighCooldown:         15 * time.Minute,
		LowCooldown:          30 * time.Minute,
	}
}

// Alerter consumes monitor snapshots, applies the three-signal rule and
// infrastructure thresholds, and forwards eligible messages to sink.
type Alerter struct {
	log   *slog.Logger
	sink  Sink
	clock clockwork.Clock
	cfg   Config

	mu         sync.Mutex
	lastSentAt map[cooldownKey]time.Time
}

// New constructs an Alerter. clock defaults to the real clock if nil.
func New(log *slog.Logger, sink Sink, cfg Config, clock clockwork.Clock) *Alerter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Alerter{
		log:        log,
		sink:       sink,
		clock:      clock,
		cfg:        cfg,
		lastSentAt: make(map[cooldownKey]time.Time),
	}
}

// Run drains snapshots until the channel closes or ctx is cancelled.
func (a *Alerter) Run(ctx context.Context, snapshots <-chan monitor.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			a.handle(ctx, snap)
		}
	}
}

func (a *Alerter) handle(ctx context.Context, snap monitor.Snapshot) {
	if snap.Suppressed {
		// A switch is in progress for this pair: spec.md §5 requires the
		// monitor keep observing but the alerter not act on it.
		return
	}

	now := a.clock.Now()

	// Infrastructure alerts trigger purely on continuous-failure
	// duration (carried by the monitor from the FailureTrackers),
	// independent of the delinquency rule (spec.md §4.7).
	if !snap.SSHOK && snap.SSHFailureFor >= a.cfg.SSHFailureThreshold {
		a.maybeSend(ctx, Message{
			Kind:           KindSSHDown,
			Severity:       SeverityLow,
			IdentityPubkey: snap.IdentityPubkey,
			Payload:        fmt.Sprintf("SSH to active node of %s has been failing for %s", snap.PairLabel, snap.SSHFailureFor),
			At:             now,
		})
	}

	if !snap.RPCOK && snap.RPCFailureFor >= a.cfg.RPCFailureThreshold {
		a.maybeSend(ctx, Message{
			Kind:           KindRPCDown,
			Severity:       SeverityLow,
			IdentityPubkey: snap.IdentityPubkey,
			Payload:        fmt.Sprintf("RPC for %s has been failing for %s", snap.PairLabel, snap.RPCFailureFor),
			At:             now,
		})
	}

	// The three-signal delinquency rule (spec.md §4.7): all three must
	// hold, or no Delinquency alert fires — an SSH or RPC incident is
	// never allowed to masquerade as validator delinquency.
	if snap.SSHOK && snap.RPCOK && snap.VoteAge >= a.cfg.DelinquencyThreshold {
		a.maybeSend(ctx, Message{
			Kind:           KindDelinquency,
			Severity:       SeverityHigh,
			IdentityPubkey: snap.IdentityPubkey,
			Payload:        fmt.Sprintf("%s has not voted in %s", snap.PairLabel, snap.VoteAge),
			At:             now,
		})
	}
}

// maybeSend enforces the cooldown and forwards the message to the sink
// if eligible. Recovery never emits a separate "cleared" alert
// (spec.md §4.7); the monitor resets the relevant tracker on success.
func (a *Alerter) maybeSend(ctx context.Context, msg Message) {
	key := cooldownKey{kind: msg.Kind, identityPubkey: msg.IdentityPubkey, nodeLabel: msg.NodeLabel}
	cooldown := a.cfg.LowCooldown
	if msg.Severity == SeverityHigh {
		cooldown = a.cfg.HighCooldown
	}

	a.mu.Lock()
	last, ok := a.lastSentAt[key]
	eligible := !ok || msg.At.Sub(last) >= cooldown
	if eligible {
		a.lastSentAt[key] = msg.At
	}
	a.mu.Unlock()

	if !eligible {
		return
	}

	if err := a.sink.Send(ctx, msg); err != nil {
		a.log.Error("alert: failed to send", "kind", msg.Kind, "error", err)
		return
	}
	metrics.AlertsSentTotal.WithLabelValues(string(msg.Kind), string(msg.Severity)).Inc()
}

// SendSwitchResult forwards a post-switch SwitchResult alert, bypassing
// the cooldown table (informational severity, always delivered) since
// it directly reports the outcome of an action the operator or the
// auto-failover gate just took.
func (a *Alerter) SendSwitchResult(ctx context.Context, identityPubkey, payload string) {
	if err := a.sink.Send(ctx, Message{
		Kind:           KindSwitchResult,
		Severity:       SeverityInformational,
		IdentityPubkey: identityPubkey,
		Payload:        payload,
		At:             a.clock.Now(),
	}); err != nil {
		a.log.Error("alert: failed to send switch result", "error", err)
		return
	}
	metrics.AlertsSentTotal.WithLabelValues(string(KindSwitchResult), string(SeverityInformational)).Inc()
}

// TestAlert sends a synthetic message to verify the sink is reachable,
// used by the `test-alert` CLI entry point (spec.md §6).
func (a *Alerter) TestAlert(ctx context.Context) error {
	return a.sink.Send(ctx, Message{
		Kind:     KindSwitchResult,
		Severity: SeverityInformational,
		Payload:  "test alert from vswitch",
		At:       a.clock.Now(),
	})
}
