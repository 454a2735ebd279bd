// Package failover implements the arming predicate and automatic
// invocation of a switch when a pair's active node is confirmed
// delinquent, per spec.md §4.9. It never runs the switch protocol
// itself — that is internal/switcher's job — it only decides whether to
// call it and forwards the resulting report as an alert.
package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/alert"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/metrics"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/monitor"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/switcher"
)

// Gate watches a single pair's monitor snapshots and, when armed,
// triggers an automatic switch on sustained delinquency.
type Gate struct {
	log      *slog.Logger
	switcher *switcher.Switcher
	alerter  *alert.Alerter

	armed                bool
	delinquencyThreshold time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithArmed sets whether this gate is permitted to act. It is computed
// once at startup from config.AutoFailoverEnabled AND the startup
// safety verdict (spec.md §4.4, §4.9): a pair that failed its startup
// safety check is never auto-failover eligible, full stop.
func WithArmed(armed bool) Option { return func(g *Gate) { g.armed = armed } }

// WithDelinquencyThreshold overrides the vote-age threshold used to
// decide delinquency; it must match the alerter's threshold for a pair
// so the automatic switch and the Delinquency alert fire together.
func WithDelinquencyThreshold(d time.Duration) Option {
	return func(g *Gate) { g.delinquencyThreshold = d }
}

func New(log *slog.Logger, sw *switcher.Switcher, alerter *alert.Alerter, opts ...Option) *Gate {
	g := &Gate{
		log:                  log,
		switcher:             sw,
		alerter:              alerter,
		delinquencyThreshold: alert.DefaultConfig().DelinquencyThreshold,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decision records why a snapshot did or did not arm a switch attempt,
// useful for tests and for the status view's recent-decisions log.
type Decision struct {
	Fired  bool
	Reason string
}

// Evaluate applies the arming predicate of spec.md §4.9 to one
// snapshot: auto-failover must be enabled, and the three-signal
// delinquency rule must hold — SSH healthy AND RPC healthy AND vote age
// at or past the threshold. Either health signal being down makes the
// delinquency signal itself untrustworthy, so neither can be dropped
// from the predicate (spec.md §4.7, §4.9; mirrors internal/alert's
// handle).
func (g *Gate) Evaluate(snap monitor.Snapshot) Decision {
	if !g.armed {
		return Decision{Reason: "auto-failover not armed for this pair"}
	}
	if snap.Suppressed {
		return Decision{Reason: "switch already in progress"}
	}
	if !snap.SSHOK {
		return Decision{Reason: "ssh unhealthy: delinquency signal not trustworthy"}
	}
	if !snap.RPCOK {
		return Decision{Reason: "rpc unhealthy: delinquency signal not trustworthy"}
	}
	if snap.VoteAge < g.delinquencyThreshold {
		return Decision{Reason: "vote age below delinquency threshold"}
	}
	return Decision{Fired: true, Reason: "delinquency confirmed with healthy ssh and rpc"}
}

// Trigger builds the SwitchPlan for an automatic failover and invokes
// the switcher. include_optional_steps is always true (spec.md §4.9):
// the previously-active node is presumed unreachable, so its demotion
// step and the tower transfer are both treated as best-effort.
func (g *Gate) Trigger(ctx context.Context, pairLabel string, state *pairstate.Pair, nodes [2]switcher.NodeHandle) (*switcher.Report, error) {
	data := state.Snapshot()
	plan := switcher.Plan{
		FromIndex:            data.ActiveIndex,
		ToIndex:              data.StandbyIndex(),
		DryRun:               false,
		IncludeOptionalSteps: true,
	}

	g.log.Warn("failover: triggering automatic switch", "pair", pairLabel, "from", plan.FromIndex, "to", plan.ToIndex)
	metrics.AutoFailoverTriggeredTotal.WithLabelValues(pairLabel).Inc()

	report, err := g.switcher.Execute(ctx, switcher.Target{
		PairLabel: pairLabel,
		Nodes:     nodes,
		Pair:      state,
		Plan:      plan,
	})
	if err != nil {
		return nil, fmt.Errorf("failover: switch execution: %w", err)
	}

	g.alerter.SendSwitchResult(ctx, data.IdentityPubkey.String(), summarize(pairLabel, report))
	return report, nil
}

func summarize(pairLabel string, report *switcher.Report) string {
	msg := fmt.Sprintf("automatic failover for %s: %s in %s", pairLabel, report.Classification, report.Total)
	for _, step := range report.Steps {
		if step.Status == switcher.StepFailed {
			msg += fmt.Sprintf("; step %s failed: %s", step.Name, step.Err)
		}
	}
	return msg
}
