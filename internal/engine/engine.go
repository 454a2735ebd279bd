// Package engine wires together the components built in the sibling
// packages into the three operations the CLI exposes: status, switch,
// and test-alert (spec.md §6). It owns the lifetime of the SSH pool,
// the per-pair monitor goroutines, and the alerter loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/alert"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/config"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/failover"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/introspect"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/metrics"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/monitor"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/rpcclient"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/sshpool"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/startup"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/switcher"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/uistate"
)

// pairEntry bundles everything the engine needs to drive one configured
// ValidatorPair after startup verification.
type pairEntry struct {
	cfg   config.ValidatorPair
	state *pairstate.Pair
	rpc   *rpcclient.Client
	nodes [2]switcher.NodeHandle
	gate  *failover.Gate
}

// Engine wires config, transport, and the domain packages together.
type Engine struct {
	cfg   *config.Root
	log   *slog.Logger
	clock clockwork.Clock

	pool         *sshpool.Pool
	introspector *introspect.Introspector
	verifier     *startup.Verifier
	mon          *monitor.Monitor
	alerter      *alert.Alerter
	sw           *switcher.Switcher
	ui           *uistate.Store

	mu    sync.RWMutex
	pairs map[string]*pairEntry

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// BuildInfo identifies the running binary for the vswitch_build_info metric.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// New constructs an Engine from a validated configuration and alert
// sink. It performs no I/O until Bootstrap is called.
func New(cfg *config.Root, log *slog.Logger, sink alert.Sink, build BuildInfo) *Engine {
	pool := sshpool.New(log,
		sshpool.WithIdleWindow(config.DefaultSSHIdleWindow),
		sshpool.WithConnectTimeout(config.DefaultSSHConnectTimeout),
	)
	introspector := introspect.New(pool, log)
	verifier := startup.New(introspector, log)
	mon := monitor.New(log, pool,
		monitor.WithVotePollInterval(config.DefaultVotePollInterval),
		monitor.WithNodeProbeInterval(config.DefaultNodeProbeInterval),
		monitor.WithProbeTimeout(config.DefaultCommandTimeout),
	)
	alertCfg := alert.Config{
		DelinquencyThreshold: cfg.AlertConfig.ResolvedDelinquencyThreshold(),
		SSHFailureThreshold:  cfg.AlertConfig.ResolvedSSHFailureThreshold(),
		RPCFailureThreshold:  cfg.AlertConfig.ResolvedRPCFailureThreshold(),
		HighCooldown:         config.DefaultHighSeverityCooldown,
		LowCooldown:          config.DefaultLowSeverityCooldown,
	}
	alerter := alert.New(log, sink, alertCfg, nil)
	sw := switcher.New(pool, log,
		switcher.WithCatchupTimeout(config.DefaultCatchupTimeout),
		switcher.WithStepTimeout(config.DefaultCommandTimeout),
	)

	metrics.BuildInfo.WithLabelValues(build.Version, build.Commit, build.Date).Set(1)

	return &Engine{
		cfg:          cfg,
		log:          log,
		clock:        clockwork.NewRealClock(),
		pool:         pool,
		introspector: introspector,
		verifier:     verifier,
		mon:          mon,
		alerter:      alerter,
		sw:           sw,
		ui:           uistate.New(),
		pairs:        make(map[string]*pairEntry),
	}
}

func sshTargetOf(node config.NodeConfig) sshpool.Target {
	return sshpool.Target{
		Host:           node.Host,
		Port:           node.ResolvedPort(),
		User:           node.User,
		SSHKeyPath:     node.ResolvedSSHKeyPath(),
		KnownHostsPath: node.ResolvedKnownHostsPath(),
	}
}

// Bootstrap runs startup verification across every configured pair,
// then starts the monitor and alerter background loops. It must be
// called exactly once, before Status/Switch/TestAlert.
func (e *Engine) Bootstrap(ctx context.Context) error {
	rpcClients := make(map[string]*rpcclient.Client, len(e.cfg.Validators))
	for _, pair := range e.cfg.Validators {
		if _, ok := rpcClients[pair.RPC]; !ok {
			rpcClients[pair.RPC] = rpcclient.New(pair.RPC, config.DefaultRPCCallTimeout)
		}
	}

	results, err := e.verifier.VerifyAll(ctx, e.cfg.Validators, rpcClients, e.cfg.AlertConfig.AutoFailoverEnabled)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, res := range results {
		label := res.Pair.Snapshot().PairLabel
		var nodes [2]switcher.NodeHandle
		data := res.Pair.Snapshot()
		for i, node := range res.Config.Nodes {
			nodes[i] = switcher.NodeHandle{
				SSH:     sshTargetOf(node),
				Runtime: data.NodeRuntimes[i],
				Label:   node.Label,
			}
		}
		gate := failover.New(e.log, e.sw, e.alerter,
			failover.WithArmed(e.cfg.AlertConfig.AutoFailoverEnabled),
			failover.WithDelinquencyThreshold(e.cfg.AlertConfig.ResolvedDelinquencyThreshold()),
		)
		e.pairs[label] = &pairEntry{
			cfg:   res.Config,
			state: res.Pair,
			rpc:   rpcClients[res.Config.RPC],
			nodes: nodes,
			gate:  gate,
		}
	}
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.runMetricsServer(runCtx)
	}()

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.alerter.Run(runCtx, e.mon.Snapshots())
	}()

	e.mu.RLock()
	defer e.mu.RUnlock()
	for label, entry := range e.pairs {
		entry := entry
		label := label
		votePubkey, err := solana.PublicKeyFromBase58(entry.cfg.VotePubkey)
		if err != nil {
			return fmt.Errorf("pair %s: invalid votePubkey: %w", label, err)
		}
		identityPubkey, err := solana.PublicKeyFromBase58(entry.cfg.IdentityPubkey)
		if err != nil {
			return fmt.Errorf("pair %s: invalid identityPubkey: %w", label, err)
		}
		mp := monitor.Pair{
			Label:          label,
			IdentityPubkey: identityPubkey.String(),
			VotePubkey:     votePubkey,
			State:          entry.state,
			RPC:            entry.rpc,
			Nodes: [2]monitor.NodeTarget{
				{SSH: entry.nodes[0].SSH, Label: entry.nodes[0].Label},
				{SSH: entry.nodes[1].SSH, Label: entry.nodes[1].Label},
			},
			Suppressed: func() bool { return e.sw.InProgress(label) },
		}
		e.runWG.Add(1)
		go func() {
			defer e.runWG.Done()
			e.mon.Run(runCtx, mp)
		}()
	}

	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.watchAutoFailover(runCtx)
	}()

	e.publishInitialSnapshot()
	return nil
}

// watchAutoFailover evaluates every pair's failover gate on its own
// ticker (one ticker for all pairs, at the vote-poll interval) and
// triggers an automatic switch when a gate fires. It does not read the
// monitor's snapshot channel, which has the alerter as its single
// consumer; each evaluation builds a Snapshot from the live PairState
// and trackers instead, so a slow alerter send never delays it.
func (e *Engine) watchAutoFailover(ctx context.Context) {
	ticker := e.clock.NewTicker(config.DefaultVotePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.evaluateAutoFailoverOnce(ctx)
		}
	}
}

func (e *Engine) evaluateAutoFailoverOnce(ctx context.Context) {
	e.mu.RLock()
	entries := make([]*pairEntry, 0, len(e.pairs))
	for _, entry := range e.pairs {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	for _, entry := range entries {
		data := entry.state.Snapshot()
		sshTracker := entry.state.SSHTrackers[data.ActiveIndex].Snapshot()
		rpcTracker := entry.state.RPCTracker.Snapshot()
		snap := monitor.Snapshot{
			PairLabel:      data.PairLabel,
			IdentityPubkey: data.IdentityPubkey.String(),
			SSHOK:          sshTracker.Healthy(),
			RPCOK:          rpcTracker.Healthy(),
			VoteAge:        now.Sub(data.LastVoteObservedAt),
			Suppressed:     e.sw.InProgress(data.PairLabel),
			ObservedAt:     now,
		}
		decision := entry.gate.Evaluate(snap)
		if !decision.Fired {
			continue
		}
		if _, err := entry.gate.Trigger(ctx, data.PairLabel, entry.state, entry.nodes); err != nil {
			e.log.Error("engine: automatic failover attempt failed", "pair", data.PairLabel, "error", err)
		}
	}
}

// runMetricsServer serves /metrics until ctx is cancelled, in the style
// of controlplane/internet-latency-collector/internal/collector.Run.
// Bind failures are logged, not fatal: metrics are an observability
// surface, not a correctness dependency.
func (e *Engine) runMetricsServer(ctx context.Context) {
	addr := e.cfg.ResolvedMetricsAddr()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	e.log.Info("engine: starting metrics server", "address", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.log.Error("engine: metrics server failed", "error", err)
	}
}

func (e *Engine) publishInitialSnapshot() {
	e.ui.Update(func(s *uistate.Snapshot) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		for label, entry := range e.pairs {
			s.Pairs[label] = entry.state.Snapshot()
		}
		s.ActiveView = uistate.ViewStatus
	})
}

// Shutdown cancels the background monitor/alerter goroutines and waits
// for them to return, then closes the SSH pool.
func (e *Engine) Shutdown() {
	if e.runCancel != nil {
		e.runCancel()
	}
	e.runWG.Wait()
	e.pool.Close()
}

// Status returns the current UI snapshot, refreshed from live PairState.
func (e *Engine) Status(ctx context.Context) (uistate.Snapshot, error) {
	e.publishInitialSnapshot()
	return e.ui.Load(), nil
}

// Switch drives a manual switchover for one configured pair.
func (e *Engine) Switch(ctx context.Context, pairLabel string, dryRun bool) (*switcher.Report, error) {
	e.mu.RLock()
	entry, ok := e.pairs[pairLabel]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown pair %q", pairLabel)
	}

	data := entry.state.Snapshot()
	plan := switcher.Plan{
		FromIndex:            data.ActiveIndex,
		ToIndex:              data.StandbyIndex(),
		DryRun:               dryRun,
		IncludeOptionalSteps: false,
	}

	report, err := e.sw.Execute(ctx, switcher.Target{
		PairLabel: pairLabel,
		Nodes:     entry.nodes,
		Pair:      entry.state,
		Plan:      plan,
	})
	if err != nil {
		return nil, err
	}

	e.ui.Update(func(s *uistate.Snapshot) {
		s.Pairs[pairLabel] = entry.state.Snapshot()
		s.ActiveView = uistate.ViewStatus
		if dryRun {
			s.ActiveView = uistate.ViewDryRunSwitch
		}
		s.LastReport = toReportView(report)
	})

	if !dryRun {
		e.alerter.SendSwitchResult(ctx, data.IdentityPubkey.String(), fmt.Sprintf("manual switch for %s: %s in %s", pairLabel, report.Classification, report.Total))
	}

	if report.Classification == switcher.ClassificationFailed {
		return report, &SwitchAbortedError{Report: report}
	}
	return report, nil
}

func toReportView(r *switcher.Report) *uistate.SwitchReportView {
	steps := make([]uistate.StepView, 0, len(r.Steps))
	for _, st := range r.Steps {
		errMsg := ""
		if st.Err != nil {
			errMsg = st.Err.Error()
		}
		steps = append(steps, uistate.StepView{
			Name:       st.Name,
			DurationMS: st.Duration.Milliseconds(),
			Status:     string(st.Status),
			Error:      errMsg,
		})
	}
	return &uistate.SwitchReportView{
		PairLabel:      r.PairLabel,
		Classification: string(r.Classification),
		TotalMS:        r.Total.Milliseconds(),
		Steps:          steps,
	}
}

// TestAlert sends a synthetic message through the configured sink.
func (e *Engine) TestAlert(ctx context.Context) error {
	return e.alerter.TestAlert(ctx)
}

// Pairs returns the labels of every pair this engine is driving, for
// CLI flag validation and help text.
func (e *Engine) Pairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	labels := make([]string, 0, len(e.pairs))
	for label := range e.pairs {
		labels = append(labels, label)
	}
	return labels
}
