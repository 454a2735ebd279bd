// Package switcher drives the ordered switchover protocol of spec.md
// §4.8 across two hosts, producing a per-step timing report with
// required/optional classification. The latch in this package is what
// spec.md §5 calls the "exclusive switch latch on the pair": a
// size-1 semaphore per pair so a concurrent attempt gets a typed error
// immediately rather than blocking.
package switcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/introspect"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/metrics"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/pairstate"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/sshpool"
	"github.com/huiskylabs/solana-validator-switch-sub000/internal/variant"
)

// StepStatus classifies one step's outcome.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepOutcome is one entry of a SwitchReport.
type StepOutcome struct {
	Name     string
	Required bool
	Duration time.Duration
	Status   StepStatus
	Err      error
}

// Classification is the overall result of a switch attempt.
type Classification string

const (
	ClassificationOk      Classification = "ok"
	ClassificationPartial Classification = "partial"
	ClassificationFailed  Classification = "failed"
)

// Report is the ordered record of a switch attempt.
type Report struct {
	PairLabel      string
	Steps          []StepOutcome
	Total          time.Duration
	Classification Classification
}

// ErrSwitchInProgress is returned when a switch is requested for a pair
// that already has one in flight (spec.md §5, §9).
var ErrSwitchInProgress = errors.New("switcher: a switch is already in progress for this pair")

// Plan describes one switch request (spec.md §3 SwitchPlan).
type Plan struct {
	FromIndex            int
	ToIndex               int
	DryRun                bool
	IncludeOptionalSteps bool
}

// NodeHandle bundles everything the orchestrator needs for one node.
type NodeHandle struct {
	SSH     sshpool.Target
	Runtime *introspect.Runtime
	Label   string
}

// Target is the full set of inputs for one switch attempt.
type Target struct {
	PairLabel string
	Nodes     [2]NodeHandle
	Pair      *pairstate.Pair
	Plan      Plan
}

// Switcher executes switch attempts, serialized per pair by label.
type Switcher struct {
	pool  *sshpool.Pool
	log   *slog.Logger
	clock clockwork.Clock

	catchupTimeout time.Duration
	stepTimeout    time.Duration

	mu      sync.Mutex
	latches map[string]chan struct{}
}

// Option configures a Switcher.
type Option func(*Switcher)

func WithClock(c clockwork.Clock) Option         { return func(s *Switcher) { s.clock = c } }
func WithCatchupTimeout(d time.Duration) Option  { return func(s *Switcher) { s.catchupTimeout = d } }
func WithStepTimeout(d time.Duration) Option     { return func(s *Switcher) { s.stepTimeout = d } }

func New(pool *sshpool.Pool, log *slog.Logger, opts ...Option) *Switcher {
	s := &Switcher{
		pool:           pool,
		log:            log,
		clock:          clockwork.NewRealClock(),
		catchupTimeout: 2 * time.Minute,
		stepTimeout:    30 * time.Second,
		latches:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Switcher) acquire(label string) (chan struct{}, bool) {
	s.mu.Lock()
	ch, ok := s.latches[label]
	if !ok {
		ch = make(chan struct{}, 1)
		s.latches[label] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return ch, true
	default:
		return nil, false
	}
}

func (s *Switcher) release(ch chan struct{}) {
	<-ch
}

// InProgress reports whether a switch is currently latched for label,
// used by the monitor to suppress alerter feeding (spec.md §5).
func (s *Switcher) InProgress(label string) bool {
	s.mu.Lock()
	ch, ok := s.latches[label]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return len(ch) > 0
}

// Execute runs the switch protocol of spec.md §4.8 for t. Steps are
// strictly sequential. ctx cancellation is honored only between step 1
// and step 2: once step 2 has run, the attempt always proceeds to step 4,
// and step 4 itself ignores cancellation.
func (s *Switcher) Execute(ctx context.Context, t Target) (*Report, error) {
	latch, ok := s.acquire(t.PairLabel)
	if !ok {
		return nil, ErrSwitchInProgress
	}
	defer s.release(latch)

	report := &Report{PairLabel: t.PairLabel}
	start := s.clock.Now()

	active := t.Nodes[t.Plan.FromIndex]
	standby := t.Nodes[t.Plan.ToIndex]

	// Step 1: tower source discovery (required, local decision).
	var towerB64, towerPath string
	report.Steps = append(report.Steps, s.runStep("tower-discovery", true, t.Plan.DryRun, func() error {
		path, payload, err := s.discoverTower(ctx, active)
		towerPath, towerB64 = path, payload
		return err
	}))
	if last(report.Steps).Status == StepFailed {
		return s.finish(report, start), nil
	}
	s.log.Info("switcher: discovered tower file", "pair", t.PairLabel, "path", towerPath)
	if ctxDone(ctx) {
		return s.finish(report, start), ctx.Err()
	}

	// Step 2: active -> unfunded. Optional when auto-failover drives the
	// switch (plan.IncludeOptionalSteps is set precisely then): the
	// previously-active node may be the one that's unreachable, and a
	// failed demotion there must not block promoting the standby
	// (spec.md §4.8, §4.9). Required for an operator-initiated switch.
	step2Required := !t.Plan.IncludeOptionalSteps
	report.Steps = append(report.Steps, s.runStep("active-to-unfunded", step2Required, t.Plan.DryRun, func() error {
		return s.setIdentity(ctx, active, variant.Unfunded)
	}))
	demotionSucceeded := last(report.Steps).Status == StepSuccess
	if step2Required && last(report.Steps).Status == StepFailed {
		return s.finish(report, start), nil
	}

	// Step 3: tower transfer (optional).
	report.Steps = append(report.Steps, s.runStep("tower-transfer", false, t.Plan.DryRun, func() error {
		return s.transferTower(ctx, standby, towerPath, towerB64)
	}))

	// Step 4: standby -> funded (required, always). This step and
	// everything synchronous with it is the uninterruptible section:
	// spec.md §5 forbids cancelling between steps 2 and 4 initiation.
	report.Steps = append(report.Steps, s.runStep("standby-to-funded", true, t.Plan.DryRun, func() error {
		return s.setIdentity(context.WithoutCancel(ctx), standby, variant.Funded)
	}))
	if last(report.Steps).Status == StepFailed {
		return s.finish(report, start), nil
	}

	// Switch succeeded as far as step 4 is concerned: flip state now,
	// regardless of what post-switch verification finds. The demoted
	// node's recorded identity only moves to Unfunded if that set-identity
	// call actually succeeded — when it was optional and failed (the
	// unreachable-active-node case auto-failover exists for), it keeps
	// whatever identity it last observed, since we have no evidence it
	// changed.
	if !t.Plan.DryRun {
		demotedIdentity := active.Runtime.UnfundedIdentityPubkey
		if !demotionSucceeded {
			demotedIdentity = active.Runtime.CurrentIdentityPubkey
		}
		t.Pair.ApplySwitch(t.Plan.ToIndex, standby.Runtime.FundedIdentityPubkey, demotedIdentity)
	}

	// Step 5: post-switch verification (required for the report, not
	// for success — catchup being slow never downgrades the outcome).
	report.Steps = append(report.Steps, s.runStep(stepCatchupVerification, false, t.Plan.DryRun, func() error {
		return s.verifyCatchup(ctx, standby)
	}))

	return s.finish(report, start), nil
}

func last(steps []StepOutcome) StepOutcome {
	return steps[len(steps)-1]
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// runStep times fn, classifying the outcome as Success/Failed/Skipped.
// In dry-run mode fn is never invoked; the step is recorded Skipped.
func (s *Switcher) runStep(name string, required bool, dryRun bool, fn func() error) StepOutcome {
	if dryRun {
		return StepOutcome{Name: name, Required: required, Status: StepSkipped}
	}
	started := s.clock.Now()
	err := fn()
	dur := s.clock.Since(started)
	if err != nil {
		s.log.Warn("switcher: step failed", "step", name, "required", required, "error", err)
		return StepOutcome{Name: name, Required: required, Duration: dur, Status: StepFailed, Err: err}
	}
	return StepOutcome{Name: name, Required: required, Duration: dur, Status: StepSuccess}
}

func (s *Switcher) finish(report *Report, start time.Time) *Report {
	report.Total = s.clock.Since(start)
	report.Classification = classify(report.Steps)
	metrics.SwitchesTotal.WithLabelValues(report.PairLabel, string(report.Classification)).Inc()
	metrics.SwitchDurationSeconds.WithLabelValues(report.PairLabel).Observe(report.Total.Seconds())
	return report
}

// stepCatchupVerification names step 5, whose failure is recorded in the
// report but never affects its classification.
const stepCatchupVerification = "catchup-verification"

// classify implements spec.md §4.8's classification rule: any failed
// required step fails the whole attempt; a failed optional step other
// than catchup verification downgrades an otherwise-successful attempt
// to partial.
func classify(steps []StepOutcome) Classification {
	anyOptionalFailed := false
	for _, st := range steps {
		if st.Status != StepFailed || st.Name == stepCatchupVerification {
			continue
		}
		if st.Required {
			return ClassificationFailed
		}
		anyOptionalFailed = true
	}
	if anyOptionalFailed {
		return ClassificationPartial
	}
	return ClassificationOk
}

func (s *Switcher) discoverTower(ctx context.Context, node NodeHandle) (path, base64Payload string, err error) {
	listing, err := s.pool.Execute(ctx, node.SSH, fmt.Sprintf("ls %s", node.Runtime.TowerFileGlob), s.stepTimeout)
	if err != nil {
		return "", "", fmt.Errorf("resolve tower glob: %w", err)
	}
	if listing.ExitCode != 0 {
		return "", "", fmt.Errorf("resolve tower glob: exit %d: %s", listing.ExitCode, listing.Stderr)
	}
	resolved := strings.TrimSpace(strings.Split(listing.Stdout, "\n")[0])
	if resolved == "" {
		return "", "", fmt.Errorf("no tower file matched %s", node.Runtime.TowerFileGlob)
	}

	res, err := s.pool.Execute(ctx, node.SSH, fmt.Sprintf("base64 -w0 %s", resolved), s.stepTimeout)
	if err != nil {
		return "", "", fmt.Errorf("read tower file: %w", err)
	}
	if res.ExitCode != 0 {
		return "", "", fmt.Errorf("read tower file: exit %d: %s", res.ExitCode, res.Stderr)
	}
	payload := strings.TrimSpace(res.Stdout)
	if _, decodeErr := base64.StdEncoding.DecodeString(payload); decodeErr != nil {
		return "", "", fmt.Errorf("tower payload is not valid base64: %w", decodeErr)
	}
	return resolved, payload, nil
}

func (s *Switcher) transferTower(ctx context.Context, node NodeHandle, sourcePath, base64Payload string) error {
	dest := towerDestPath(node.Runtime.LedgerPath, sourcePath)
	return s.pool.WriteBase64ToFile(ctx, node.SSH, dest, base64Payload)
}

// towerDestPath places the tower file on the standby under the exact
// filename discoverTower resolved from the glob on the active node: both
// nodes share one vote account, so that filename (which embeds the vote
// pubkey) is what the validator looks for on restart.
func towerDestPath(ledgerPath, sourcePath string) string {
	return filepath.Join(ledgerPath, filepath.Base(sourcePath))
}

func (s *Switcher) setIdentity(ctx context.Context, node NodeHandle, kind variant.IdentityKind) error {
	path := node.Runtime.UnfundedIdentityPath
	if kind == variant.Funded {
		path = node.Runtime.FundedIdentityPath
	}
	cmd := node.Runtime.Variant.SetIdentityCommand(kind, path)
	res, err := s.pool.Execute(ctx, node.SSH, cmd, s.stepTimeout)
	if err != nil {
		return fmt.Errorf("set-identity: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("set-identity: exit %d: %s", res.ExitCode, res.Stderr)
	}
	node.Runtime.CurrentIdentityPubkey = pubkeyFor(node.Runtime, kind)
	return nil
}

func pubkeyFor(rt *introspect.Runtime, kind variant.IdentityKind) solana.PublicKey {
	if kind == variant.Funded {
		return rt.FundedIdentityPubkey
	}
	return rt.UnfundedIdentityPubkey
}

func (s *Switcher) verifyCatchup(ctx context.Context, node NodeHandle) error {
	cmd := node.Runtime.Variant.CatchupCommand(node.Runtime.SolanaCLIPath, node.Runtime.RPCPort)
	caughtUp := false
	_, err := s.pool.ExecuteStreaming(ctx, node.SSH, cmd, s.catchupTimeout, func(line string) {
		if strings.Contains(line, "has caught up") {
			caughtUp = true
		}
	})
	if err != nil {
		return fmt.Errorf("catchup: %w", err)
	}
	if !caughtUp {
		return fmt.Errorf("catchup: did not report caught up within %s", s.catchupTimeout)
	}
	return nil
}
