package switcher

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify_AnyFailedRequiredStepFailsTheWholeAttempt(t *testing.T) {
	t.Parallel()

	steps := []StepOutcome{
		{Name: "tower-discovery", Required: true, Status: StepSuccess},
		{Name: "active-to-unfunded", Required: true, Status: StepFailed},
		{Name: "tower-transfer", Required: false, Status: StepSuccess},
	}
	require.Equal(t, ClassificationFailed, classify(steps))
}

func TestClassify_FailedOptionalStepDowngradesToPartial(t *testing.T) {
	t.Parallel()

	steps := []StepOutcome{
		{Name: "tower-discovery", Required: true, Status: StepSuccess},
		{Name: "active-to-unfunded", Required: false, Status: StepFailed},
		{Name: "tower-transfer", Required: false, Status: StepFailed},
		{Name: "standby-to-funded", Required: true, Status: StepSuccess},
		{Name: "catchup-verification", Required: false, Status: StepFailed},
	}
	require.Equal(t, ClassificationPartial, classify(steps))
}

func TestClassify_AllStepsSucceedingIsOk(t *testing.T) {
	t.Parallel()

	steps := []StepOutcome{
		{Name: "tower-discovery", Required: true, Status: StepSuccess},
		{Name: "active-to-unfunded", Required: true, Status: StepSuccess},
		{Name: "tower-transfer", Required: false, Status: StepSuccess},
		{Name: "standby-to-funded", Required: true, Status: StepSuccess},
		{Name: "catchup-verification", Required: false, Status: StepSuccess},
	}
	require.Equal(t, ClassificationOk, classify(steps))
}

func TestClassify_SkippedStepsNeverCountAsFailures(t *testing.T) {
	t.Parallel()

	steps := []StepOutcome{
		{Name: "tower-discovery", Required: true, Status: StepSkipped},
		{Name: "active-to-unfunded", Required: true, Status: StepSkipped},
	}
	require.Equal(t, ClassificationOk, classify(steps))
}

func TestAcquireRelease_SerializesPerPairAndReportsInProgress(t *testing.T) {
	t.Parallel()

	s := New(nil, discardLogger())

	latch, ok := s.acquire("a/b")
	require.True(t, ok)
	require.True(t, s.InProgress("a/b"))
	require.False(t, s.InProgress("c/d"))

	_, ok = s.acquire("a/b")
	require.False(t, ok, "a second concurrent acquire for the same pair must fail")

	s.release(latch)
	require.False(t, s.InProgress("a/b"))

	_, ok = s.acquire("a/b")
	require.True(t, ok, "acquire must succeed again once released")
}

func TestRunStep_DryRunNeverInvokesFn(t *testing.T) {
	t.Parallel()

	s := New(nil, discardLogger())
	called := false
	outcome := s.runStep("step", true, true, func() error {
		called = true
		return nil
	})
	require.False(t, called)
	require.Equal(t, StepSkipped, outcome.Status)
}

func TestRunStep_TimesAndClassifiesOutcome(t *testing.T) {
	t.Parallel()

	s := New(nil, discardLogger())

	ok := s.runStep("step", true, false, func() error { return nil })
	require.Equal(t, StepSuccess, ok.Status)
	require.Nil(t, ok.Err)

	failed := s.runStep("step", false, false, func() error { return assertErr })
	require.Equal(t, StepFailed, failed.Status)
	require.Equal(t, assertErr, failed.Err)
	require.False(t, failed.Required)
}

var assertErr = &stepErr{"boom"}

type stepErr struct{ msg string }

func (e *stepErr) Error() string { return e.msg }

func TestTowerDestPath_UsesTheResolvedSourceBasenameNotAGlobPlaceholder(t *testing.T) {
	t.Parallel()

	// Both nodes share one vote account, so the tower filename (which
	// embeds the vote pubkey) must carry over exactly as discoverTower
	// resolved it, never a "-latest" placeholder derived from the glob.
	got := towerDestPath("/mnt/ledger", "/mnt/ledger/tower-1_9-9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin.bin")
	require.Equal(t, "/mnt/ledger/tower-1_9-9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin.bin", got)
}

func TestNew_DefaultsAndOptionsApply(t *testing.T) {
	t.Parallel()

	s := New(nil, discardLogger())
	require.Equal(t, 2*time.Minute, s.catchupTimeout)
	require.Equal(t, 30*time.Second, s.stepTimeout)

	s2 := New(nil, discardLogger(), WithCatchupTimeout(5*time.Second), WithStepTimeout(time.Second))
	require.Equal(t, 5*time.Second, s2.catchupTimeout)
	require.Equal(t, time.Second, s2.stepTimeout)
}
