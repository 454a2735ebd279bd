package failover

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/monitor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvaluate_ArmingPredicate(t *testing.T) {
	t.Parallel()

	threshold := 30 * time.Second

	cases := []struct {
		name       string
		armed      bool
		suppressed bool
		sshOK      bool
		rpcOK      bool
		voteAge    time.Duration
		wantFired  bool
	}{
		{"not armed", false, false, true, true, time.Minute, false},
		{"switch already in progress", true, true, true, true, time.Minute, false},
		{"ssh unhealthy makes signal untrustworthy", true, false, false, true, time.Minute, false},
		{"rpc unhealthy makes signal untrustworthy", true, false, true, false, time.Minute, false},
		{"vote age below threshold", true, false, true, true, time.Second, false},
		{"vote age exactly at threshold fires", true, false, true, true, threshold, true},
		{"armed, healthy ssh and rpc, stale vote fires", true, false, true, true, time.Minute, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := New(discardLogger(), nil, nil, WithArmed(tc.armed), WithDelinquencyThreshold(threshold))
			decision := g.Evaluate(monitor.Snapshot{
				SSHOK:      tc.sshOK,
				RPCOK:      tc.rpcOK,
				VoteAge:    tc.voteAge,
				Suppressed: tc.suppressed,
			})
			require.Equal(t, tc.wantFired, decision.Fired, decision.Reason)
		})
	}
}

func TestEvaluate_UnreachableActiveNodeDoesNotArm(t *testing.T) {
	t.Parallel()

	// An unreachable active node makes the delinquency signal itself
	// untrustworthy, so it must NOT arm an automatic switch, even with a
	// healthy rpc link and a stale vote.
	g := New(discardLogger(), nil, nil, WithArmed(true), WithDelinquencyThreshold(30*time.Second))

	decision := g.Evaluate(monitor.Snapshot{SSHOK: false, RPCOK: true, VoteAge: time.Minute})
	require.False(t, decision.Fired)
}

func TestNew_DefaultDelinquencyThresholdMatchesAlertDefault(t *testing.T) {
	t.Parallel()

	g := New(discardLogger(), nil, nil)
	require.Equal(t, 30*time.Second, g.delinquencyThreshold)
}
