package alert

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/monitor"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu   sync.Mutex
	sent []Message
}

func (f *fakeSink) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSink) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func testConfig() Config {
	return Config{
		DelinquencyThreshold: 30 * time.Second,
		SSHFailureThreshold:  30 * time.Minute,
		RPCFailureThreshold:  30 * time.Minute,
		HighCooldown:         15 * time.Minute,
		LowCooldown:          30 * time.Minute,
	}
}

// TestHandle_ThreeSignalTruthTable exhaustively covers the eight
// combinations of (sshOK, rpcOK, voteAgeOverThreshold): a Delinquency
// alert must fire if and only if SSH is healthy, RPC is healthy, and the
// vote age is at or past the threshold.
func TestHandle_ThreeSignalTruthTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name             string
		sshOK, rpcOK     bool
		voteAgeAtOrOver  bool
		wantDelinquency  bool
	}{
		{"all healthy, vote fresh", true, true, false, false},
		{"all healthy, vote stale", true, true, true, true},
		{"ssh down, vote stale", false, true, true, false},
		{"rpc down, vote stale", true, false, true, false},
		{"ssh and rpc down, vote stale", false, false, true, false},
		{"ssh down, vote fresh", false, true, false, false},
		{"rpc down, vote fresh", true, false, false, false},
		{"all down, vote fresh", false, false, false, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &fakeSink{}
			clock := clockwork.NewFakeClock()
			a := New(testLogger(t), sink, testConfig(), clock)

			voteAge := 10 * time.Second
			if tc.voteAgeAtOrOver {
				voteAge = 30 * time.Second
			}
			a.handle(context.Background(), monitor.Snapshot{
				PairLabel:      "a/b",
				IdentityPubkey: "ident",
				SSHOK:          tc.sshOK,
				RPCOK:          tc.rpcOK,
				VoteAge:        voteAge,
			})

			gotDelinquency := false
			sink.mu.Lock()
			for _, m := range sink.sent {
				if m.Kind == KindDelinquency {
					gotDelinquency = true
				}
			}
			sink.mu.Unlock()
			require.Equal(t, tc.wantDelinquency, gotDelinquency)
		})
	}
}

func TestHandle_SuppressedSnapshotNeverAlerts(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	a := New(testLogger(t), sink, testConfig(), clockwork.NewFakeClock())

	a.handle(context.Background(), monitor.Snapshot{
		PairLabel:  "a/b",
		SSHOK:      true,
		RPCOK:      true,
		VoteAge:    time.Hour,
		Suppressed: true,
	})

	require.Equal(t, 0, sink.count())
}

func TestHandle_InfrastructureAlertsFireOnFailureDuration(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	a := New(testLogger(t), sink, testConfig(), clockwork.NewFakeClock())

	a.handle(context.Background(), monitor.Snapshot{
		PairLabel:     "a/b",
		SSHOK:         false,
		SSHFailureFor: 31 * time.Minute,
		RPCOK:         true,
	})
	require.Equal(t, 1, sink.count())
	require.Equal(t, KindSSHDown, sink.last().Kind)

	sink2 := &fakeSink{}
	a2 := New(testLogger(t), sink2, testConfig(), clockwork.NewFakeClock())
	a2.handle(context.Background(), monitor.Snapshot{
		PairLabel:     "a/b",
		SSHOK:         true,
		RPCOK:         false,
		RPCFailureFor: 31 * time.Minute,
	})
	require.Equal(t, 1, sink2.count())
	require.Equal(t, KindRPCDown, sink2.last().Kind)
}

// TestMaybeSend_CooldownSuppressesRepeatsUntilElapsed covers the cooldown
// enforcement property: a second identical-kind alert within the
// cooldown window is dropped; once the window elapses, it is sent again.
func TestMaybeSend_CooldownSuppressesRepeatsUntilElapsed(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	clock := clockwork.NewFakeClock()
	cfg := testConfig()
	a := New(testLogger(t), sink, cfg, clock)

	snap := monitor.Snapshot{
		PairLabel:      "a/b",
		IdentityPubkey: "ident",
		SSHOK:          true,
		RPCOK:          true,
		VoteAge:        cfg.DelinquencyThreshold,
	}

	a.handle(context.Background(), snap)
	require.Equal(t, 1, sink.count())

	clock.Advance(cfg.HighCooldown - time.Second)
	a.handle(context.Background(), snap)
	require.Equal(t, 1, sink.count(), "repeat within cooldown must be suppressed")

	clock.Advance(2 * time.Second)
	a.handle(context.Background(), snap)
	require.Equal(t, 2, sink.count(), "repeat after cooldown elapses must be sent")
}

func TestSendSwitchResult_BypassesCooldown(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	a := New(testLogger(t), sink, testConfig(), clockwork.NewFakeClock())

	a.SendSwitchResult(context.Background(), "ident", "switch ok")
	a.SendSwitchResult(context.Background(), "ident", "switch ok again")
	require.Equal(t, 2, sink.count())
	require.Equal(t, KindSwitchResult, sink.last().Kind)
	require.Equal(t, SeverityInformational, sink.last().Severity)
}

func TestTestAlert_SendsSyntheticMessage(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	a := New(testLogger(t), sink, testConfig(), clockwork.NewFakeClock())

	require.NoError(t, a.TestAlert(context.Background()))
	require.Equal(t, 1, sink.count())
}
