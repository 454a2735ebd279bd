package pairstate

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/huiskylabs/solana-validator-switch-sub000/internal/introspect"
)

func newTestKeypair(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.NewWallet().PublicKey()
}

func newTestRuntimes(t *testing.T, fundedOnNode int) (runtimes [2]*introspect.Runtime, funded, unfunded solana.PublicKey) {
	t.Helper()
	funded = newTestKeypair(t)
	unfunded = newTestKeypair(t)

	for i := 0; i < 2; i++ {
		current := unfunded
		if i == fundedOnNode {
			current = funded
		}
		runtimes[i] = &introspect.Runtime{
			CurrentIdentityPubkey:  current,
			FundedIdentityPubkey:   funded,
			UnfundedIdentityPubkey: unfunded,
		}
	}
	return runtimes, funded, unfunded
}

func TestNew_DerivesActiveIndexFromFundedIdentity(t *testing.T) {
	t.Parallel()

	runtimes, _, _ := newTestRuntimes(t, 1)
	p, err := New("a/b", newTestKeypair(t), newTestKeypair(t), runtimes)
	require.NoError(t, err)
	require.Equal(t, 1, p.Snapshot().ActiveIndex)
}

func TestNew_ErrorsWhenNoNodeIsActive(t *testing.T) {
	t.Parallel()

	funded := newTestKeypair(t)
	unfunded := newTestKeypair(t)
	runtimes := [2]*introspect.Runtime{
		{CurrentIdentityPubkey: unfunded, FundedIdentityPubkey: funded, UnfundedIdentityPubkey: unfunded},
		{CurrentIdentityPubkey: unfunded, FundedIdentityPubkey: funded, UnfundedIdentityPubkey: unfunded},
	}
	_, err := New("a/b", newTestKeypair(t), newTestKeypair(t), runtimes)
	require.ErrorIs(t, err, errNoActiveNode)
}

func TestNew_ErrorsWhenBothNodesAreActive(t *testing.T) {
	t.Parallel()

	funded := newTestKeypair(t)
	unfunded := newTestKeypair(t)
	runtimes := [2]*introspect.Runtime{
		{CurrentIdentityPubkey: funded, FundedIdentityPubkey: funded, UnfundedIdentityPubkey: unfunded},
		{CurrentIdentityPubkey: funded, FundedIdentityPubkey: funded, UnfundedIdentityPubkey: unfunded},
	}
	_, err := New("a/b", newTestKeypair(t), newTestKeypair(t), runtimes)
	require.ErrorIs(t, err, errBothActiveNodes)
}

// TestUpdateVoteObservation_OnlyAdvancesOnStrictlyHigherSlot exercises the
// vote-timestamp preservation property: the observed-at timestamp is never
// overwritten by a stale, equal, or lower slot.
func TestUpdateVoteObservation_OnlyAdvancesOnStrictlyHigherSlot(t *testing.T) {
	t.Parallel()

	runtimes, _, _ := newTestRuntimes(t, 0)
	p, err := New("a/b", newTestKeypair(t), newTestKeypair(t), runtimes)
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.UpdateVoteObservation(100, t0)
	require.Equal(t, uint64(100), p.Snapshot().LastVoteSlot)
	require.Equal(t, t0, p.Snapshot().LastVoteObservedAt)

	// A stale (lower) slot observed later must not move the timestamp.
	t1 := t0.Add(time.Minute)
	p.UpdateVoteObservation(50, t1)
	require.Equal(t, uint64(100), p.Snapshot().LastVoteSlot)
	require.Equal(t, t0, p.Snapshot().LastVoteObservedAt)

	// An equal slot observed later must not move the timestamp either.
	p.UpdateVoteObservation(100, t1)
	require.Equal(t, t0, p.Snapshot().LastVoteObservedAt)

	// Only a strictly higher slot advances both fields.
	t2 := t1.Add(time.Minute)
	p.UpdateVoteObservation(101, t2)
	require.Equal(t, uint64(101), p.Snapshot().LastVoteSlot)
	require.Equal(t, t2, p.Snapshot().LastVoteObservedAt)
}

func TestApplySwitch_FlipsActiveIndexAndNodeIdentities(t *testing.T) {
	t.Parallel()

	runtimes, funded, unfunded := newTestRuntimes(t, 0)
	p, err := New("a/b", newTestKeypair(t), newTestKeypair(t), runtimes)
	require.NoError(t, err)
	require.Equal(t, 0, p.Snapshot().ActiveIndex)

	p.ApplySwitch(1, funded, unfunded)

	data := p.Snapshot()
	require.Equal(t, 1, data.ActiveIndex)
	require.Equal(t, 0, data.StandbyIndex())
	require.True(t, data.NodeRuntimes[1].CurrentIdentityPubkey.Equals(funded))
	require.True(t, data.NodeRuntimes[0].CurrentIdentityPubkey.Equals(unfunded))
}

func TestStandbyIndex(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, Data{ActiveIndex: 0}.StandbyIndex())
	require.Equal(t, 0, Data{ActiveIndex: 1}.StandbyIndex())
}
