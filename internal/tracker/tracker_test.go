package tracker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTracker_HealthyWithNoFailures(t *testing.T) {
	t.Parallel()

	tr := New()
	snap := tr.Snapshot()
	require.True(t, snap.Healthy())
	require.Zero(t, snap.DurationSinceFirstFailure(time.Now()))
}

func TestTracker_FailureStreakAccumulatesDuration(t *testing.T) {
	t.Parallel()

	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.RecordFailure(errors.New("boom"), base)
	tr.RecordFailure(errors.New("boom again"), base.Add(10*time.Second))
	tr.RecordFailure(errors.New("boom a third time"), base.Add(20*time.Second))

	snap := tr.Snapshot()
	require.False(t, snap.Healthy())
	require.Equal(t, uint32(3), snap.ConsecutiveFailures)
	require.Equal(t, "boom a third time", snap.LastError)
	// firstFailureAt must stamp only once, at the start of the streak.
	require.Equal(t, 30*time.Second, snap.DurationSinceFirstFailure(base.Add(30*time.Second)))
}

func TestTracker_SuccessResetsStreakCompletely(t *testing.T) {
	t.Parallel()

	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.RecordFailure(errors.New("boom"), base)
	tr.RecordFailure(errors.New("boom again"), base.Add(time.Second))
	require.False(t, tr.Snapshot().Healthy())

	tr.RecordSuccess()

	snap := tr.Snapshot()
	require.True(t, snap.Healthy())
	require.Zero(t, snap.ConsecutiveFailures)
	require.Empty(t, snap.LastError)
	require.Zero(t, snap.DurationSinceFirstFailure(base.Add(time.Hour)))
}

func TestTracker_NewStreakAfterResetStampsFreshFirstFailure(t *testing.T) {
	t.Parallel()

	tr := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tr.RecordFailure(errors.New("first streak"), base)
	tr.RecordSuccess()
	tr.RecordFailure(errors.New("second streak"), base.Add(time.Hour))

	snap := tr.Snapshot()
	require.Equal(t, uint32(1), snap.ConsecutiveFailures)
	require.Equal(t, time.Duration(0), snap.DurationSinceFirstFailure(base.Add(time.Hour)))
}
