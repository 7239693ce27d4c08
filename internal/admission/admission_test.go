package admission_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omjvalidator/grader-api/internal/admission"
)

type fakeCounters struct {
	userCount    int64
	userOldest   time.Time
	userErr      error
	globalCount  int64
	globalOldest time.Time
	globalErr    error

	userCalls   int
	globalCalls int
}

func (f *fakeCounters) UserWindow(_ context.Context, _ string, _ time.Time) (int64, time.Time, error) {
	f.userCalls++
	return f.userCount, f.userOldest, f.userErr
}

func (f *fakeCounters) GlobalWindow(_ context.Context, _ time.Time) (int64, time.Time, error) {
	f.globalCalls++
	return f.globalCount, f.globalOldest, f.globalErr
}

func TestGateAllowsBelowBothCeilings(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{userCount: 9, globalCount: 150}
	gate := admission.NewGate(counters, 10, 200, nil)

	decision, err := gate.Check(t.Context(), "user-1", now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 1, counters.userCalls)
	assert.Equal(t, 1, counters.globalCalls)
}

func TestGateDeniesAtUserCeiling(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{
		userCount:  10,
		userOldest: now.Add(-20 * time.Hour),
	}
	gate := admission.NewGate(counters, 10, 200, nil)

	decision, err := gate.Check(t.Context(), "user-1", now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, admission.ScopeUser, decision.Scope)
	assert.Equal(t, int64(10), decision.Limit)
	assert.Equal(t, int64(10), decision.Count)
	// The oldest entry ages out 4 hours from now.
	assert.Equal(t, 4*time.Hour, decision.RetryAfter)
	assert.Equal(t, 0, counters.globalCalls, "global window is not read after a user denial")
}

func TestGateDeniesAtGlobalCeiling(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{
		userCount:    2,
		globalCount:  200,
		globalOldest: now.Add(-23 * time.Hour),
	}
	gate := admission.NewGate(counters, 10, 200, nil)

	decision, err := gate.Check(t.Context(), "user-1", now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, admission.ScopeGlobal, decision.Scope)
	assert.Equal(t, int64(200), decision.Limit)
	assert.Equal(t, time.Hour, decision.RetryAfter)
}

func TestGateFloorsRetryAfterAtOneSecond(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{
		userCount:  10,
		userOldest: now.Add(-admission.Window).Add(100 * time.Millisecond),
	}
	gate := admission.NewGate(counters, 10, 200, nil)

	decision, err := gate.Check(t.Context(), "user-1", now)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, time.Second, decision.RetryAfter)
}

func TestGateAllowListBypassesBothCeilings(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{userCount: 1000, globalCount: 1000}
	gate := admission.NewGate(counters, 10, 200, []string{"tester"})

	decision, err := gate.Check(t.Context(), "tester", now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 0, counters.userCalls, "allow-listed users skip counter reads")
	assert.Equal(t, 0, counters.globalCalls)
}

func TestGateZeroLimitDisablesCeiling(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	counters := &fakeCounters{userCount: 5000, globalCount: 100}
	gate := admission.NewGate(counters, 0, 200, nil)

	decision, err := gate.Check(t.Context(), "user-1", now)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, 0, counters.userCalls)
}

func TestGatePropagatesStoreErrors(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	storeErr := errors.New("connection refused")
	counters := &fakeCounters{userErr: storeErr}
	gate := admission.NewGate(counters, 10, 200, nil)

	_, err := gate.Check(t.Context(), "user-1", now)
	require.ErrorIs(t, err, storeErr)
}
