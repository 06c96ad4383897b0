package resilience

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRegistry(clock Clock) *BreakerRegistry {
	return NewBreakerRegistry(BreakerSettings{Threshold: 10, Cooldown: time.Minute}, clock, testLogger())
}

func recordFailures(t *testing.T, reg *BreakerRegistry, component, kind string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		adm, err := reg.Allow(component)
		require.NoError(t, err)
		reg.RecordFailure(adm, kind)
	}
}

func TestNewBreakerRegistry_WithDefaults(t *testing.T) {
	reg := NewBreakerRegistry(BreakerSettings{}, nil, nil)

	settings := reg.Settings("anything")
	assert.Equal(t, 10, settings.Threshold)
	assert.Equal(t, 60*time.Second, settings.Cooldown)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := NewManualClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	reg := newTestRegistry(clock)

	recordFailures(t, reg, "routing", "TIMEOUT", 9)
	assert.Equal(t, StateClosed, reg.State("routing", "TIMEOUT"))
	assert.Equal(t, 9, reg.Failures("routing", "TIMEOUT"))

	recordFailures(t, reg, "routing", "TIMEOUT", 1)
	assert.Equal(t, StateOpen, reg.State("routing", "TIMEOUT"))

	_, err := reg.Allow("routing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.Equal(t, CodeServiceUnavailable, CodeOf(err))
	assert.Equal(t, time.Minute, RetryAfterOf(err))

	clock.Advance(20 * time.Second)
	_, err = reg.Allow("routing")
	require.Error(t, err)
	assert.Equal(t, 40*time.Second, RetryAfterOf(err))
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	reg := newTestRegistry(NewManualClock(time.Now()))

	recordFailures(t, reg, "traffic_flow", "SERVICE_UNAVAILABLE", 9)

	adm, err := reg.Allow("traffic_flow")
	require.NoError(t, err)
	reg.RecordSuccess(adm)

	assert.Equal(t, 0, reg.Failures("traffic_flow", "SERVICE_UNAVAILABLE"))
	assert.Equal(t, StateClosed, reg.State("traffic_flow", "SERVICE_UNAVAILABLE"))

	recordFailures(t, reg, "traffic_flow", "SERVICE_UNAVAILABLE", 9)
	assert.Equal(t, StateClosed, reg.State("traffic_flow", "SERVICE_UNAVAILABLE"))
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := newTestRegistry(clock)
	recordFailures(t, reg, "routing", "TIMEOUT", 10)

	clock.Advance(time.Minute)

	probe, err := reg.Allow("routing")
	require.NoError(t, err)
	assert.True(t, probe.Probe)
	assert.Equal(t, StateHalfOpen, reg.State("routing", "TIMEOUT"))

	_, err = reg.Allow("routing")
	require.Error(t, err)
	assert.Equal(t, CodeServiceUnavailable, CodeOf(err))

	reg.RecordSuccess(probe)
	assert.Equal(t, StateClosed, reg.State("routing", "TIMEOUT"))

	adm, err := reg.Allow("routing")
	require.NoError(t, err)
	assert.False(t, adm.Probe)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := newTestRegistry(clock)
	recordFailures(t, reg, "routing", "TIMEOUT", 10)

	clock.Advance(90 * time.Second)
	probe, err := reg.Allow("routing")
	require.NoError(t, err)
	require.True(t, probe.Probe)

	reg.RecordFailure(probe, "TIMEOUT")
	assert.Equal(t, StateOpen, reg.State("routing", "TIMEOUT"))

	_, err = reg.Allow("routing")
	require.Error(t, err)
	assert.Equal(t, time.Minute, RetryAfterOf(err))
}

func TestBreaker_FailedProbeOfDifferentKindKeepsCircuitOpen(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := newTestRegistry(clock)
	recordFailures(t, reg, "routing", "TIMEOUT", 10)

	clock.Advance(time.Minute)
	probe, err := reg.Allow("routing")
	require.NoError(t, err)

	reg.RecordFailure(probe, "INVALID_REQUEST")
	assert.Equal(t, StateOpen, reg.State("routing", "TIMEOUT"))
	assert.Equal(t, 1, reg.Failures("routing", "INVALID_REQUEST"))

	_, err = reg.Allow("routing")
	assert.Error(t, err)
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := newTestRegistry(clock)
	recordFailures(t, reg, "routing", "TIMEOUT", 10)
	clock.Advance(time.Minute)

	probe, err := reg.Allow("routing")
	require.NoError(t, err)
	reg.Release(probe)

	again, err := reg.Allow("routing")
	require.NoError(t, err)
	assert.True(t, again.Probe)
}

func TestBreaker_KindsArePartitioned(t *testing.T) {
	reg := newTestRegistry(NewManualClock(time.Now()))

	recordFailures(t, reg, "routing", "TIMEOUT", 9)
	recordFailures(t, reg, "routing", "SERVICE_UNAVAILABLE", 9)
	recordFailures(t, reg, "traffic_flow", "TIMEOUT", 9)

	assert.Equal(t, StateClosed, reg.State("routing", "TIMEOUT"))
	assert.Equal(t, StateClosed, reg.State("routing", "SERVICE_UNAVAILABLE"))
	assert.Equal(t, StateClosed, reg.State("traffic_flow", "TIMEOUT"))
}

func TestBreaker_ComponentSettings(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := newTestRegistry(clock)
	reg.SetComponentSettings("routing", BreakerSettings{Threshold: 3, Cooldown: 2 * time.Minute})

	recordFailures(t, reg, "routing", "TIMEOUT", 3)
	assert.Equal(t, StateOpen, reg.State("routing", "TIMEOUT"))

	_, err := reg.Allow("routing")
	require.Error(t, err)
	assert.Equal(t, 2*time.Minute, RetryAfterOf(err))
}

func TestBreaker_ResetAndSnapshot(t *testing.T) {
	reg := newTestRegistry(NewManualClock(time.Now()))
	recordFailures(t, reg, "routing", "TIMEOUT", 10)
	recordFailures(t, reg, "traffic_flow", "SERVICE_UNAVAILABLE", 2)

	snapshot := reg.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "routing", snapshot[0].Component)
	assert.Equal(t, "OPEN", snapshot[0].State)
	assert.NotNil(t, snapshot[0].OpenUntil)
	assert.Equal(t, "traffic_flow", snapshot[1].Component)
	assert.Equal(t, 2, snapshot[1].FailureCount)
	assert.Nil(t, snapshot[1].OpenUntil)

	cleared := reg.Reset("routing", "")
	assert.Equal(t, 1, cleared)
	assert.Equal(t, StateClosed, reg.State("routing", "TIMEOUT"))

	_, err := reg.Allow("routing")
	assert.NoError(t, err)
	assert.Len(t, reg.Snapshot(), 1)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())
}

func TestBreaker_LateFailureOfOtherKindKeepsCircuitOpen(t *testing.T) {
	clock := NewManualClock(time.Now())
	reg := NewBreakerRegistry(BreakerSettings{Threshold: 2, Cooldown: time.Minute}, clock, testLogger())

	// Three calls in flight before anything fails
	admissions := make([]Admission, 3)
	for i := range admissions {
		adm, err := reg.Allow("traffic_flow")
		require.NoError(t, err)
		admissions[i] = adm
	}

	reg.RecordFailure(admissions[0], "TIMEOUT")
	reg.RecordFailure(admissions[1], "TIMEOUT")
	require.Equal(t, StateOpen, reg.State("traffic_flow", "TIMEOUT"))

	reg.RecordFailure(admissions[2], "SERVICE_UNAVAILABLE")

	_, err := reg.Allow("traffic_flow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBreakerOpen))
	assert.Equal(t, time.Minute, RetryAfterOf(err))
}

func TestBreaker_ResetOfOneKindKeepsOtherOpen(t *testing.T) {
	reg := NewBreakerRegistry(BreakerSettings{Threshold: 2, Cooldown: time.Minute}, NewManualClock(time.Now()), testLogger())

	first, err := reg.Allow("routing")
	require.NoError(t, err)
	second, err := reg.Allow("routing")
	require.NoError(t, err)
	recordFailures(t, reg, "routing", "TIMEOUT", 2)
	reg.RecordFailure(first, "SERVICE_UNAVAILABLE")
	reg.RecordFailure(second, "SERVICE_UNAVAILABLE")
	require.Equal(t, StateOpen, reg.State("routing", "SERVICE_UNAVAILABLE"))

	reg.Reset("routing", "TIMEOUT")

	_, err = reg.Allow("routing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routing:SERVICE_UNAVAILABLE")
}
