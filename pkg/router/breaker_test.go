package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/errclass"
)

// testBreaker returns a breaker on a controllable clock.
func testBreaker(cfg BreakerConfig) (*breaker, *time.Time) {
	b := newBreaker(cfg)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerOpensAfterConsecutiveCountedFailures(t *testing.T) {
	b, _ := testBreaker(BreakerConfig{FailureThreshold: 3})

	b.recordOutcome(false, errclass.Transient)
	b.recordOutcome(false, errclass.Timeout)
	b.recordOutcome(true, "")
	require.Equal(t, StateClosed, b.currentState(), "success resets the consecutive count")

	b.recordOutcome(false, errclass.Transient)
	b.recordOutcome(false, errclass.Resource)
	require.Equal(t, StateClosed, b.currentState())
	b.recordOutcome(false, errclass.Transient)

	assert.Equal(t, StateOpen, b.currentState())
	assert.False(t, b.admit())
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	b, _ := testBreaker(BreakerConfig{FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		b.recordOutcome(false, errclass.Permanent)
	}

	assert.Equal(t, StateClosed, b.currentState())
	assert.True(t, b.admit())
}

func TestBreakerUnknownClassCounts(t *testing.T) {
	b, _ := testBreaker(BreakerConfig{FailureThreshold: 2})

	b.recordOutcome(false, errclass.Unknown)
	b.recordOutcome(false, errclass.Unknown)

	assert.Equal(t, StateOpen, b.currentState())
}

func TestBreakerHalfOpenAfterOpenDuration(t *testing.T) {
	b, clock := testBreaker(BreakerConfig{
		FailureThreshold:    1,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 2,
	})

	b.recordOutcome(false, errclass.Transient)
	require.Equal(t, StateOpen, b.currentState())
	require.False(t, b.admit())

	*clock = clock.Add(29 * time.Second)
	require.False(t, b.admit(), "open window not elapsed")

	*clock = clock.Add(2 * time.Second)
	assert.True(t, b.admit(), "first probe admitted")
	assert.Equal(t, StateHalfOpen, b.currentState())
	assert.True(t, b.admit(), "second probe admitted")
	assert.False(t, b.admit(), "probe slots exhausted")
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b, clock := testBreaker(BreakerConfig{
		FailureThreshold:        1,
		OpenDuration:            time.Second,
		HalfOpenMaxAttempts:     2,
		SuccessThresholdToClose: 2,
	})

	b.recordOutcome(false, errclass.Transient)
	*clock = clock.Add(2 * time.Second)
	require.True(t, b.admit())
	require.True(t, b.admit())

	b.recordOutcome(true, "")
	require.Equal(t, StateHalfOpen, b.currentState(), "one success is not enough")
	b.recordOutcome(true, "")

	assert.Equal(t, StateClosed, b.currentState())
	assert.True(t, b.admit())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b, clock := testBreaker(BreakerConfig{
		FailureThreshold:        1,
		OpenDuration:            time.Minute,
		HalfOpenMaxAttempts:     2,
		SuccessThresholdToClose: 3,
	})

	b.recordOutcome(false, errclass.Transient)
	*clock = clock.Add(2 * time.Minute)
	require.True(t, b.admit())
	require.True(t, b.admit())

	b.recordOutcome(true, "")
	b.recordOutcome(false, errclass.Timeout)
	require.Equal(t, StateOpen, b.currentState(), "any counted probe failure reopens")

	*clock = clock.Add(30 * time.Second)
	assert.False(t, b.admit(), "open window restarted at reopen")
	*clock = clock.Add(31 * time.Second)
	assert.True(t, b.admit())
}

func TestBreakerPermanentProbeOutcomeFreesSlot(t *testing.T) {
	b, clock := testBreaker(BreakerConfig{
		FailureThreshold:        1,
		OpenDuration:            time.Second,
		HalfOpenMaxAttempts:     1,
		SuccessThresholdToClose: 1,
	})

	b.recordOutcome(false, errclass.Transient)
	*clock = clock.Add(2 * time.Second)
	require.True(t, b.admit())
	require.False(t, b.admit(), "single probe slot taken")

	// A permanent error reached the provider: not a breaker failure,
	// not a recovery signal either.
	b.recordOutcome(false, errclass.Permanent)
	require.Equal(t, StateHalfOpen, b.currentState())
	assert.True(t, b.admit(), "probe slot released for the next attempt")
}

func TestBreakerIgnoresStaleOutcomesWhileOpen(t *testing.T) {
	b, _ := testBreaker(BreakerConfig{FailureThreshold: 1})

	b.recordOutcome(false, errclass.Transient)
	require.Equal(t, StateOpen, b.currentState())

	b.recordOutcome(true, "")
	b.recordOutcome(false, errclass.Transient)

	assert.Equal(t, StateOpen, b.currentState())
}
