package scheduler

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDefaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()

	require.Equal(t, time.Second, p.Delay(0, 1))
	require.Equal(t, 2*time.Second, p.Delay(1, 1))
	require.Equal(t, 4*time.Second, p.Delay(2, 1))
	require.Equal(t, 256*time.Second, p.Delay(8, 1))

	// 2^9 seconds crosses the 5 minute cap.
	require.Equal(t, 5*time.Minute, p.Delay(9, 1))
	require.Equal(t, 5*time.Minute, p.Delay(20, 1))

	require.Equal(t, 6*time.Second, p.Delay(3, 0.75))
	require.Equal(t, 10*time.Second, p.Delay(3, 1.25))

	// Negative attempts clamp to the base.
	require.Equal(t, time.Second, p.Delay(-3, 1))
}

func TestRetryPolicyNextStaysWithinJitterBand(t *testing.T) {
	p := RetryPolicy{}.withDefaults()

	// Attempt 2 has a 4s mean, so every sample lands in [3s, 5s].
	for i := 0; i < 200; i++ {
		d := p.Next(2)
		require.GreaterOrEqual(t, d, 3*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func retryPolicyGen() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(int64(10*time.Millisecond), int64(5*time.Second)),
		gen.Float64Range(1.1, 8),
		gen.Int64Range(int64(10*time.Second), int64(30*time.Minute)),
	).Map(func(vals []interface{}) RetryPolicy {
		return RetryPolicy{
			Base:       time.Duration(vals[0].(int64)),
			Multiplier: vals[1].(float64),
			MaxDelay:   time.Duration(vals[2].(int64)),
		}.withDefaults()
	})
}

func TestRetryPolicyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	attemptGen := gen.IntRange(-5, 400)
	jitterGen := gen.Float64Range(0.75, 1.25)

	properties.Property("strictly positive whole milliseconds", prop.ForAll(
		func(p RetryPolicy, attempt int) bool {
			d := p.Next(attempt)
			return d >= time.Millisecond && d%time.Millisecond == 0
		},
		retryPolicyGen(), attemptGen,
	))

	properties.Property("mean never exceeds the cap", prop.ForAll(
		func(p RetryPolicy, attempt int) bool {
			return p.Delay(attempt, 1) <= p.MaxDelay
		},
		retryPolicyGen(), attemptGen,
	))

	properties.Property("jittered delay bounded by 1.25x the cap", prop.ForAll(
		func(p RetryPolicy, attempt int, jitter float64) bool {
			return p.Delay(attempt, jitter) <= p.MaxDelay+p.MaxDelay/4
		},
		retryPolicyGen(), attemptGen, jitterGen,
	))

	properties.Property("mean grows monotonically with the attempt", prop.ForAll(
		func(p RetryPolicy, attempt int) bool {
			if attempt < 0 {
				attempt = 0
			}
			return p.Delay(attempt, 1) <= p.Delay(attempt+1, 1)
		},
		retryPolicyGen(), attemptGen,
	))

	properties.Property("mean grows strictly until the cap", prop.ForAll(
		func(p RetryPolicy, attempt int) bool {
			if attempt < 0 {
				attempt = 0
			}
			next := p.Delay(attempt+1, 1)
			if next >= p.MaxDelay {
				return true
			}
			return p.Delay(attempt, 1) < next
		},
		retryPolicyGen(), gen.IntRange(0, 60),
	))

	properties.Property("delay is monotone in the jitter factor", prop.ForAll(
		func(p RetryPolicy, attempt int, j1, j2 float64) bool {
			lo, hi := j1, j2
			if lo > hi {
				lo, hi = hi, lo
			}
			return p.Delay(attempt, lo) <= p.Delay(attempt, hi)
		},
		retryPolicyGen(), attemptGen, jitterGen, jitterGen,
	))

	properties.TestingRun(t)
}
