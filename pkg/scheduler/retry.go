package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the exponential backoff schedule applied to retryable
// failures: delay = min(maxDelay, base·multiplier^attempt) · jitter, with
// jitter uniform in [0.75, 1.25]. Delays are whole milliseconds and
// strictly positive; the mean grows monotonically until the cap.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Minute
	}
	return p
}

// Delay computes the backoff for the given attempt with an explicit
// jitter factor in [0.75, 1.25]. Deterministic; Next supplies the random
// factor in production.
func (p RetryPolicy) Delay(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mean := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	if capped := float64(p.MaxDelay); mean > capped {
		mean = capped
	}
	d := time.Duration(mean * jitter).Truncate(time.Millisecond)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Next returns the backoff for the given attempt with uniform random
// jitter.
func (p RetryPolicy) Next(attempt int) time.Duration {
	return p.Delay(attempt, 0.75+0.5*rand.Float64())
}
