package router

import (
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/errclass"
)

// State is a breaker's position in the CLOSED/OPEN/HALF_OPEN cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker defaults applied by withDefaults.
const (
	DefaultFailureThreshold        = 5
	DefaultOpenDuration            = 30 * time.Second
	DefaultHalfOpenMaxAttempts     = 2
	DefaultSuccessThresholdToClose = 2
)

// BreakerConfig tunes one provider's circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive counted-failure count that
	// opens the breaker.
	FailureThreshold int
	// OpenDuration is the rejection window before probing resumes.
	OpenDuration time.Duration
	// HalfOpenMaxAttempts caps concurrent half-open probes.
	HalfOpenMaxAttempts int
	// SuccessThresholdToClose is the consecutive probe successes needed
	// to close.
	SuccessThresholdToClose int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = DefaultHalfOpenMaxAttempts
	}
	if c.SuccessThresholdToClose <= 0 {
		c.SuccessThresholdToClose = DefaultSuccessThresholdToClose
	}
	return c
}

// breaker is one provider's state machine. All transitions happen under
// mu; admit lazily moves OPEN to HALF_OPEN once the open window elapses.
type breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       int // consecutive counted failures while CLOSED
	openedAt       time.Time
	probesInFlight int // admitted half-open probes awaiting an outcome
	probeSuccesses int // consecutive probe successes
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// admit reports whether a call may proceed. In HALF_OPEN an admitted
// call occupies a probe slot until its outcome is recorded.
func (b *breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = StateHalfOpen
		b.probeSuccesses = 0
		b.probesInFlight = 1
		return true
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// recordOutcome folds one call result into the state machine. Failure
// classes that do not count toward the breaker (PERMANENT) release probe
// accounting but never trip or reopen.
func (b *breaker) recordOutcome(success bool, class errclass.Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		if !class.CountsTowardBreaker() {
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateOpen:
		// Stale outcome from a call admitted before the trip.
	case StateHalfOpen:
		if b.probesInFlight > 0 {
			b.probesInFlight--
		}
		if success {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.SuccessThresholdToClose {
				b.reset()
			}
			return
		}
		if class.CountsTowardBreaker() {
			b.trip()
		}
	}
}

// trip opens the breaker and restarts the open window. Caller holds mu.
func (b *breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

// reset closes the breaker. Caller holds mu.
func (b *breaker) reset() {
	b.state = StateClosed
	b.failures = 0
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
