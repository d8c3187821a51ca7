package lifecycle

import "time"

// crashTracker counts crashes inside a sliding window and derives the
// cooldown gate for reboot attempts. Trackers outlive the agent's lifecycle
// entry; the window is what forgets.
type crashTracker struct {
	window time.Duration
	base   time.Duration
	max    time.Duration

	crashes []time.Time
	until   time.Time
}

func newCrashTracker(window, base, max time.Duration) *crashTracker {
	return &crashTracker{window: window, base: base, max: max}
}

// record registers a crash and returns the cooldown applied:
// min(max, base * 2^(crashes-1)) over crashes within the window.
func (t *crashTracker) record(now time.Time) time.Duration {
	t.prune(now)
	t.crashes = append(t.crashes, now)

	delay := t.base
	for i := 1; i < len(t.crashes) && delay < t.max; i++ {
		delay *= 2
	}
	if delay > t.max {
		delay = t.max
	}
	t.until = now.Add(delay)
	return delay
}

// remaining is how long boots stay rejected. Zero means the gate is open.
func (t *crashTracker) remaining(now time.Time) time.Duration {
	if now.Before(t.until) {
		return t.until.Sub(now)
	}
	return 0
}

func (t *crashTracker) count(now time.Time) int {
	t.prune(now)
	return len(t.crashes)
}

func (t *crashTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.crashes[:0]
	for _, ts := range t.crashes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.crashes = kept
}
