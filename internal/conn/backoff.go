package conn

import "time"

// Default retry policy while reconnecting: 500ms → 1s → 2s → 4s → 8s cap,
// at most 8 heartbeat attempts before giving up.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultMaxAttempts    = 8
)

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the default retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     DefaultInitialBackoff,
		Max:         DefaultMaxBackoff,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait after the given attempt (1-based): Initial doubled
// once per previous attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether attempts have used up the budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

// Budget returns the total time the policy waits before giving up.
func (b Backoff) Budget() time.Duration {
	var total time.Duration
	for i := 1; i <= b.MaxAttempts; i++ {
		total += b.Delay(i)
	}
	return total
}
