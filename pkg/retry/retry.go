// Package retry implements the pure retry-decision function shared by both
// x2ssh modes: given how many attempts have already failed, tell the caller
// how long to wait before the next one, or that it should give up.
//
// It intentionally has no side effects (no sleeping, no logging) so that the
// invariants of spec.md §8 are trivial to property-test; pkg/supervisor is
// the one place that actually sleeps on a Decision.
package retry

import "time"

// Unbounded is the MaxAttempts sentinel meaning "never give up."
const Unbounded = -1

// Config is the retry policy. MaxAttempts == Unbounded means Next never
// returns Stop; MaxAttempts == 0 means zero retries are permitted, so the
// very first failure already exhausts the budget (spec.md §8's boundary
// case).
type Config struct {
	InitialDelay   time.Duration
	Backoff        float64
	MaxDelay       time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
}

// Decision is the outcome of Next: either wait for Wait before attempt n+1,
// or Stop because the policy's attempt budget is exhausted.
type Decision struct {
	Wait time.Duration
	Stop bool
}

// Next computes the decision for the attempt that failed at index n (n >= 0,
// the first attempt is n == 0). delay(n) = min(initial * backoff^n, max_delay).
func Next(n int, cfg Config) Decision {
	if cfg.MaxAttempts != Unbounded && n+1 > cfg.MaxAttempts {
		return Decision{Stop: true}
	}
	delay := float64(cfg.InitialDelay)
	backoff := cfg.Backoff
	if backoff < 1 {
		backoff = 1
	}
	for i := 0; i < n; i++ {
		delay *= backoff
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return Decision{Wait: time.Duration(delay)}
}
