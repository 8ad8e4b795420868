package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_ExponentialClamped(t *testing.T) {
	cfg := Config{
		InitialDelay: 1000 * time.Millisecond,
		Backoff:      2,
		MaxDelay:     30000 * time.Millisecond,
		MaxAttempts:  Unbounded,
	}
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for n, w := range want {
		d := Next(n, cfg)
		require.False(t, d.Stop)
		assert.Equal(t, w, d.Wait, "attempt %d", n)
	}
}

func TestNext_ZeroMaxAttemptsExhaustsImmediately(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, Backoff: 2, MaxDelay: 30 * time.Second, MaxAttempts: 0}
	d := Next(0, cfg)
	assert.True(t, d.Stop)
}

func TestNext_FiniteMaxAttempts(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, Backoff: 2, MaxDelay: 30 * time.Second, MaxAttempts: 3}
	assert.False(t, Next(0, cfg).Stop)
	assert.False(t, Next(1, cfg).Stop)
	assert.False(t, Next(2, cfg).Stop)
	assert.True(t, Next(3, cfg).Stop)
}

func TestNext_UnboundedNeverStops(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, Backoff: 1.5, MaxDelay: time.Second, MaxAttempts: Unbounded}
	for n := 0; n < 1000; n++ {
		assert.False(t, Next(n, cfg).Stop)
	}
}

// Property: for all n >= 0 and backoff >= 1, max_delay >= initial, Next(n) is
// monotone non-decreasing until it saturates at MaxDelay, and never exceeds it.
func TestNext_MonotoneAndClamped(t *testing.T) {
	configs := []Config{
		{InitialDelay: 10 * time.Millisecond, Backoff: 1, MaxDelay: time.Second, MaxAttempts: Unbounded},
		{InitialDelay: 5 * time.Millisecond, Backoff: 1.2, MaxDelay: 200 * time.Millisecond, MaxAttempts: Unbounded},
		{InitialDelay: time.Second, Backoff: 3, MaxDelay: time.Second, MaxAttempts: Unbounded},
	}
	for _, cfg := range configs {
		prev := time.Duration(0)
		for n := 0; n < 50; n++ {
			d := Next(n, cfg)
			require.False(t, d.Stop)
			assert.LessOrEqual(t, d.Wait, cfg.MaxDelay)
			assert.GreaterOrEqual(t, d.Wait, prev)
			prev = d.Wait
		}
	}
}
