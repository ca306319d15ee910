package durable

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds one step invocation. It is attached to the step, not
// shared globally.
type RetryPolicy struct {
	// MaxAttempts is the total number of effect invocations allowed.
	MaxAttempts int

	// AttemptTimeout bounds the wall time of a single attempt. Zero means
	// the attempt is bounded only by the caller's context.
	AttemptTimeout time.Duration

	// InitialBackoff is the wait after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the wait after each failed attempt.
	Multiplier float64
}

// Default policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 5 * time.Second
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultMultiplier     = 2.0
)

// DefaultPolicy returns the policy used when a step does not specify one.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		AttemptTimeout: DefaultAttemptTimeout,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

// WithAttempts returns a copy of p allowing n attempts.
func (p RetryPolicy) WithAttempts(n int) RetryPolicy {
	p.MaxAttempts = n
	return p
}

// WithAttemptTimeout returns a copy of p with a per-attempt timeout.
func (p RetryPolicy) WithAttemptTimeout(d time.Duration) RetryPolicy {
	p.AttemptTimeout = d
	return p
}

// Validate rejects policies that would retry forever or spin.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("retry policy: attempt timeout must be >= 0, got %s", p.AttemptTimeout)
	}
	if p.InitialBackoff <= 0 {
		return fmt.Errorf("retry policy: initial backoff must be > 0, got %s", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("retry policy: max backoff %s is below initial backoff %s", p.MaxBackoff, p.InitialBackoff)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry policy: multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// newBackOff builds the wait schedule. Jitter is disabled so consecutive
// waits never shrink; MaxBackoff bounds them.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	bo.Reset()
	return bo
}

// Delays returns the waits that follow each failed attempt when every
// attempt fails, MaxAttempts-1 entries.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return []time.Duration{}
	}
	bo := p.newBackOff()
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, bo.NextBackOff())
	}
	return delays
}
