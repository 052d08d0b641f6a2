package api

import (
	"time"
)

// DefaultMaxAttempts is used when a RetryPolicy leaves MaxAttempts unset.
const DefaultMaxAttempts = 3

// RetryPolicy controls how an activity is retried when it fails transiently.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// The delay before retry n (1-based) is InitialBackoff * BackoffMultiplier^(n-1),
// capped at MaxBackoff, then spread by +/- Jitter (a fraction in [0,1]).
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64

	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
}

// DefaultRetryPolicy returns the policy used for activities registered
// without one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		Timeout:           30 * time.Second,
	}
}

// Attempts returns the effective maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Delay returns the backoff before retry number retry (1 = first retry).
// rnd must return values in [0,1); it is injected so callers control jitter.
func (p RetryPolicy) Delay(retry int, rnd func() float64) time.Duration {
	if p.InitialBackoff <= 0 || retry <= 0 {
		return 0
	}

	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < retry; i++ {
		d *= multiplier
		if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 && rnd != nil {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		// Spread uniformly over [d*(1-j), d*(1+j)).
		d = d * (1 - j + 2*j*rnd())
	}
	return time.Duration(d)
}
