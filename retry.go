package quill

import "time"

// RetryBuilder builds the RetryPolicy of an activity:
//
//	quill.Options{Activities: map[string]quill.ActivityConfig{
//		api.ActivityDraft: {Retry: quill.Retry(5).
//			WithExponentialBackoff(time.Second, 2, 30*time.Second).
//			WithJitter(0.2).
//			Policy()},
//	}}
//
// Builders are values; every With method returns a modified copy.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a builder allowing up to attempts tries in total. Values
// below one mean a single try.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

func (r RetryBuilder) with(fn func(p *RetryPolicy)) RetryBuilder {
	p := r.policy
	fn(&p)
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff waits initial before the first retry and grows the
// wait by factor (2 when factor <= 0) up to ceiling. A zero ceiling means
// uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, factor float64, ceiling time.Duration) RetryBuilder {
	if factor <= 0 {
		factor = 2
	}
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff = initial, factor, ceiling
	})
}

// WithConstantBackoff waits delay between every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff = delay, 1, 0
	})
}

// WithJitter spreads each delay by +/- fraction (clamped to [0,1]), so
// workflows retrying against the same dependency do not line up.
func (r RetryBuilder) WithJitter(fraction float64) RetryBuilder {
	return r.with(func(p *RetryPolicy) { p.Jitter = min(max(fraction, 0), 1) })
}

// WithAttemptTimeout bounds every single attempt. An attempt that runs out
// of time counts as a transient failure.
func (r RetryBuilder) WithAttemptTimeout(d time.Duration) RetryBuilder {
	return r.with(func(p *RetryPolicy) { p.Timeout = d })
}

// Immediate retries without waiting. The attempt budget and timeout are kept.
func (r RetryBuilder) Immediate() RetryBuilder {
	return r.with(func(p *RetryPolicy) {
		p.InitialBackoff, p.BackoffMultiplier, p.MaxBackoff, p.Jitter = 0, 0, 0, 0
	})
}

func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
