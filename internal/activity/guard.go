package activity

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/petrijr/quill/pkg/api"
)

// GuardConfig configures rate limiting and circuit breaking for one
// activity. Zero values disable the corresponding guard.
type GuardConfig struct {
	// RatePerSecond limits attempt starts. Burst defaults to 1.
	RatePerSecond float64
	Burst         int

	// FailureThreshold opens the breaker after that many consecutive
	// transient failures.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before letting
	// HalfOpenRequests trial calls through.
	OpenTimeout      time.Duration
	HalfOpenRequests uint32

	OnStateChange func(name string, from, to gobreaker.State)
}

// Guard protects an external dependency shared by many workflows.
type Guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard builds a guard named after the protected dependency.
func NewGuard(name string, cfg GuardConfig) *Guard {
	g := &Guard{}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.FailureThreshold > 0 {
		threshold := cfg.FailureThreshold
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			// Permanent failures are the caller's fault, not the dependency's.
			IsSuccessful: func(err error) bool {
				return err == nil || !isTransient(err)
			},
			OnStateChange: cfg.OnStateChange,
		})
	}
	return g
}

// State reports the breaker state, or StateClosed when there is no breaker.
func (g *Guard) State() gobreaker.State {
	if g == nil || g.breaker == nil {
		return gobreaker.StateClosed
	}
	return g.breaker.State()
}

// Do runs fn under the limiter and breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	if g == nil {
		return fn(ctx)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			// Wait fails early when the deadline cannot be met.
			return nil, api.Transient(err)
		}
	}
	if g.breaker == nil {
		return fn(ctx)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, api.Transient(err)
		}
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}
