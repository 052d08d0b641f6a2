package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/quill/pkg/api"
)

// Executor runs registered activities with retries. Every call to Execute
// produces exactly one ActivityResult.
type Executor struct {
	registry *Registry
	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer
	rnd      func() float64

	mu       sync.Mutex
	inflight map[string]*inflight
}

type inflight struct {
	cancel    context.CancelFunc
	cancelled bool
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithObserver reports every attempt to obs.
func WithObserver(obs api.Observer) ExecutorOption {
	return func(e *Executor) {
		if obs != nil {
			e.observer = obs
		}
	}
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRand replaces the jitter source. rnd must return values in [0,1).
func WithRand(rnd func() float64) ExecutorOption {
	return func(e *Executor) {
		if rnd != nil {
			e.rnd = rnd
		}
	}
}

func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: reg,
		observer: api.NoopObserver{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/petrijr/quill/activity"),
		rnd:      rand.Float64,
		inflight: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "activity-executor")
	return e
}

// Cancel aborts the in-flight execution registered under idempotencyKey.
// It reports whether such an execution was found.
func (e *Executor) Cancel(idempotencyKey string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.inflight[idempotencyKey]
	if !ok {
		return false
	}
	f.cancelled = true
	f.cancel()
	return true
}

func (e *Executor) track(ctx context.Context, key string) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	f := &inflight{cancel: cancel}

	e.mu.Lock()
	e.inflight[key] = f
	e.mu.Unlock()

	return ctx, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inflight[key] == f {
			delete(e.inflight, key)
		}
		cancel()
		return f.cancelled
	}
}

// Execute runs the activity named by req.Name until it succeeds, fails
// permanently, exhausts its retry policy, or is cancelled.
func (e *Executor) Execute(ctx context.Context, req api.ActivityRequest) api.ActivityResult {
	reg, err := e.registry.Lookup(req.Name)
	if err != nil {
		return failure(api.ErrorKindPermanent, err, 0)
	}

	ctx, untrack := e.track(ctx, req.IdempotencyKey)
	defer untrack()

	policy := reg.Retry
	maxAttempts := policy.Attempts()
	log := e.logger.With("workflow_id", req.WorkflowID, "activity", req.Name, "epoch", req.Epoch)

	for attempt := 1; ; attempt++ {
		req.Attempt = attempt
		out, err := e.attempt(ctx, reg, req, policy.Timeout)
		if err == nil {
			return api.ActivityResult{Output: out, Attempts: attempt}
		}

		if ctx.Err() != nil {
			return cancelledResult(ctx, untrack(), attempt)
		}

		if !isTransient(err) {
			log.Warn("activity failed permanently", "attempt", attempt, "error", err)
			return failure(api.ErrorKindPermanent, err, attempt)
		}
		if attempt >= maxAttempts {
			log.Warn("activity retries exhausted", "attempts", attempt, "error", err)
			return failure(api.ErrorKindTransient, fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err), attempt)
		}

		delay := policy.Delay(attempt, e.rnd)
		log.Debug("retrying activity", "attempt", attempt, "delay", delay, "error", err)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cancelledResult(ctx, untrack(), attempt)
			case <-timer.C:
			}
		}
	}
}

func (e *Executor) attempt(ctx context.Context, reg Registration, req api.ActivityRequest, timeout time.Duration) (out map[string]any, err error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	actx, span := e.tracer.Start(actx, "activity."+req.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.id", req.WorkflowID),
		attribute.String("activity.name", req.Name),
		attribute.String("activity.stage", string(req.Stage)),
		attribute.Int64("activity.epoch", req.Epoch),
		attribute.Int("activity.attempt", req.Attempt),
	)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity %q panicked: %v", req.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.observer.OnActivityAttempt(ctx, req, err, time.Since(start))
	}()

	return reg.Guard.Do(actx, func(ctx context.Context) (map[string]any, error) {
		return reg.Fn(ctx, req)
	})
}

func cancelledResult(ctx context.Context, byRequest bool, attempts int) api.ActivityResult {
	if byRequest {
		return failure(api.ErrorKindCancelled, errors.New("activity cancelled"), attempts)
	}
	return failure(api.ErrorKindCancelled, ctx.Err(), attempts)
}

func failure(kind api.ErrorKind, err error, attempts int) api.ActivityResult {
	return api.ActivityResult{
		Err:      &api.ActivityError{Kind: kind, Message: err.Error()},
		Attempts: attempts,
	}
}

// isTransient classifies errors as retryable: explicitly marked errors,
// per-attempt timeouts and an open circuit breaker.
func isTransient(err error) bool {
	switch {
	case api.IsTransient(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	}
	return false
}
