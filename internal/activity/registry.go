// Package activity runs side-effecting pipeline work outside the
// deterministic router: registration, retries with backoff and jitter,
// per-attempt timeouts, rate limiting, circuit breaking and cancellation.
package activity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/quill/pkg/api"
)

// Registration is everything the executor needs to run one activity.
type Registration struct {
	Name  string
	Fn    api.Activity
	Retry api.RetryPolicy
	Guard *Guard
}

// Option customizes a Registration.
type Option func(*Registration)

// WithRetry overrides the default retry policy.
func WithRetry(p api.RetryPolicy) Option {
	return func(r *Registration) { r.Retry = p }
}

// WithGuard wraps every attempt in g.
func WithGuard(g *Guard) Option {
	return func(r *Registration) { r.Guard = g }
}

// Registry maps activity names to implementations. It is built explicitly
// and handed to the executor; there is no package-level registry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Registration)}
}

// Register adds fn under name. Registering a name twice is an error.
func (r *Registry) Register(name string, fn api.Activity, opts ...Option) error {
	if name == "" {
		return fmt.Errorf("activity name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: nil function", name)
	}

	reg := Registration{Name: name, Fn: fn, Retry: api.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.byName[name] = reg
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn api.Activity, opts ...Option) {
	if err := r.Register(name, fn, opts...); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", api.ErrUnknownActivity, name)
	}
	return reg, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
