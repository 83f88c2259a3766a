// Package breaker guards external backends with per-backend circuit
// breakers. Closed breakers pass calls through and count consecutive
// failures; tripping opens the breaker, which fails fast until the
// reset timeout admits a single half-open probe.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrShortCircuit marks a call rejected without reaching the backend
// because its breaker is open (or a half-open probe is already in
// flight). Short circuits are not backend failures: the router skips to
// the next fallback level immediately.
var ErrShortCircuit = errors.New("breaker: short-circuited")

// Defaults per the orchestrator's configuration surface.
const (
	DefaultThreshold    = 5
	DefaultResetTimeout = 30 * time.Second
)

// StateChange reports a breaker transition for metrics and eventing.
type StateChange struct {
	Backend string
	From    string
	To      string
}

// Registry owns one breaker per backend name, created lazily with
// shared settings. Safe for concurrent use.
type Registry struct {
	threshold    uint32
	resetTimeout time.Duration
	onChange     func(StateChange)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures a Registry.
type Option func(*Registry)

// WithThreshold sets the consecutive-failure count that trips a
// breaker.
func WithThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = uint32(n)
		}
	}
}

// WithResetTimeout sets how long an open breaker waits before admitting
// a half-open probe.
func WithResetTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.resetTimeout = d
		}
	}
}

// WithStateChange installs a transition callback.
func WithStateChange(fn func(StateChange)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates a registry with the default threshold and reset
// timeout unless overridden.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		threshold:    DefaultThreshold,
		resetTimeout: DefaultResetTimeout,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) breakerFor(backend string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[backend]
	if !ok {
		settings := gobreaker.Settings{
			Name: backend,
			// Exactly one probe is admitted while half-open.
			MaxRequests: 1,
			Timeout:     r.resetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= r.threshold
			},
		}
		if r.onChange != nil {
			onChange := r.onChange
			settings.OnStateChange = func(name string, from, to gobreaker.State) {
				onChange(StateChange{Backend: name, From: from.String(), To: to.String()})
			}
		}
		cb = gobreaker.NewCircuitBreaker(settings)
		r.breakers[backend] = cb
	}
	return cb
}

// Execute runs fn under the backend's breaker. An open breaker returns
// ErrShortCircuit without invoking fn; fn's own error passes through
// unchanged (and counts as a failure).
func (r *Registry) Execute(ctx context.Context, backend string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := r.breakerFor(backend).Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: backend %s", ErrShortCircuit, backend)
	}
	return err
}

// State reports the backend's breaker state ("closed", "half-open",
// "open"). A backend with no breaker yet reads as closed.
func (r *Registry) State(backend string) string {
	r.mu.Lock()
	cb, ok := r.breakers[backend]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
