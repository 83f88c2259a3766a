// Package router routes LLM calls by caller role through a cascade of
// provider candidates: a primary model plus ordered fallbacks, each
// guarded by a circuit breaker and retried with exponential backoff.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/dshills/mediagraph-go/graph/breaker"
	"github.com/dshills/mediagraph-go/graph/model"
)

// Policy selects the order in which fallback levels are visited. It
// never changes retry semantics within a level.
type Policy string

const (
	// PolicyComplexity visits levels in configured order: primary
	// first, then each fallback. The default.
	PolicyComplexity Policy = "complexity-based"

	// PolicyCost visits the deepest (cheapest) fallback first and the
	// primary last.
	PolicyCost Policy = "cost-optimized"

	// PolicySpeed visits local-provider entries before remote ones,
	// preserving configured order within each group.
	PolicySpeed Policy = "speed-optimized"
)

// ModelSpec identifies one provider candidate and its call parameters.
type ModelSpec struct {
	// Provider names the adapter, e.g. "openai", "anthropic", "google",
	// "local".
	Provider string `json:"provider"`

	// Model is the provider's model identifier.
	Model string `json:"model"`

	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// SystemPrompt, when set, is prepended as a system message unless
	// the conversation already opens with one.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Local marks candidates served on-host; PolicySpeed orders these
	// first.
	Local bool `json:"local,omitempty"`
}

// RoleRoute is the candidate cascade for one caller role.
type RoleRoute struct {
	Primary  ModelSpec   `json:"primary"`
	Fallback []ModelSpec `json:"fallback,omitempty"`
}

// Retry controls per-level attempt behaviour.
type Retry struct {
	// MaxAttempts is the number of tries per level before advancing to
	// the next. Zero means DefaultMaxAttempts.
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt. Zero means
	// DefaultInitialDelay.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after each failed attempt.
	// Zero means DefaultBackoffFactor.
	BackoffFactor float64
}

// Defaults for Retry and jitter.
const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = 500 * time.Millisecond
	DefaultBackoffFactor = 2.0

	// jitterFraction spreads each backoff delay by ±20%.
	jitterFraction = 0.2
)

// Config is the full routing table.
type Config struct {
	Roles  map[string]RoleRoute
	Policy Policy
	Retry  Retry
}

// LevelFailure records why one fallback level was abandoned.
type LevelFailure struct {
	Provider string
	Model    string
	Err      error
}

// AllFallbacksFailedError reports that every candidate level for a role
// was exhausted. Causes holds one entry per visited level, in visit
// order.
type AllFallbacksFailedError struct {
	Role   string
	Causes []LevelFailure
}

func (e *AllFallbacksFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "router: all fallbacks failed for role %q", e.Role)
	for _, c := range e.Causes {
		fmt.Fprintf(&b, "; %s/%s: %v", c.Provider, c.Model, c.Err)
	}
	return b.String()
}

// Unwrap exposes the final level's cause for errors.Is inspection.
func (e *AllFallbacksFailedError) Unwrap() error {
	if len(e.Causes) == 0 {
		return nil
	}
	return e.Causes[len(e.Causes)-1].Err
}

// Router resolves a role to its candidate cascade and invokes providers
// with breaker protection and per-level retries.
type Router struct {
	cfg       Config
	providers map[string]model.ChatModel
	breakers  *breaker.Registry

	// test seams
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64 // uniform in [-1, 1]
}

// New builds a Router over the given provider adapters. The providers
// map is keyed by "provider" or, for provider instances bound to one
// model, "provider/model"; the more specific key wins resolution.
// breakers may be nil, in which case a registry with default settings
// is created.
func New(cfg Config, providers map[string]model.ChatModel, breakers *breaker.Registry) *Router {
	if cfg.Policy == "" {
		cfg.Policy = PolicyComplexity
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = DefaultInitialDelay
	}
	if cfg.Retry.BackoffFactor <= 0 {
		cfg.Retry.BackoffFactor = DefaultBackoffFactor
	}
	if breakers == nil {
		breakers = breaker.NewRegistry()
	}
	return &Router{
		cfg:       cfg,
		providers: providers,
		breakers:  breakers,
		sleep:     sleepCtx,
		jitter:    func() float64 { return rand.Float64()*2 - 1 },
	}
}

// Invoke runs the cascade for role: each candidate level is attempted
// up to Retry.MaxAttempts times with exponential backoff, wrapped in
// the provider's circuit breaker. A short-circuited level is abandoned
// immediately. When every level fails the error is an
// *AllFallbacksFailedError carrying the per-level causes.
func (r *Router) Invoke(ctx context.Context, role string, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	route, ok := r.cfg.Roles[role]
	if !ok {
		return model.ChatOut{}, fmt.Errorf("router: no route for role %q", role)
	}

	levels := orderLevels(r.cfg.Policy, route)
	causes := make([]LevelFailure, 0, len(levels))

	for _, spec := range levels {
		out, err := r.invokeLevel(ctx, spec, messages, tools)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return model.ChatOut{}, ctx.Err()
		}
		causes = append(causes, LevelFailure{Provider: spec.Provider, Model: spec.Model, Err: err})
	}
	return model.ChatOut{}, &AllFallbacksFailedError{Role: role, Causes: causes}
}

// invokeLevel retries one candidate. Short-circuit errors abort the
// level without consuming remaining attempts.
func (r *Router) invokeLevel(ctx context.Context, spec ModelSpec, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	adapter, ok := r.resolve(spec)
	if !ok {
		return model.ChatOut{}, fmt.Errorf("router: no adapter for provider %q", spec.Provider)
	}
	msgs := withSystemPrompt(spec.SystemPrompt, messages)

	var lastErr error
	for attempt := 0; attempt < r.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, r.backoff(attempt-1)); err != nil {
				return model.ChatOut{}, err
			}
		}

		var out model.ChatOut
		err := r.breakers.Execute(ctx, spec.Provider, func(ctx context.Context) error {
			var callErr error
			out, callErr = adapter.Chat(ctx, msgs, tools)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		if errors.Is(err, breaker.ErrShortCircuit) || ctx.Err() != nil {
			return model.ChatOut{}, err
		}
		lastErr = err
	}
	return model.ChatOut{}, lastErr
}

func (r *Router) resolve(spec ModelSpec) (model.ChatModel, bool) {
	if m, ok := r.providers[spec.Provider+"/"+spec.Model]; ok {
		return m, true
	}
	m, ok := r.providers[spec.Provider]
	return m, ok
}

// backoff computes initial × factor^attempt with ±20% jitter, never
// negative.
func (r *Router) backoff(attempt int) time.Duration {
	base := float64(r.cfg.Retry.InitialDelay)
	for i := 0; i < attempt; i++ {
		base *= r.cfg.Retry.BackoffFactor
	}
	d := time.Duration(base * (1 + jitterFraction*r.jitter()))
	if d < 0 {
		d = 0
	}
	return d
}

// orderLevels flattens a route into the policy's visit order.
func orderLevels(p Policy, route RoleRoute) []ModelSpec {
	levels := make([]ModelSpec, 0, 1+len(route.Fallback))
	levels = append(levels, route.Primary)
	levels = append(levels, route.Fallback...)

	switch p {
	case PolicyCost:
		for i, j := 0, len(levels)-1; i < j; i, j = i+1, j-1 {
			levels[i], levels[j] = levels[j], levels[i]
		}
	case PolicySpeed:
		ordered := make([]ModelSpec, 0, len(levels))
		for _, s := range levels {
			if s.Local {
				ordered = append(ordered, s)
			}
		}
		for _, s := range levels {
			if !s.Local {
				ordered = append(ordered, s)
			}
		}
		levels = ordered
	}
	return levels
}

// withSystemPrompt prepends prompt as a system turn unless the
// conversation already opens with one.
func withSystemPrompt(prompt string, messages []model.Message) []model.Message {
	if prompt == "" {
		return messages
	}
	if len(messages) > 0 && messages[0].Role == model.RoleSystem {
		return messages
	}
	out := make([]model.Message, 0, len(messages)+1)
	out = append(out, model.Message{Role: model.RoleSystem, Content: prompt})
	return append(out, messages...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
