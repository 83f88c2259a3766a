package graph

import (
	"fmt"
	"time"
)

// Defaults for engine configuration.
const (
	DefaultMaxSteps       = 20
	DefaultRetryBudget    = 10
	DefaultMaxParallelGPU = 1
	DefaultWaitTick       = 100 * time.Millisecond
)

// Config holds the engine's tunables. Zero values are filled in by
// Validate; construct with DefaultConfig for a ready-to-use instance.
type Config struct {
	// MaxSteps bounds the number of executor advances in one session.
	// Hitting the cap with pending work fails the session explicitly.
	MaxSteps int

	// RetryBudget is the session-wide cap on item retries.
	RetryBudget int

	// MaxParallelGPU caps concurrently running GPU items per session.
	MaxParallelGPU int

	// WaitTick is how long the engine sleeps when the decider reports
	// nothing runnable yet.
	WaitTick time.Duration

	// Root is the base directory for reports and journals.
	Root string

	// RoutingPolicy selects the provider cascade ordering.
	RoutingPolicy string

	// RateLimits overrides per-tool token bucket refill rates.
	RateLimits map[string]float64

	// Timeouts overrides per-tool backend deadlines.
	Timeouts map[string]time.Duration

	// FairnessWindow is the GPU lock's anti-starvation grant window.
	FairnessWindow time.Duration

	// BreakerThreshold and BreakerReset configure backend breakers.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.MaxParallelGPU == 0 {
		c.MaxParallelGPU = DefaultMaxParallelGPU
	}
	if c.WaitTick == 0 {
		c.WaitTick = DefaultWaitTick
	}
	if c.Root == "" {
		c.Root = "."
	}
}

// Validate fills defaults and rejects nonsensical settings.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.MaxSteps < 0 {
		return NewError(CodeConfig, fmt.Sprintf("max steps must be positive, got %d", c.MaxSteps), nil)
	}
	if c.RetryBudget < 0 {
		return NewError(CodeConfig, fmt.Sprintf("retry budget must be positive, got %d", c.RetryBudget), nil)
	}
	if c.MaxParallelGPU < 1 {
		return NewError(CodeConfig, fmt.Sprintf("max parallel gpu must be at least 1, got %d", c.MaxParallelGPU), nil)
	}
	if c.WaitTick <= 0 {
		return NewError(CodeConfig, "wait tick must be positive", nil)
	}
	for tool, rate := range c.RateLimits {
		if rate <= 0 {
			return NewError(CodeConfig, fmt.Sprintf("rate limit for %s must be positive, got %g", tool, rate), nil)
		}
	}
	for tool, d := range c.Timeouts {
		if d <= 0 {
			return NewError(CodeConfig, fmt.Sprintf("timeout for %s must be positive, got %s", tool, d), nil)
		}
	}
	return nil
}
