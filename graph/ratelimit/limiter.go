// Package ratelimit provides a per-tool token bucket whose state lives
// in durable storage, so the limit holds across workers and restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/mediagraph-go/graph/store"
)

// DefaultRate is the tokens-per-second budget for tools without an
// explicit rate.
const DefaultRate = 5.0

// Limiter implements the token bucket. Capacity equals the rate, so a
// tool can burst at most one second's worth of calls. The
// read-modify-write of the bucket row is serialized per tool; waiting
// happens outside the critical section.
type Limiter struct {
	store store.BucketStore
	rates map[string]float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter over the given bucket store. rates maps
// tool names to tokens/sec; tools not listed use DefaultRate.
func NewLimiter(s store.BucketStore, rates map[string]float64) *Limiter {
	return &Limiter{
		store: s,
		rates: rates,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) rateFor(tool string) float64 {
	if r, ok := l.rates[tool]; ok && r > 0 {
		return r
	}
	return DefaultRate
}

func (l *Limiter) lockFor(tool string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[tool]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tool] = m
	}
	return m
}

// Acquire blocks until one token is available for tool, then consumes
// it. Returns early only on context cancellation or a store error.
func (l *Limiter) Acquire(ctx context.Context, tool string) error {
	rate := l.rateFor(tool)
	toolLock := l.lockFor(tool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, err := l.tryTake(ctx, tool, rate, toolLock)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryTake replenishes and either consumes a token (wait=0) or reports
// how long to wait before retrying.
func (l *Limiter) tryTake(ctx context.Context, tool string, rate float64, toolLock *sync.Mutex) (time.Duration, error) {
	toolLock.Lock()
	defer toolLock.Unlock()

	now := float64(l.now().UnixNano()) / float64(time.Second)

	b, ok, err := l.store.GetBucket(ctx, tool)
	if err != nil {
		return 0, err
	}
	if !ok {
		b = store.Bucket{Tokens: rate, UpdatedAt: now}
	}

	elapsed := now - b.UpdatedAt
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := b.Tokens + elapsed*rate
	if tokens > rate {
		tokens = rate
	}

	if tokens < 1 {
		// Persist the replenished level so parallel workers see it.
		if err := l.store.PutBucket(ctx, tool, store.Bucket{Tokens: tokens, UpdatedAt: now}); err != nil {
			return 0, err
		}
		wait := time.Duration((1 - tokens) / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, nil
	}

	if err := l.store.PutBucket(ctx, tool, store.Bucket{Tokens: tokens - 1, UpdatedAt: now}); err != nil {
		return 0, err
	}
	return 0, nil
}
