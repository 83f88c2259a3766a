// Package gpu serializes access to scarce GPU-backed operations. Each
// family (e.g. "sd", "anim") is an exclusive lock with a FIFO waiter
// queue and a minimum fairness window between successive grants, so a
// fast-cycling session cannot re-acquire ahead of waiters that had not
// yet enqueued.
package gpu

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultFairnessWindow is the minimum time between grants of one
// family's lock.
const DefaultFairnessWindow = 50 * time.Millisecond

type waiter struct {
	session string
	ready   chan struct{}
	granted bool
}

type family struct {
	holder    string
	lastGrant time.Time
	queue     []*waiter
}

// FairLock is the family-indexed lock. The zero value is not usable;
// construct with NewFairLock.
type FairLock struct {
	window time.Duration

	mu       sync.Mutex
	families map[string]*family
	now      func() time.Time
}

// NewFairLock creates a lock with the given fairness window; window <= 0
// selects DefaultFairnessWindow.
func NewFairLock(window time.Duration) *FairLock {
	if window <= 0 {
		window = DefaultFairnessWindow
	}
	return &FairLock{
		window:   window,
		families: make(map[string]*family),
		now:      time.Now,
	}
}

func (l *FairLock) familyFor(name string) *family {
	f, ok := l.families[name]
	if !ok {
		f = &family{}
		l.families[name] = f
	}
	return f
}

// Acquire enqueues the session on the family's queue and blocks until
// the lock is granted or ctx is cancelled. Grants are strictly FIFO.
func (l *FairLock) Acquire(ctx context.Context, familyName, session string) error {
	w := &waiter{session: session, ready: make(chan struct{})}

	l.mu.Lock()
	f := l.familyFor(familyName)
	f.queue = append(f.queue, w)
	l.grant(f)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	// Cancelled: remove from queue, or release if the grant raced in.
	l.mu.Lock()
	defer l.mu.Unlock()

	if w.granted {
		// The lock was granted between cancellation and cleanup; give
		// it back so the queue keeps moving.
		l.releaseLocked(f)
		return ctx.Err()
	}
	for i, q := range f.queue {
		if q == w {
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			break
		}
	}
	return ctx.Err()
}

// Release frees the family's lock and hands it to the next waiter once
// the fairness window allows.
func (l *FairLock) Release(familyName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(l.familyFor(familyName))
}

func (l *FairLock) releaseLocked(f *family) {
	f.holder = ""
	l.grant(f)
}

// grant hands the lock to the queue head iff no holder exists and the
// fairness window since the previous grant has elapsed. When the window
// has not elapsed, a timer re-runs grant at the boundary. Callers hold
// l.mu.
func (l *FairLock) grant(f *family) {
	if f.holder != "" || len(f.queue) == 0 {
		return
	}

	if !f.lastGrant.IsZero() {
		elapsed := l.now().Sub(f.lastGrant)
		if elapsed < l.window {
			remaining := l.window - elapsed
			time.AfterFunc(remaining, func() {
				l.mu.Lock()
				defer l.mu.Unlock()
				l.grant(f)
			})
			return
		}
	}

	head := f.queue[0]
	f.queue = f.queue[1:]
	f.holder = head.session
	f.lastGrant = l.now()
	head.granted = true
	close(head.ready)
}

// Holder reports which session currently holds the family's lock, or
// "" when it is free.
func (l *FairLock) Holder(familyName string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.families[familyName]; ok {
		return f.holder
	}
	return ""
}

// QueueLen reports how many sessions are waiting on the family.
// Running reports whether the family is currently held.
func (l *FairLock) Running(familyName string) bool {
	return l.Holder(familyName) != ""
}

func (l *FairLock) QueueLen(familyName string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.families[familyName]; ok {
		return len(f.queue)
	}
	return 0
}

// String implements fmt.Stringer for debugging.
func (l *FairLock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("FairLock(window=%s, families=%d)", l.window, len(l.families))
}
