// ABOUTME: Process-wide mutual exclusion for workflows that must not overlap.
// ABOUTME: Channel-based so acquisition can be abandoned when the caller's context ends.

package worklock

import "context"

// Lock serializes whole workflows: at most one holder at a time, acquisition
// blocks while held, and release happens on every exit path.
type Lock struct {
	sem chan struct{}
}

// New creates an unheld lock.
func New() *Lock {
	return &Lock{sem: make(chan struct{}, 1)}
}

// Do runs fn while holding the lock. It blocks until the lock is acquired or
// ctx ends while still waiting; once fn starts, the lock is released when fn
// returns, panics included.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return fn(ctx)
}

// Held reports whether the lock is currently held. Intended for telemetry;
// the answer may be stale by the time the caller acts on it.
func (l *Lock) Held() bool {
	return len(l.sem) == 1
}
