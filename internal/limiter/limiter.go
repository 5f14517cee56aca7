package limiter

import (
	"context"
	"sync"
)

// Limiter bounds how many heavyweight operations (process spawns, working
// copy allocation) run simultaneously, and serializes operations that touch
// the same working-copy path. Waiters on the global bound are released in
// arrival order.
type Limiter struct {
	slots chan struct{}

	mu    sync.Mutex
	paths map[string]*pathLock
}

type pathLock struct {
	refs int
	sem  chan struct{}
}

// New creates a limiter allowing max concurrent operations. A max below one
// is treated as one.
func New(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{
		slots: make(chan struct{}, max),
		paths: make(map[string]*pathLock),
	}
}

// Acquire blocks until a global slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot without blocking, reporting whether it succeeded.
func (l *Limiter) TryAcquire() bool {
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		panic("limiter: release without acquire")
	}
}

// LockPath blocks until the per-path mutex for path is held or ctx is done.
// Two operations against the same working-copy path never run concurrently,
// independent of the global bound.
func (l *Limiter) LockPath(ctx context.Context, path string) error {
	l.mu.Lock()
	pl, ok := l.paths[path]
	if !ok {
		pl = &pathLock{sem: make(chan struct{}, 1)}
		l.paths[path] = pl
	}
	pl.refs++
	l.mu.Unlock()

	select {
	case pl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(path, pl)
		return ctx.Err()
	}
}

// UnlockPath releases the per-path mutex. The entry is dropped once no
// goroutine references it, so the map does not grow with session churn.
func (l *Limiter) UnlockPath(path string) {
	l.mu.Lock()
	pl, ok := l.paths[path]
	l.mu.Unlock()
	if !ok {
		panic("limiter: unlock of unknown path " + path)
	}

	<-pl.sem
	l.unref(path, pl)
}

func (l *Limiter) unref(path string, pl *pathLock) {
	l.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.paths, path)
	}
	l.mu.Unlock()
}

// WithSlot runs fn while holding a global slot.
func (l *Limiter) WithSlot(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// WithPath runs fn while holding the per-path mutex. It never touches the
// global bound; callers that need a slot as well take it first, so the two
// levels always nest slot then path and a single launch consumes one slot.
func (l *Limiter) WithPath(ctx context.Context, path string, fn func() error) error {
	if err := l.LockPath(ctx, path); err != nil {
		return err
	}
	defer l.UnlockPath(path)

	return fn()
}
