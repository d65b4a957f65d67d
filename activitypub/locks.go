package activitypub

import (
	"context"
	"sync"
)

// LockRegistry hands out one mutual-exclusion token per key. Callers only
// wait behind other callers holding the same key.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Unlock releases an acquired key. Calling it more than once is a no-op.
type Unlock func()

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*keyLock)}
}

// Acquire blocks until key is free or ctx is done.
func (r *LockRegistry) Acquire(ctx context.Context, key string) (Unlock, error) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		r.release(key, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key, l, true) })
	}, nil
}

func (r *LockRegistry) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// With runs f while holding key and releases it on every exit path.
func (r *LockRegistry) With(ctx context.Context, key string, f func() error) error {
	unlock, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return f()
}

// Len returns the number of keys currently held or awaited.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
