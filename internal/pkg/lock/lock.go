// Package lock provides per-key mutual exclusion. Operations on different
// keys never block each other; operations on the same key are serialized.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a lock could not be obtained before the
// wait bound elapsed.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker runs fn while holding the lock for key. The lock is released when fn
// returns, whatever its outcome.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Keyed is an in-process Locker. Entries are reference counted and dropped
// once no goroutine holds or waits on them.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	e := k.acquireRef(key)
	defer k.releaseRef(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return errors.Join(ErrNotAcquired, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (k *Keyed) acquireRef(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) releaseRef(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports the number of live entries.
func (k *Keyed) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
