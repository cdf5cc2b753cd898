// Package gate provides the two mutual-exclusion scopes the relay needs:
//
//   - Gate: a reader/writer gate. Routing events hold the shared side;
//     snapshot capture and restore hold the exclusive side.
//   - Keyed: one lock per key (user id), so events for the same user are
//     processed one at a time while different users proceed in parallel.
//
// Both are built on weighted semaphores, so every acquisition honours
// context cancellation. semaphore.Weighted serves waiters in FIFO order,
// which means a pending exclusive acquisition holds back later shared ones
// and a restore cannot be starved by steady traffic.
package gate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxShared is the weight of the exclusive side. No realistic number of
// concurrent routing events gets near it.
const maxShared = 1 << 30

// Gate is a cancellable reader/writer gate.
type Gate struct {
	sem *semaphore.Weighted
}

// New creates an open gate.
func New() *Gate {
	return &Gate{sem: semaphore.NewWeighted(maxShared)}
}

// Shared enters the shared side. Release is idempotent.
func (g *Gate) Shared(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gate: shared: %w", err)
	}
	return sync.OnceFunc(func() { g.sem.Release(1) }), nil
}

// Exclusive waits for all shared holders to leave and blocks new ones until
// release is called.
func (g *Gate) Exclusive(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, maxShared); err != nil {
		return nil, fmt.Errorf("gate: exclusive: %w", err)
	}
	return sync.OnceFunc(func() { g.sem.Release(maxShared) }), nil
}

// Keyed hands out one cancellable mutex per key. Entries are dropped when
// no goroutine holds or waits for them.
type Keyed[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedEntry
}

type keyedEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed creates an empty keyed lock set.
func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{locks: make(map[K]*keyedEntry)}
}

// Lock acquires the mutex for key.
func (k *Keyed[K]) Lock(ctx context.Context, key K) (unlock func(), err error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: semaphore.NewWeighted(1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.unref(key, e)
		return nil, fmt.Errorf("gate: lock %v: %w", key, err)
	}

	return sync.OnceFunc(func() {
		e.sem.Release(1)
		k.unref(key, e)
	}), nil
}

func (k *Keyed[K]) unref(key K, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
