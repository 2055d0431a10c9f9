// Package locker provides process-wide named mutexes gating deploys and
// archival per service and per registry.
package locker

import (
	"context"
	"fmt"
	"sync"
)

// DeployKey returns the semaphore key serialising deploys of a service.
func DeployKey(serviceID string) string {
	return "deploy-service:" + serviceID
}

// RegistryKey returns the semaphore key serialising registry workflows.
func RegistryKey(registryID string) string {
	return "deploy-registry:" + registryID
}

type entry struct {
	owner   string
	depth   int
	waiters []chan struct{}
}

// Registry is a map from string keys to reentrant-per-owner locks. Release
// is idempotent so double-release from compensating cleanup is tolerated.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Acquire blocks until the key is held by owner, or ctx is done. Acquiring
// a key already held by the same owner increments its depth.
func (r *Registry) Acquire(ctx context.Context, key, owner string) error {
	for {
		r.mu.Lock()
		e, ok := r.locks[key]
		if !ok {
			r.locks[key] = &entry{owner: owner, depth: 1}
			r.mu.Unlock()
			return nil
		}
		if e.owner == owner {
			e.depth++
			r.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		e.waiters = append(e.waiters, wait)
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			r.abandonWaiter(key, wait)
			return fmt.Errorf("failed to acquire %q: %w", key, ctx.Err())
		}
	}
}

// TryAcquire acquires the key without blocking, reporting success.
func (r *Registry) TryAcquire(key, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok {
		r.locks[key] = &entry{owner: owner, depth: 1}
		return true
	}
	if e.owner == owner {
		e.depth++
		return true
	}
	return false
}

// Release releases one hold of the key by owner. Releasing a key not held
// by owner is a no-op.
func (r *Registry) Release(key, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok || e.owner != owner {
		return
	}
	e.depth--
	if e.depth > 0 {
		return
	}
	r.release(key, e)
}

// Lock runs fn while holding the key, for cleanup sections outside a
// workflow's ownership.
func (r *Registry) Lock(ctx context.Context, key string, fn func() error) error {
	owner := "lock:" + key
	if err := r.Acquire(ctx, key, owner); err != nil {
		return err
	}
	defer r.Release(key, owner)
	return fn()
}

// Reset force-releases every key. System cleanup only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, e := range r.locks {
		r.release(key, e)
	}
}

// Holder returns the current owner of the key, if any.
func (r *Registry) Holder(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok {
		return "", false
	}
	return e.owner, true
}

// release hands the key to the next waiter or drops it. Caller holds r.mu.
func (r *Registry) release(key string, e *entry) {
	if len(e.waiters) == 0 {
		delete(r.locks, key)
		return
	}
	// Wake every waiter; they race to re-acquire in Acquire's loop.
	for _, w := range e.waiters {
		close(w)
	}
	delete(r.locks, key)
}

func (r *Registry) abandonWaiter(key string, wait chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.locks[key]
	if !ok {
		return
	}
	for i, w := range e.waiters {
		if w == wait {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}
