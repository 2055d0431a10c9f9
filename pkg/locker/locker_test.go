package locker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Acquire(context.Background(), DeployKey("svc-1"), "wf-1"))

	owner, held := r.Holder(DeployKey("svc-1"))
	assert.True(t, held)
	assert.Equal(t, "wf-1", owner)

	r.Release(DeployKey("svc-1"), "wf-1")
	_, held = r.Holder(DeployKey("svc-1"))
	assert.False(t, held)
}

func TestReentrantAcquire(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "k", "wf-1"))
	require.NoError(t, r.Acquire(ctx, "k", "wf-1"))

	// Still held after one release
	r.Release("k", "wf-1")
	_, held := r.Holder("k")
	assert.True(t, held)

	r.Release("k", "wf-1")
	_, held = r.Holder("k")
	assert.False(t, held)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Acquire(context.Background(), "k", "wf-1"))

	r.Release("k", "wf-1")
	r.Release("k", "wf-1") // double release tolerated
	r.Release("k", "other") // non-owner release is a no-op

	assert.True(t, r.TryAcquire("k", "wf-2"))
}

func TestAcquireBlocksUntilReleased(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Acquire(ctx, "k", "wf-1"))

	acquired := make(chan struct{})
	go func() {
		if err := r.Acquire(ctx, "k", "wf-2"); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second owner acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release("k", "wf-1")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken on release")
	}
}

func TestAcquireCancellation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Acquire(context.Background(), "k", "wf-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Acquire(ctx, "k", "wf-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned waiter must not block later releases.
	r.Release("k", "wf-1")
	assert.True(t, r.TryAcquire("k", "wf-3"))
}

func TestTryAcquire(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.TryAcquire("k", "wf-1"))
	assert.False(t, r.TryAcquire("k", "wf-2"))
	assert.True(t, r.TryAcquire("k", "wf-1")) // reentrant

	r.Release("k", "wf-1")
	r.Release("k", "wf-1")
	assert.True(t, r.TryAcquire("k", "wf-2"))
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Acquire(context.Background(), "a", "wf-1"))
	require.NoError(t, r.Acquire(context.Background(), "b", "wf-2"))

	r.Reset()

	assert.True(t, r.TryAcquire("a", "wf-3"))
	assert.True(t, r.TryAcquire("b", "wf-3"))
}

func TestConcurrentOwners(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	var held int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			owner := string(rune('a' + n))
			require.NoError(t, r.Acquire(ctx, "k", owner))
			mu.Lock()
			held++
			assert.Equal(t, 1, held, "mutual exclusion violated")
			held--
			mu.Unlock()
			r.Release("k", owner)
		}(i)
	}
	wg.Wait()
}
