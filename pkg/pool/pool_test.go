package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/synergize/pkg/runtime"
)

func newTestPool(t *testing.T, maxPerModel int) (*Pool, *runtime.FakeRuntime) {
	t.Helper()
	rt := runtime.NewFakeRuntime()
	p, err := New(Config{Runtime: rt, MaxPerModel: maxPerModel}, []runtime.ModelSpec{
		{ID: "gemma", ContextSize: 8192},
		{ID: "qwen", ContextSize: 8192},
	})
	require.NoError(t, err)
	return p, rt
}

func TestAcquire_Immediate(t *testing.T) {
	p, rt := newTestPool(t, 2)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease.Context())
	assert.Equal(t, 1, p.InUse("gemma"))
	assert.Equal(t, 1, rt.CreatedContexts)

	lease.Release()
	assert.Equal(t, 0, p.InUse("gemma"))

	// The freed context is reused, not rebuilt.
	lease2, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.CreatedContexts)
	lease2.Release()
}

func TestAcquire_UnknownModel(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), "mystery", time.Second)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestAcquire_BoundedConcurrency(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)

	// Second acquire must time out while the only slot is held.
	_, err = p.Acquire(context.Background(), "gemma", 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)

	lease.Release()
}

func TestAcquire_ZeroTimeoutFailsImmediately(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	defer lease.Release()

	// Exhausted pool: timeout 0 must fail without queueing.
	started := time.Now()
	_, err = p.Acquire(context.Background(), "gemma", 0)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Less(t, time.Since(started), 100*time.Millisecond)
}

func TestAcquire_ZeroTimeoutTakesFreeSlot(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", 0)
	require.NoError(t, err)
	lease.Release()
}

func TestAcquire_NegativeTimeoutAdoptsDefault(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l, err := p.Acquire(context.Background(), "gemma", -1)
		if err == nil {
			l.Release()
		}
		done <- err
	}()

	// The waiter must still be queued after well past a zero timeout.
	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	lease.Release()
	require.NoError(t, <-done)
}

func TestAcquire_FIFOHandoff(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	acquired := make(chan int, 2)
	for i := range 2 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Stagger so waiter order is deterministic.
			time.Sleep(time.Duration(n+1) * 50 * time.Millisecond)
			l, err := p.Acquire(context.Background(), "gemma", 5*time.Second)
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			acquired <- n
			time.Sleep(20 * time.Millisecond)
			l.Release()
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	lease.Release()
	wg.Wait()
	close(acquired)

	var order []int
	for n := range acquired {
		order = append(order, n)
	}
	require.Len(t, order, 2)
	assert.Equal(t, []int{0, 1}, order, "waiters must be served in FIFO order")
}

func TestRelease_DoubleReleaseIsNoop(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)

	lease.Release()
	lease.Release() // must not panic or corrupt accounting
	assert.Equal(t, 0, p.InUse("gemma"))

	lease2, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	lease2.Release()
}

func TestRelease_PoisonedContextIsRebuilt(t *testing.T) {
	p, rt := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	lease.MarkPoisoned()
	lease.Release()

	assert.Equal(t, 0, p.InUse("gemma"))

	// Next acquire must construct a fresh context.
	lease2, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.CreatedContexts)
	lease2.Release()
}

func TestAcquire_ContextCancellation(t *testing.T) {
	p, _ := newTestPool(t, 1)
	defer p.Shutdown()

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, "gemma", 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestShutdown_DrainsWaiters(t *testing.T) {
	p, _ := newTestPool(t, 1)

	lease, err := p.Acquire(context.Background(), "gemma", time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "gemma", 10*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	p.Shutdown()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not drained on shutdown")
	}

	lease.Release()

	_, err = p.Acquire(context.Background(), "gemma", time.Second)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestAcquire_LeaseReleasedOnAllPaths(t *testing.T) {
	p, _ := newTestPool(t, 2)
	defer p.Shutdown()

	// Churn leases across goroutines; accounting must return to zero.
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), "qwen", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			defer lease.Release()
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, p.InUse("qwen"))
}
