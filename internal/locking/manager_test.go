package locking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/orcharddb/warden/infrastructure/errors"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"g1", "s1"}))
	assert.ElementsMatch(t, []string{"g1", "s1"}, m.Holds("p1"))

	require.NoError(t, m.Release("p1"))
	assert.Empty(t, m.Holds("p1"))
}

func TestAcquireIsAtomic(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"g1"}))

	// p2 wants g1 and g2; it must hold neither while blocked on g1.
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		_ = m.Acquire(context.Background(), "p2", []string{"g2", "g1"})
		close(done)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, m.Holds("p2"))

	require.NoError(t, m.Release("p1"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("p2 never acquired after release")
	}
	assert.ElementsMatch(t, []string{"g1", "g2"}, m.Holds("p2"))
}

func TestFIFOFairness(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), "p0", []string{"key"}))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	// Start waiters one at a time so their queue positions are fixed.
	for _, holder := range []string{"p1", "p2", "p3"} {
		holder := holder
		ready := make(chan struct{})
		wg.Add(1)
		go func() {
			close(ready)
			require.NoError(t, m.Acquire(context.Background(), holder, []string{"key"}))
			mu.Lock()
			order = append(order, holder)
			mu.Unlock()
			require.NoError(t, m.Release(holder))
			wg.Done()
		}()
		<-ready
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, m.Release("p0"))
	wg.Wait()

	assert.Equal(t, []string{"p1", "p2", "p3"}, order)
}

func TestDisjointSetsDoNotBlock(t *testing.T) {
	m := NewManager()

	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"gA"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Acquire(ctx, "p2", []string{"gB"}))
}

func TestTryAcquire(t *testing.T) {
	m := NewManager()

	assert.True(t, m.TryAcquire("p1", []string{"g1"}))
	assert.False(t, m.TryAcquire("p2", []string{"g1", "g2"}))
	assert.True(t, m.TryAcquire("p3", []string{"g2"}))

	require.NoError(t, m.Release("p1"))
	assert.False(t, m.TryAcquire("p2", []string{"g1", "g2"}), "g2 still owned")
	require.NoError(t, m.Release("p3"))
	assert.True(t, m.TryAcquire("p2", []string{"g1", "g2"}))
}

func TestTryAcquireYieldsToWaiters(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"g1"}))

	started := make(chan struct{})
	go func() {
		close(started)
		_ = m.Acquire(context.Background(), "p2", []string{"g1"})
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// p3 must not jump the queue even though p1 is about to release.
	require.NoError(t, m.Release("p1"))
	assert.False(t, m.TryAcquire("p3", []string{"g1"}))
}

func TestAcquireCanceled(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"g1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Acquire(ctx, "p2", []string{"g1"})
	require.Error(t, err)
	assert.Equal(t, werrors.KindTimeout, werrors.KindOf(err))

	// The abandoned wait must not wedge the queue.
	require.NoError(t, m.Release("p1"))
	assert.True(t, m.TryAcquire("p3", []string{"g1"}))
}

func TestReservationFixesAcquisitionOrder(t *testing.T) {
	m := NewManager()

	// p1 reserves first; even though p2 tries to acquire before p1 does,
	// it cannot jump the queue.
	m.Reserve("p1", []string{"g1"})
	m.Reserve("p2", []string{"g1"})

	assert.False(t, m.TryAcquire("p2", []string{"g1"}))
	assert.True(t, m.TryAcquire("p1", []string{"g1"}))

	require.NoError(t, m.Release("p1"))
	assert.True(t, m.TryAcquire("p2", []string{"g1"}))
	require.NoError(t, m.Release("p2"))
}

func TestAbandonUnblocksQueue(t *testing.T) {
	m := NewManager()

	m.Reserve("p1", []string{"g1"})
	m.Reserve("p2", []string{"g1"})

	m.Abandon("p1")
	assert.True(t, m.TryAcquire("p2", []string{"g1"}))
}

func TestReleaseWithoutLocksIsLockError(t *testing.T) {
	m := NewManager()
	err := m.Release("ghost")
	require.Error(t, err)
	assert.Equal(t, werrors.KindLock, werrors.KindOf(err))
}

func TestCloseWakesWaiters(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Acquire(context.Background(), "p1", []string{"g1"}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Acquire(context.Background(), "p2", []string{"g1"})
	}()
	time.Sleep(20 * time.Millisecond)

	m.Close()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, werrors.KindLock, werrors.KindOf(err))
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
}
