package grid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireFreeLock(t *testing.T) {
	lt := NewLockTable(true)

	err := lt.Acquire(context.Background(), 1, "c", "k", time.Now().Add(time.Second))
	require.NoError(t, err)

	holder, held := lt.HolderOf("c", "k")
	require.True(t, held)
	require.EqualValues(t, 1, holder)
}

func TestAcquireReentrant(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(time.Second)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", deadline))
	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", deadline))
	require.Equal(t, 1, lt.HeldBy(1))
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(2 * time.Second)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", deadline))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lt.Acquire(context.Background(), 2, "c", "k", deadline)
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	lt.Release(1, "c", "k")
	require.NoError(t, <-acquired)

	holder, _ := lt.HolderOf("c", "k")
	require.EqualValues(t, 2, holder)
}

func TestAcquireTimesOut(t *testing.T) {
	lt := NewLockTable(true)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", time.Now().Add(time.Second)))

	start := time.Now()
	err := lt.Acquire(context.Background(), 2, "c", "k", time.Now().Add(60*time.Millisecond))
	require.True(t, errors.Is(err, ErrLockTimeout))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireDetectsDeadlock(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(5 * time.Second)

	// txn 1 holds a, txn 2 holds b.
	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "a", deadline))
	require.NoError(t, lt.Acquire(context.Background(), 2, "c", "b", deadline))

	// txn 1 waits for b.
	firstWait := make(chan error, 1)
	go func() {
		firstWait <- lt.Acquire(context.Background(), 1, "c", "b", deadline)
	}()

	// Give the first waiter time to register its edge.
	time.Sleep(50 * time.Millisecond)

	// txn 2 asking for a closes the cycle and must fail fast.
	err := lt.Acquire(context.Background(), 2, "c", "a", deadline)
	require.True(t, errors.Is(err, ErrDeadlock))

	// Breaking the cycle lets txn 1 proceed.
	lt.ReleaseAll(2)
	require.NoError(t, <-firstWait)
}

func TestAcquireHonorsContext(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(5 * time.Second)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", deadline))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lt.Acquire(ctx, 2, "c", "k", deadline)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}

func TestReleaseAll(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(time.Second)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "a", deadline))
	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "b", deadline))
	require.Equal(t, 2, lt.HeldBy(1))

	lt.ReleaseAll(1)
	require.Equal(t, 0, lt.HeldBy(1))

	_, held := lt.HolderOf("c", "a")
	require.False(t, held)
}

func TestReleaseWrongHolderIsNoop(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(time.Second)

	require.NoError(t, lt.Acquire(context.Background(), 1, "c", "k", deadline))
	lt.Release(2, "c", "k")

	holder, held := lt.HolderOf("c", "k")
	require.True(t, held)
	require.EqualValues(t, 1, holder)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	lt := NewLockTable(true)
	deadline := time.Now().Add(10 * time.Second)

	const goroutines = 8
	var wg sync.WaitGroup
	counter := 0

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(txnID uint64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := lt.Acquire(context.Background(), txnID, "c", "shared", deadline); err != nil {
					t.Error(err)
					return
				}
				counter++
				lt.Release(txnID, "c", "shared")
			}
		}(uint64(g + 1))
	}

	wg.Wait()
	require.Equal(t, goroutines*50, counter)
}
