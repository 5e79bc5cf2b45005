package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spankv/pkg/dberrors"
)

func TestLockTable_MutualExclusionAndHandoff(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, []string{"a"}, time.Second))
	require.True(t, lt.Held("a"))

	acquired := make(chan error, 1)
	go func() {
		acquired <- lt.Acquire(ctx, 2, []string{"a"}, time.Second)
	}()

	select {
	case err := <-acquired:
		t.Fatalf("second acquire completed while lock held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	lt.ReleaseAll(1)

	select {
	case err := <-acquired:
		require.NoError(t, err, "lock must be handed to the waiter")
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
	require.True(t, lt.Held("a"))

	lt.ReleaseAll(2)
	require.False(t, lt.Held("a"))
}

func TestLockTable_Reentrant(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, []string{"a"}, time.Second))
	require.NoError(t, lt.Acquire(ctx, 1, []string{"a", "b"}, time.Second))

	lt.ReleaseAll(1)
	require.False(t, lt.Held("a"))
	require.False(t, lt.Held("b"))
}

func TestLockTable_WaitTimeout(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, []string{"a"}, time.Second))

	err := lt.Acquire(ctx, 2, []string{"a"}, 30*time.Millisecond)
	require.ErrorIs(t, err, dberrors.ErrLockConflict)

	// The failed acquire must leave no trace in the wait queue.
	lt.ReleaseAll(1)
	require.False(t, lt.Held("a"))
}

func TestLockTable_ContextCancellation(t *testing.T) {
	lt := NewLockTable()

	require.NoError(t, lt.Acquire(context.Background(), 1, []string{"a"}, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- lt.Acquire(ctx, 2, []string{"a"}, time.Minute)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestLockTable_DeadlockDetected(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, []string{"a"}, time.Second))
	require.NoError(t, lt.Acquire(ctx, 2, []string{"b"}, time.Second))

	// Txn 1 blocks on b (held by 2).
	blocked := make(chan error, 1)
	go func() {
		blocked <- lt.acquireOne(ctx, 1, "b", time.Minute)
	}()
	time.Sleep(30 * time.Millisecond)

	// Txn 2 asking for a would close the cycle 2 -> 1 -> 2.
	err := lt.acquireOne(ctx, 2, "a", time.Minute)
	require.ErrorIs(t, err, dberrors.ErrDeadlock)

	// The victim backs off; txn 1 gets b once txn 2 releases.
	lt.ReleaseAll(2)
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("survivor never acquired the contended lock")
	}
}

func TestLockTable_PartialAcquireRolledBack(t *testing.T) {
	lt := NewLockTable()
	ctx := context.Background()

	require.NoError(t, lt.Acquire(ctx, 1, []string{"b"}, time.Second))

	// Txn 2 grabs a, then times out on b; a must be released too.
	err := lt.Acquire(ctx, 2, []string{"a", "b"}, 30*time.Millisecond)
	require.ErrorIs(t, err, dberrors.ErrLockConflict)
	require.False(t, lt.Held("a"))
	require.True(t, lt.Held("b"))
}
