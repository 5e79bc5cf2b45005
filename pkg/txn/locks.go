package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"spankv/pkg/dberrors"
)

type waiter struct {
	txnID uint64
	ready chan struct{}
}

// LockTable is the two-phase-locking heart of the coordinator: exclusive
// per-key locks with FIFO handoff on release, bounded waits, and waits-for
// deadlock detection. Each transaction waits for at most one key at a time,
// so the waits-for graph is a set of chains and cycle detection is a walk.
type LockTable struct {
	mu        sync.Mutex
	owners    map[string]uint64
	waiters   map[string][]*waiter
	waitingOn map[uint64]uint64 // txn id -> txn id currently blocking it
}

func NewLockTable() *LockTable {
	return &LockTable{
		owners:    make(map[string]uint64),
		waiters:   make(map[string][]*waiter),
		waitingOn: make(map[uint64]uint64),
	}
}

// Acquire locks every key for txnID, in sorted order to keep lock ordering
// deterministic across transactions. On any failure the partial acquisition
// is rolled back. A wait longer than maxWait fails with ErrLockConflict; a
// wait that would close a waits-for cycle fails with ErrDeadlock.
func (lt *LockTable) Acquire(ctx context.Context, txnID uint64, keys []string, maxWait time.Duration) error {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		if err := lt.acquireOne(ctx, txnID, key, maxWait); err != nil {
			lt.ReleaseAll(txnID)
			return err
		}
	}
	return nil
}

func (lt *LockTable) acquireOne(ctx context.Context, txnID uint64, key string, maxWait time.Duration) error {
	lt.mu.Lock()

	owner, held := lt.owners[key]
	if !held {
		lt.owners[key] = txnID
		lt.mu.Unlock()
		return nil
	}
	if owner == txnID {
		lt.mu.Unlock()
		return nil
	}

	if lt.wouldDeadlock(txnID, owner) {
		lt.mu.Unlock()
		return dberrors.ErrDeadlock
	}

	w := &waiter{txnID: txnID, ready: make(chan struct{})}
	lt.waiters[key] = append(lt.waiters[key], w)
	lt.waitingOn[txnID] = owner
	lt.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-w.ready:
		// Ownership was handed over in ReleaseAll.
		return nil
	case <-timer.C:
		if lt.abandonWait(txnID, key, w) {
			return nil
		}
		return dberrors.ErrLockConflict
	case <-ctx.Done():
		if lt.abandonWait(txnID, key, w) {
			return nil
		}
		return ctx.Err()
	}
}

// abandonWait removes w from the wait queue. It reports true when the lock
// was handed to w concurrently with the timeout, in which case the caller
// owns the key after all.
func (lt *LockTable) abandonWait(txnID uint64, key string, w *waiter) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	select {
	case <-w.ready:
		return true
	default:
	}

	queue := lt.waiters[key]
	for i, cand := range queue {
		if cand == w {
			lt.waiters[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(lt.waiters[key]) == 0 {
		delete(lt.waiters, key)
	}
	delete(lt.waitingOn, txnID)
	return false
}

// wouldDeadlock walks the waits-for chain from owner; reaching txnID means
// txnID blocking on owner would close a cycle. Callers hold lt.mu.
func (lt *LockTable) wouldDeadlock(txnID, owner uint64) bool {
	cur := owner
	for hops := 0; hops < len(lt.waitingOn)+1; hops++ {
		if cur == txnID {
			return true
		}
		next, ok := lt.waitingOn[cur]
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// ReleaseAll frees every key owned by txnID, handing each to its first
// waiter, and clears the transaction from the waits-for graph.
func (lt *LockTable) ReleaseAll(txnID uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for key, owner := range lt.owners {
		if owner != txnID {
			continue
		}

		queue := lt.waiters[key]
		if len(queue) == 0 {
			delete(lt.owners, key)
			continue
		}

		next := queue[0]
		queue = queue[1:]
		if len(queue) == 0 {
			delete(lt.waiters, key)
		} else {
			lt.waiters[key] = queue
		}

		lt.owners[key] = next.txnID
		delete(lt.waitingOn, next.txnID)
		// Remaining waiters now block on the new owner.
		for _, w := range queue {
			lt.waitingOn[w.txnID] = next.txnID
		}
		close(next.ready)
	}

	delete(lt.waitingOn, txnID)
}

// Held reports whether key is currently locked. Test helper.
func (lt *LockTable) Held(key string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	_, ok := lt.owners[key]
	return ok
}
