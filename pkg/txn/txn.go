package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spankv/pkg/command"
	"spankv/pkg/dberrors"
	"spankv/pkg/types"
)

type State uint8

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

type writeOp struct {
	value     []byte
	tombstone bool
}

// Txn is a single read-write transaction. Reads see the snapshot at StartTS
// plus the transaction's own buffered writes; writes are buffered locally and
// only reach the replicated log on Commit. Not safe for concurrent use by
// multiple goroutines.
type Txn struct {
	id    uint64
	coord *Coordinator

	mu       sync.Mutex
	startTS  types.Timestamp
	commitTS types.Timestamp
	writes   map[string]writeOp
	state    State
}

func (t *Txn) StartTS() types.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTS
}

// CommitTS is zero until the transaction commits.
func (t *Txn) CommitTS() types.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commitTS
}

func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Read returns the value of key as of the transaction's snapshot, with the
// transaction's own writes layered on top.
func (t *Txn) Read(key types.Key) (types.Value, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil, false, dberrors.ErrTxnFinished
	}

	if w, ok := t.writes[string(key)]; ok {
		if w.tombstone {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}

	value, found := t.coord.store.Get(key, t.startTS)
	return value, found, nil
}

func (t *Txn) Write(key types.Key, value types.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return dberrors.ErrTxnFinished
	}
	if len(key) == 0 || len(value) == 0 {
		return dberrors.ErrInvalidArgument
	}

	t.writes[string(key)] = writeOp{value: append([]byte(nil), value...)}
	return nil
}

func (t *Txn) Delete(key types.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return dberrors.ErrTxnFinished
	}
	if len(key) == 0 {
		return dberrors.ErrInvalidArgument
	}

	t.writes[string(key)] = writeOp{tombstone: true}
	return nil
}

// Commit drives the write set through the full pipeline: lock the write set,
// validate against committed versions, stamp a commit timestamp, replicate
// through consensus, then sleep out the clock uncertainty. Locks release and
// the call returns only after the commit-wait, so any transaction that begins
// after Commit returns observes a strictly greater timestamp.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return dberrors.ErrTxnFinished
	}

	// Read-only transactions commit at their snapshot without consensus.
	if len(t.writes) == 0 {
		t.commitTS = t.startTS
		t.finishLocked(StateCommitted)
		t.mu.Unlock()
		return nil
	}

	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	c := t.coord

	if err := t.acquireWithRetry(ctx, keys); err != nil {
		t.abortWith(err)
		return err
	}

	// First committer wins: a version newer than our snapshot means a
	// conflicting transaction committed since we began.
	for _, k := range keys {
		if c.store.LatestTS([]byte(k)) > t.StartTS() {
			err := fmt.Errorf("%w: key %q changed since snapshot", dberrors.ErrWriteConflict, k)
			t.abortWith(err)
			return err
		}
	}

	commitTS, err := c.chooseCommitTS(t.StartTS())
	if err != nil {
		t.abortWith(err)
		return err
	}
	cmd := command.New(t.StartTS(), commitTS, t.mutations(keys))

	if err := c.group.Execute(ctx, cmd); err != nil {
		t.abortWith(err)
		return fmt.Errorf("replicate commit: %w", err)
	}

	// The entry is durable and applied; the uncertainty wait makes the
	// commit externally consistent before anyone learns of it.
	waitStart := time.Now()
	waitErr := c.oracle.WaitUntil(ctx, commitTS)
	c.collector.ObserveDuration("txn_commit_wait", time.Since(waitStart))

	c.locks.ReleaseAll(t.id)

	t.mu.Lock()
	t.commitTS = commitTS
	t.finishLocked(StateCommitted)
	t.mu.Unlock()

	if waitErr != nil {
		// The write is durable either way; the caller only loses the
		// external-consistency guarantee of a completed wait.
		return fmt.Errorf("commit wait interrupted (write is durable): %w", waitErr)
	}

	c.collector.IncCounter("txn_commit_total", 1)
	return nil
}

func (t *Txn) acquireWithRetry(ctx context.Context, keys []string) error {
	c := t.coord
	var err error
	for attempt := 0; attempt <= c.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			if berr := c.backoff(ctx, attempt-1); berr != nil {
				return berr
			}
		}
		err = c.locks.Acquire(ctx, t.id, keys, c.cfg.LockWait)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dberrors.ErrLockConflict) {
			return err
		}
	}
	return err
}

func (t *Txn) mutations(keys []string) []command.Mutation {
	t.mu.Lock()
	defer t.mu.Unlock()

	muts := make([]command.Mutation, 0, len(keys))
	for _, k := range keys {
		w := t.writes[k]
		muts = append(muts, command.Mutation{
			Key:       []byte(k),
			Value:     w.value,
			Tombstone: w.tombstone,
		})
	}
	return muts
}

// Abort discards the transaction. Idempotent; aborting a finished
// transaction is a no-op.
func (t *Txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil
	}
	t.coord.locks.ReleaseAll(t.id)
	t.finishLocked(StateAborted)
	return nil
}

func (t *Txn) abortWith(err error) {
	t.coord.locks.ReleaseAll(t.id)

	t.mu.Lock()
	t.finishLocked(StateAborted)
	t.mu.Unlock()

	if dberrors.Retryable(err) {
		t.coord.collector.IncCounter("txn_conflict_total", 1)
	}
}

// finishLocked transitions to a terminal state and unpins the snapshot.
// Callers hold t.mu.
func (t *Txn) finishLocked(state State) {
	t.coord.store.Unpin(t.startTS)
	t.state = state
	if state == StateAborted {
		t.coord.collector.IncCounter("txn_abort_total", 1)
	}
}
