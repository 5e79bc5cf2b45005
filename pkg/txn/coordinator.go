package txn

import (
	"context"
	"sync/atomic"
	"time"

	"spankv/pkg/clock"
	"spankv/pkg/command"
	"spankv/pkg/config"
	"spankv/pkg/consensus"
	"spankv/pkg/dberrors"
	"spankv/pkg/metrics"
	"spankv/pkg/mvcc"
	"spankv/pkg/types"
)

// Coordinator runs read-write transactions with two-phase locking over the
// replicated store and assigns externally-consistent commit timestamps using
// the clock oracle's commit-wait.
type Coordinator struct {
	oracle    *clock.Oracle
	store     *mvcc.Store
	group     consensus.Proposer
	locks     *LockTable
	cfg       config.TxnConfig
	collector metrics.Collector

	ids atomic.Uint64
}

func NewCoordinator(
	oracle *clock.Oracle,
	store *mvcc.Store,
	group consensus.Proposer,
	cfg config.TxnConfig,
	collector metrics.Collector,
) *Coordinator {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Coordinator{
		oracle:    oracle,
		store:     store,
		group:     group,
		locks:     NewLockTable(),
		cfg:       cfg,
		collector: collector,
	}
}

// Begin opens a transaction reading from the snapshot at the latest bound of
// the current clock interval. The snapshot is pinned against GC until the
// transaction finishes. Fails when the clock oracle is no longer trustworthy.
func (c *Coordinator) Begin() (*Txn, error) {
	iv, err := c.oracle.Now()
	if err != nil {
		return nil, err
	}
	startTS := iv.Latest
	c.store.Pin(startTS)
	c.collector.IncCounter("txn_begin_total", 1)

	return &Txn{
		id:      c.ids.Add(1),
		coord:   c,
		startTS: startTS,
		writes:  make(map[string]writeOp),
		state:   StateActive,
	}, nil
}

// ReadAt is a lock-free snapshot read outside any transaction. A zero ts
// reads at the current clock bound.
func (c *Coordinator) ReadAt(key types.Key, ts types.Timestamp) (types.Value, bool, error) {
	if ts == 0 {
		iv, err := c.oracle.Now()
		if err != nil {
			return nil, false, err
		}
		ts = iv.Latest
	}
	value, found := c.store.Get(key, ts)
	return value, found, nil
}

// CommitBatch runs the mutations as one transaction: lock, stamp, replicate,
// commit-wait. Convenience for the auto-commit API surface.
func (c *Coordinator) CommitBatch(ctx context.Context, mutations []command.Mutation) (types.Timestamp, error) {
	if len(mutations) == 0 {
		return 0, dberrors.ErrInvalidArgument
	}

	t, err := c.Begin()
	if err != nil {
		return 0, err
	}
	for _, m := range mutations {
		var err error
		if m.Tombstone {
			err = t.Delete(m.Key)
		} else {
			err = t.Write(m.Key, m.Value)
		}
		if err != nil {
			_ = t.Abort()
			return 0, err
		}
	}
	if err := t.Commit(ctx); err != nil {
		return 0, err
	}
	return t.CommitTS(), nil
}

// chooseCommitTS picks the commit timestamp: the latest bound of the current
// uncertainty interval, bumped past the applied watermark and the
// transaction's own snapshot so per-key versions stay strictly increasing.
func (c *Coordinator) chooseCommitTS(startTS types.Timestamp) (types.Timestamp, error) {
	iv, err := c.oracle.Now()
	if err != nil {
		return 0, err
	}
	ts := iv.Latest
	if wm := c.store.Watermark(); ts <= wm {
		ts = wm + 1
	}
	if ts <= startTS {
		ts = startTS + 1
	}
	return ts, nil
}

func (c *Coordinator) backoff(ctx context.Context, attempt int) error {
	d := c.cfg.RetryBackoff * time.Duration(attempt+1)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
