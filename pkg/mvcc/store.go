package mvcc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/zhangyunhao116/skipmap"

	"spankv/pkg/clock"
	"spankv/pkg/command"
	"spankv/pkg/types"
)

const btreeDegree = 32

// version is one cell of the multi-versioned map.
type version struct {
	key       string
	ts        types.Timestamp
	value     []byte
	tombstone bool
}

// versions are ordered by key, then by commit timestamp
func versionLess(a, b version) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.ts < b.ts
}

type latestIndex = skipmap.FuncMap[string, uint64]

// Store is the multi-versioned storage engine. Mutations enter only through
// Apply, fed by committed consensus log entries; reads are lock-free against
// a snapshot timestamp.
type Store struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[version]

	// latest commit timestamp per key, readable without taking mu
	latest *latestIndex

	applied   atomic.Uint64
	watermark *clock.Watermark

	pinMu sync.Mutex
	pins  map[types.Timestamp]int
}

func New() *Store {
	return &Store{
		tree: btree.NewG(btreeDegree, versionLess),
		latest: skipmap.NewFunc[string, uint64](func(a, b string) bool {
			return a < b
		}),
		watermark: clock.NewWatermark(0),
		pins:      make(map[types.Timestamp]int),
	}
}

// Apply installs the write set of a committed log entry. Entries must arrive
// in increasing index order; an index at or below the applied watermark is a
// replayed duplicate and is skipped.
func (s *Store) Apply(cmd command.Command, index types.LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(index) <= s.applied.Load() {
		return nil
	}

	for _, m := range cmd.Mutations {
		key := string(m.Key)
		if last, ok := s.latest.Load(key); ok && cmd.CommitTS <= types.Timestamp(last) {
			return fmt.Errorf("non-increasing commit ts for key %q: %d <= %d", key, cmd.CommitTS, last)
		}
	}

	for _, m := range cmd.Mutations {
		v := version{
			key:       string(m.Key),
			ts:        cmd.CommitTS,
			tombstone: m.Tombstone,
		}
		if !m.Tombstone {
			v.value = append([]byte(nil), m.Value...)
		}
		s.tree.ReplaceOrInsert(v)
		s.latest.Store(v.key, uint64(cmd.CommitTS))
	}

	s.applied.Store(uint64(index))
	s.watermark.Observe(cmd.CommitTS)

	return nil
}

// Get returns the newest version of key at or below ts. A tombstone or a
// missing key reads as not found.
func (s *Store) Get(key types.Key, ts types.Timestamp) (types.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pivot := version{key: string(key), ts: ts}
	var found *version
	s.tree.DescendLessOrEqual(pivot, func(v version) bool {
		if v.key == pivot.key {
			found = &v
		}
		return false
	})

	if found == nil || found.tombstone {
		return nil, false
	}
	return append([]byte(nil), found.value...), true
}

// LatestTS returns the newest commit timestamp for key, zero if the key has
// never been written. Safe to call concurrently with Apply.
func (s *Store) LatestTS(key types.Key) types.Timestamp {
	ts, ok := s.latest.Load(string(key))
	if !ok {
		return 0
	}
	return types.Timestamp(ts)
}

// Watermark is the highest commit timestamp applied so far.
func (s *Store) Watermark() types.Timestamp {
	return s.watermark.Val()
}

// AppliedIndex is the index of the last applied log entry.
func (s *Store) AppliedIndex() types.LogIndex {
	return types.LogIndex(s.applied.Load())
}

// Pin marks ts as an active read snapshot, shielding every version visible at
// ts from garbage collection until Unpin.
func (s *Store) Pin(ts types.Timestamp) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	s.pins[ts]++
}

func (s *Store) Unpin(ts types.Timestamp) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pins[ts] <= 1 {
		delete(s.pins, ts)
	} else {
		s.pins[ts]--
	}
}

func (s *Store) minPinned() (types.Timestamp, bool) {
	s.pinMu.Lock()
	defer s.pinMu.Unlock()

	var min types.Timestamp
	var ok bool
	for ts := range s.pins {
		if !ok || ts < min {
			min, ok = ts, true
		}
	}
	return min, ok
}

// Compact drops versions that are no longer visible at or above the floor.
// The effective floor never exceeds the oldest pinned snapshot. For each key
// the newest version at or below the floor survives (it is what a read at the
// floor sees), unless it is a tombstone with nothing newer to shadow.
// Returns the number of versions removed.
func (s *Store) Compact(desired types.Timestamp) int {
	floor := desired
	if min, ok := s.minPinned(); ok && min < floor {
		floor = min
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []version
	var (
		curKey  string
		pending []version // versions <= floor for curKey, oldest first
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		// All but the newest are shadowed; the newest survives unless it
		// is a tombstone.
		victims = append(victims, pending[:len(pending)-1]...)
		if newest := pending[len(pending)-1]; newest.tombstone {
			victims = append(victims, newest)
		}
		pending = pending[:0]
	}

	s.tree.Ascend(func(v version) bool {
		if v.key != curKey {
			flush()
			curKey = v.key
		}
		if v.ts <= floor {
			pending = append(pending, v)
		}
		return true
	})
	flush()

	for _, v := range victims {
		s.tree.Delete(v)
	}

	return len(victims)
}

// Len reports the number of live versions, all keys included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
