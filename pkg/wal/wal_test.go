package wal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openWAL(t *testing.T, dir string) *WAL {
	t.Helper()

	w, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		w.Stop()
		require.NoError(t, w.Close())
	})

	return w
}

func TestWAL_AppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := openWAL(t, dir)

	seq1 := w.Append(RecordEntry, []byte("entry-1"))
	seq2 := w.Append(RecordState, []byte("state-1"))
	seq3 := w.Append(RecordEntry, []byte("entry-2"))
	require.Less(t, seq1, seq2)
	require.Less(t, seq2, seq3)

	w.WaitFor(seq3)

	var kinds []RecordKind
	var payloads []string
	err := w.Replay(func(kind RecordKind, data []byte) error {
		kinds = append(kinds, kind)
		payloads = append(payloads, string(data))
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []RecordKind{RecordEntry, RecordState, RecordEntry}, kinds)
	require.Equal(t, []string{"entry-1", "state-1", "entry-2"}, payloads)
}

func TestWAL_ReplaySurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	seq := w.Append(RecordEntry, []byte("persisted"))
	w.WaitFor(seq)

	cancel()
	w.Stop()
	require.NoError(t, w.Close())

	reopened := openWAL(t, dir)

	var got []string
	err = reopened.Replay(func(kind RecordKind, data []byte) error {
		got = append(got, string(data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"persisted"}, got)

	// Sequence numbering continues after the replayed records.
	next := reopened.Append(RecordEntry, []byte("after-reopen"))
	require.Greater(t, next, seq)
	reopened.WaitFor(next)
}

// A single consensus batch can carry far more records than the writer's queue
// holds. Appending the whole batch before the durability barrier must make
// progress regardless of the batch size.
func TestWAL_LargeBatchAppendThenWait(t *testing.T) {
	w := openWAL(t, t.TempDir())

	const batch = 16
	done := make(chan uint64, 1)
	go func() {
		var last uint64
		for i := 0; i < batch; i++ {
			last = w.Append(RecordEntry, []byte(fmt.Sprintf("entry-%d", i)))
		}
		w.WaitFor(last)
		done <- last
	}()

	select {
	case last := <-done:
		require.Equal(t, uint64(batch), last)
	case <-time.After(5 * time.Second):
		t.Fatal("batch never became durable")
	}

	var count int
	require.NoError(t, w.Replay(func(RecordKind, []byte) error {
		count++
		return nil
	}))
	require.Equal(t, batch, count)
}

func TestWAL_DirectoryLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	_ = openWAL(t, dir)

	_, err := New(dir)
	require.ErrorIs(t, err, ErrLocked)
}

func TestWAL_EmptyDirRejected(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
