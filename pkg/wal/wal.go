package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"spankv/pkg/listener"
)

// RecordKind discriminates what a WAL record carries.
type RecordKind uint8

const (
	// RecordEntry is a marshalled raft log entry.
	RecordEntry RecordKind = 1
	// RecordState is a marshalled raft hard state (term, vote, commit).
	RecordState RecordKind = 2
)

var ErrLocked = errors.New("spankv: wal directory locked by another process")

// Record is a single durable WAL record.
type Record struct {
	Seq  uint64
	Kind RecordKind
	Data []byte
}

// WAL is the durable, ordered journal of consensus state for one replica.
// Writes are funneled through a single background listener; WaitFor blocks
// until a given sequence number has reached disk.
type WAL struct {
	*listener.Listener[Record]

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	dirLock  *flock.Flock

	seq     atomic.Uint64
	inputCh chan Record

	// durable is the highest sequence number fsynced so far. The writer
	// only ever publishes it, so appends can outrun waiters arbitrarily
	// without blocking the write loop.
	durableMu  sync.Mutex
	durableSig *sync.Cond
	durable    uint64
	stopped    bool
}

// New opens (or creates) the WAL in dir and takes an exclusive lock on the
// directory so two replicas can never share a journal.
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	dirLock := flock.New(filepath.Join(dir, "LOCK"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock WAL directory: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	filePath := filepath.Join(dir, "wal.log")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		_ = dirLock.Unlock()
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
		dirLock:  dirLock,
		inputCh:  make(chan Record, 3),
	}
	w.durableSig = sync.NewCond(&w.durableMu)
	w.Listener = listener.New(w.inputCh, w.writeFile, w.stop)

	return w, nil
}

// Append queues a record for durable write and returns its sequence number.
// The record is on disk once WaitFor returns for that sequence number.
func (w *WAL) Append(kind RecordKind, data []byte) uint64 {
	seq := w.seq.Add(1)
	w.inputCh <- Record{Seq: seq, Kind: kind, Data: data}
	return seq
}

// WaitFor blocks until the record with the given sequence number is durable,
// or until the WAL is stopped.
func (w *WAL) WaitFor(seq uint64) {
	w.durableMu.Lock()
	defer w.durableMu.Unlock()
	for w.durable < seq && !w.stopped {
		w.durableSig.Wait()
	}
}

// called async by the listener for every queued record
func (w *WAL) writeFile(rec Record) error {
	if err := w.writeRecord(rec); err != nil {
		return fmt.Errorf("failed to write WAL record: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	w.durableMu.Lock()
	w.durable = rec.Seq
	w.durableMu.Unlock()
	w.durableSig.Broadcast()

	return nil
}

// Replay streams every record to the callback in write order.
func (w *WAL) Replay(callback func(kind RecordKind, data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before replay: %w", err)
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var lastSeq uint64

	for {
		rec, err := w.readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read WAL record: %w", err)
		}
		lastSeq = rec.Seq

		if err := callback(rec.Kind, rec.Data); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}

	// Continue numbering after the replayed records.
	if cur := w.seq.Load(); lastSeq > cur {
		w.seq.Store(lastSeq)
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	if w.dirLock != nil {
		if err := w.dirLock.Unlock(); err != nil {
			return fmt.Errorf("failed to unlock WAL directory: %w", err)
		}
		w.dirLock = nil
	}

	return nil
}

// on-disk format: seq (8) | kind (1) | len (4) | data

func (w *WAL) writeRecord(rec Record) error {
	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}

	if err := binary.Write(w.writer, binary.LittleEndian, rec.Seq); err != nil {
		return err
	}
	if err := binary.Write(w.writer, binary.LittleEndian, rec.Kind); err != nil {
		return err
	}

	if len(rec.Data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(rec.Data))); err != nil {
		return err
	}
	if _, err := w.writer.Write(rec.Data); err != nil {
		return err
	}

	return nil
}

func (w *WAL) readRecord(reader *bufio.Reader) (Record, error) {
	var rec Record

	if err := binary.Read(reader, binary.LittleEndian, &rec.Seq); err != nil {
		return rec, err
	}
	if err := binary.Read(reader, binary.LittleEndian, &rec.Kind); err != nil {
		return rec, err
	}

	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return rec, err
	}
	rec.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, rec.Data); err != nil {
		return rec, err
	}

	return rec, nil
}

func (w *WAL) stop() {
	close(w.inputCh)

	w.durableMu.Lock()
	w.stopped = true
	w.durableMu.Unlock()
	w.durableSig.Broadcast()
}
