package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"segkv/pkg/batch"
	"segkv/pkg/clock"
	"segkv/pkg/compaction"
	"segkv/pkg/config"
	"segkv/pkg/dberrors"
	"segkv/pkg/listener"
	"segkv/pkg/metrics"
	"segkv/pkg/persistence"
	"segkv/pkg/types"
	"segkv/pkg/wal"
)

// DB is an embedded, ordered key-value store. All methods are safe for
// concurrent use.
type DB struct {
	dir     string
	opts    *config.Options
	log     *slog.Logger
	metrics metrics.Collector

	manifest *persistence.Manifest
	cache    *persistence.BlockCacheImpl
	seq      *clock.Sequencer
	// protected holds segment numbers that obsolete-file cleanup must not
	// touch: outputs being written and obsolete segments still being read.
	protected compaction.PendingSet

	// writeMu serializes the mutation path.
	writeMu sync.Mutex

	// mu guards current, wal and bgErr. cond is signaled when a frozen
	// memtable is flushed, on a background error and on Close.
	mu      sync.Mutex
	cond    *sync.Cond
	current *version
	wal     *wal.Writer
	bgErr   error

	// flushMu serializes memtable flushes.
	flushMu sync.Mutex
	// installMu serializes manifest edits with obsolete-file cleanup.
	installMu sync.Mutex
	// opMu lets Close wait for running Flush and Compact calls.
	opMu sync.RWMutex

	closed    atomic.Bool
	flusher   *listener.Listener[struct{}]
	compactor *compaction.Manager
}

// Put sets key to value.
func (d *DB) Put(key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return d.Write(b)
}

// Delete removes key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte) error {
	b := batch.New()
	b.Delete(key)
	return d.Write(b)
}

// Write applies every operation of b atomically: readers observe all of
// them or none. The batch is stamped with its sequence numbers.
func (d *DB) Write(b *batch.WriteBatch) error {
	if d.closed.Load() {
		return dberrors.ErrClosed
	}
	if b == nil || b.Len() == 0 {
		return nil
	}
	if err := b.Validate(); err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := d.makeRoomForWrite(); err != nil {
		return err
	}

	d.mu.Lock()
	mem, journal := d.current.mem, d.wal
	d.mu.Unlock()

	first := d.seq.Assign(b.Len())
	b.SetSequence(first)
	payload := b.Encode()
	if _, err := journal.Append(payload); err != nil {
		d.seq.Rollback(first)
		return fmt.Errorf("failed to append to WAL: %w", err)
	}
	if err := mem.Apply(b); err != nil {
		return fmt.Errorf("failed to apply batch to memtable: %w", err)
	}
	d.seq.Publish(first + uint64(b.Len()) - 1)

	d.metrics.IncCounter(metrics.WritesTotal, nil, float64(b.Len()))
	d.metrics.IncCounter(metrics.WALBytesTotal, nil, float64(len(payload)))
	return nil
}

// Get returns a copy of the newest value of key, or dberrors.ErrNotFound
// if the key is absent or deleted.
func (d *DB) Get(key []byte) ([]byte, error) {
	if d.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, dberrors.InvalidArgument("empty key")
	}

	v, readSeq, err := d.acquire()
	if err != nil {
		return nil, err
	}
	defer v.unref()
	return v.get(key, readSeq)
}

func found(rec types.Record) ([]byte, error) {
	if rec.IsTombstone() {
		return nil, dberrors.ErrNotFound
	}
	return append([]byte{}, rec.Value...), nil
}

// acquire returns the current version with a reference held and the
// highest sequence number visible to a reader starting now.
func (d *DB) acquire() (*version, types.SeqN, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.current
	if v == nil {
		return nil, 0, dberrors.ErrClosed
	}
	v.ref()
	return v, d.seq.Visible(), nil
}

// installLocked makes v current. d.mu must be held.
func (d *DB) installLocked(v *version) {
	old := d.current
	d.current = v
	if old != nil {
		old.unref()
	}
	d.reportSegments(v)
}

func (d *DB) reportSegments(v *version) {
	for level, segs := range v.levels {
		d.metrics.SetGauge(metrics.SegmentsGauge, map[string]string{"level": fmt.Sprint(level)}, float64(len(segs)))
	}
}

// Close stops background work, syncs the WAL and releases every file.
// Data still in memtables is recovered from the WAL on the next Open.
// Calls after the first return dberrors.ErrClosed.
func (d *DB) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}

	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()

	d.compactor.Stop()
	d.flusher.Stop()

	d.opMu.Lock()
	defer d.opMu.Unlock()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var errs []error
	if err := d.wal.Close(); err != nil {
		errs = append(errs, err)
	}

	d.mu.Lock()
	v := d.current
	d.current = nil
	d.mu.Unlock()
	v.unref()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	d.log.Info("database closed", "last_sequence", d.seq.Last())
	return nil
}

// Stats is a point-in-time summary of the engine state.
type Stats struct {
	LastSequence       types.SeqN
	VisibleSequence    types.SeqN
	MemtableBytes      int64
	ImmutableMemtables int
	LevelSegments      []int
	LevelBytes         []int64
	WALNumber          uint64
}

// Stats returns the zero Stats once the database is closed.
func (d *DB) Stats() Stats {
	v, visible, err := d.acquire()
	if err != nil {
		return Stats{}
	}
	defer v.unref()

	d.mu.Lock()
	walNum := d.wal.Number()
	d.mu.Unlock()

	st := Stats{
		LastSequence:       d.seq.Last(),
		VisibleSequence:    visible,
		MemtableBytes:      v.mem.Size(),
		ImmutableMemtables: len(v.imm),
		LevelSegments:      make([]int, len(v.levels)),
		LevelBytes:         make([]int64, len(v.levels)),
		WALNumber:          walNum,
	}
	for _, m := range v.imm {
		st.MemtableBytes += m.Size()
	}
	for i, segs := range v.levels {
		st.LevelSegments[i] = len(segs)
		for _, s := range segs {
			st.LevelBytes[i] += s.Meta().Size
		}
	}
	return st
}

// Flush freezes the active memtable and waits until every frozen memtable
// is written to a segment.
func (d *DB) Flush(ctx context.Context) error {
	if !d.beginOp() {
		return dberrors.ErrClosed
	}
	defer d.opMu.RUnlock()
	return d.flush(ctx)
}

func (d *DB) flush(ctx context.Context) error {
	d.writeMu.Lock()
	d.mu.Lock()
	var err error
	if !d.current.mem.Empty() {
		err = d.rotateLocked()
	}
	d.mu.Unlock()
	d.writeMu.Unlock()
	if err != nil {
		return err
	}
	return d.flushAll(ctx)
}

// Compact flushes the memtables and merges every segment into the last
// level, dropping all tombstones.
func (d *DB) Compact(ctx context.Context) error {
	if !d.beginOp() {
		return dberrors.ErrClosed
	}
	defer d.opMu.RUnlock()

	if err := d.flush(ctx); err != nil {
		return err
	}
	return d.compactor.RunFull(ctx, d.opts.MaxLevels)
}

// beginOp takes opMu for reading unless the database is closed.
func (d *DB) beginOp() bool {
	if d.closed.Load() {
		return false
	}
	d.opMu.RLock()
	if d.closed.Load() {
		d.opMu.RUnlock()
		return false
	}
	return true
}
