package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"segkv/pkg/dberrors"
	"segkv/pkg/memtable"
	"segkv/pkg/metrics"
	"segkv/pkg/persistence"
	"segkv/pkg/types"
	"segkv/pkg/wal"
)

// makeRoomForWrite rotates the active memtable once it is full, stalling
// the writer while too many frozen memtables wait for flush.
// d.writeMu must be held.
func (d *DB) makeRoomForWrite() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		switch {
		case d.closed.Load():
			return dberrors.ErrClosed
		case d.bgErr != nil:
			return d.bgErr
		case !d.current.mem.ShouldFlush():
			return nil
		case d.opts.BackgroundFlush && len(d.current.imm) >= d.opts.MaxImmutableMemtables:
			d.metrics.IncCounter(metrics.WriteStallsTotal, nil, 1)
			d.log.Debug("write stalled, waiting for memtable flush", "immutable", len(d.current.imm))
			d.flusher.Submit(struct{}{})
			d.cond.Wait()
		default:
			if err := d.rotateLocked(); err != nil {
				return err
			}
			if d.opts.BackgroundFlush {
				d.flusher.Submit(struct{}{})
				continue
			}
			d.mu.Unlock()
			err := d.flushAll(context.Background())
			d.mu.Lock()
			if err != nil {
				return err
			}
		}
	}
}

// rotateLocked freezes the active memtable and starts a new one backed
// by a fresh WAL file. d.writeMu and d.mu must be held.
func (d *DB) rotateLocked() error {
	num := d.manifest.NewFileNumber()
	next, err := wal.Create(d.dir, num, d.walOptions())
	if err != nil {
		return err
	}
	if err := d.wal.Sync(); err != nil {
		if cerr := next.Close(); cerr != nil {
			d.log.Warn("failed to close unused WAL", "error", cerr)
		}
		d.removeFile(next.Path())
		return err
	}
	if err := d.wal.Close(); err != nil {
		d.log.Warn("failed to close rotated WAL", "file", d.wal.Number(), "error", err)
	}
	d.wal = next

	cur := d.current
	cur.mem.Freeze()
	imm := append([]*memtable.Memtable{cur.mem}, cur.imm...)
	d.installLocked(newVersion(memtable.New(d.opts.MemtableSizeLimit, num), imm, cur.copyLevels()))
	return nil
}

// flushAll flushes frozen memtables, oldest first, until none is left.
func (d *DB) flushAll(ctx context.Context) error {
	for {
		ok, err := d.flushOldest(ctx)
		if err != nil || !ok {
			return err
		}
	}
}

// handleFlush is the background flusher. A failure other than
// cancellation is sticky: writers get it from then on.
func (d *DB) handleFlush(ctx context.Context, _ struct{}) error {
	err := d.flushAll(ctx)
	if err == nil || (errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		return err
	}

	d.mu.Lock()
	if d.bgErr == nil {
		d.bgErr = fmt.Errorf("background flush failed: %w", err)
	}
	d.cond.Broadcast()
	d.mu.Unlock()
	return err
}

// flushOldest writes the oldest frozen memtable to a level-0 segment and
// installs it. It reports false when nothing was left to flush.
func (d *DB) flushOldest(ctx context.Context) (bool, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	cur := d.current
	if len(cur.imm) == 0 {
		d.mu.Unlock()
		return false, nil
	}
	mem := cur.imm[len(cur.imm)-1]
	// WAL files older than the next unflushed memtable become obsolete.
	logNumber := cur.mem.LogNumber()
	if len(cur.imm) > 1 {
		logNumber = cur.imm[len(cur.imm)-2].LogNumber()
	}
	d.mu.Unlock()

	start := time.Now()
	seg, err := d.writeLevel0(ctx, mem)
	if err != nil {
		return false, err
	}

	d.installMu.Lock()
	err = d.manifest.Update(func(m *persistence.ManifestData) {
		if seg != nil {
			m.Segments = append(m.Segments, seg.Meta())
		}
		m.LogNumber = logNumber
		m.LastSequence = max(m.LastSequence, mem.MaxSeq())
	})
	if err != nil {
		d.installMu.Unlock()
		if seg != nil {
			d.protected.Remove(seg.Number())
			seg.MarkObsolete(nil)
			seg.Unref()
		}
		return false, err
	}

	d.mu.Lock()
	cur = d.current
	levels := cur.copyLevels()
	if seg != nil {
		levels[0] = append(levels[0], seg)
	}
	imm := slices.Clone(cur.imm[:len(cur.imm)-1])
	d.installLocked(newVersion(cur.mem, imm, levels))
	d.cond.Broadcast()
	d.mu.Unlock()
	d.installMu.Unlock()

	if seg != nil {
		d.protected.Remove(seg.Number())
		seg.Unref()
		d.log.Info("memtable flushed",
			"segment", seg.Number(),
			"records", seg.Meta().Count,
			"bytes", seg.Meta().Size,
			"duration", time.Since(start),
		)
	}
	d.metrics.IncCounter(metrics.FlushesTotal, nil, 1)
	d.metrics.ObserveHistogram(metrics.FlushSeconds, nil, time.Since(start).Seconds())

	d.removeObsoleteFiles()
	d.maybeCompact()
	return true, nil
}

// writeLevel0 writes the newest version of every key in mem to a new
// segment. It returns nil for an empty memtable. The segment number stays
// protected until the caller releases it.
func (d *DB) writeLevel0(ctx context.Context, mem *memtable.Memtable) (*persistence.Segment, error) {
	recs := mem.Sorted()
	if len(recs) == 0 {
		return nil, nil
	}

	num := d.manifest.NewFileNumber()
	d.protected.Add(num)
	seg, err := d.buildSegment(ctx, num, recs)
	if err != nil {
		d.protected.Remove(num)
		return nil, fmt.Errorf("failed to flush memtable: %w", err)
	}
	return seg, nil
}

func (d *DB) buildSegment(ctx context.Context, num uint64, recs []types.Record) (*persistence.Segment, error) {
	w, err := persistence.CreateSegment(d.dir, num, d.writerOptions())
	if err != nil {
		return nil, err
	}
	for i, rec := range recs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				w.Abort()
				return nil, err
			}
		}
		if err := w.Add(rec); err != nil {
			w.Abort()
			return nil, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		return nil, err
	}
	meta.Level = 0
	meta.Run = num

	seg, err := persistence.OpenSegment(d.dir, meta, d.cache)
	if err != nil {
		d.removeFile(w.Path())
		return nil, err
	}
	return seg, nil
}

func (d *DB) walOptions() wal.Options {
	return wal.Options{
		SyncOnWrite:  d.opts.SyncOnWrite,
		BytesPerSync: d.opts.WALBytesPerSync,
		Logger:       d.log,
	}
}

func (d *DB) writerOptions() persistence.WriterOptions {
	return persistence.WriterOptions{
		BlockSize:       d.opts.BlockSize,
		BloomBitsPerKey: d.opts.BloomBitsPerKey,
	}
}
