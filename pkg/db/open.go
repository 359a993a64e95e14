package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipset"

	"segkv/internal/fileutil"
	"segkv/pkg/clock"
	"segkv/pkg/compaction"
	"segkv/pkg/config"
	"segkv/pkg/dberrors"
	"segkv/pkg/listener"
	"segkv/pkg/memtable"
	"segkv/pkg/metrics"
	"segkv/pkg/persistence"
	"segkv/pkg/wal"
)

// Open opens the database in path, recovering any data left in WAL files
// by a previous process. A nil opts means config.Default().
func Open(path string, opts *config.Options) (*DB, error) {
	if opts == nil {
		opts = config.Default()
	} else {
		opts = opts.Clone()
		opts.FillDefaults()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = config.NewLogger(opts.Logger, os.Stderr)
	}
	mc := opts.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	if err := prepareDir(path, opts.CreateIfMissing); err != nil {
		return nil, err
	}

	d := &DB{
		dir:       path,
		opts:      opts,
		log:       log.With("component", "db", "path", path),
		metrics:   mc,
		manifest:  persistence.NewManifest(path),
		cache:     persistence.NewBlockCache(opts.BlockCacheCapacity),
		protected: skipset.New[uint64](),
	}
	d.cond = sync.NewCond(&d.mu)

	if err := d.recover(); err != nil {
		return nil, err
	}

	d.flusher = listener.New("flush", 1, d.handleFlush, d.log)
	if opts.BackgroundFlush {
		d.flusher.Start(context.Background())
	}

	planner := compaction.TieredPlanner{
		FanoutThreshold: opts.CompactionFanoutThreshold,
		BaseBytes:       opts.MemtableSizeLimit,
		SizeMultiplier:  opts.CompactionSizeMultiplier,
		MaxLevels:       opts.MaxLevels,
	}
	compactor := compaction.NewMergeCompactor(d, compaction.Options{
		Dir:               path,
		Writer:            d.writerOptions(),
		TargetSegmentSize: opts.TargetSegmentSize,
		Pending:           d.protected,
		Logger:            d.log,
		Metrics:           mc,
	})
	d.compactor = compaction.NewManager(d, planner, compactor, compaction.ManagerOptions{
		RetryBackoff: opts.CompactionRetryBackoff,
		MaxBackoff:   opts.CompactionMaxBackoff,
		Logger:       d.log,
		Metrics:      mc,
	})
	d.compactor.Start(context.Background())
	d.maybeCompact()

	st := d.manifest.Data()
	d.log.Info("database opened",
		"db_id", st.DBID,
		"segments", len(st.Segments),
		"last_sequence", d.seq.Last(),
		"wal", d.wal.Number(),
	)
	return d, nil
}

func prepareDir(path string, create bool) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !create {
			return dberrors.InvalidArgument("database %s does not exist", path)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return dberrors.WrapIO("mkdir", path, err)
		}
		return nil
	case err != nil:
		return dberrors.WrapIO("stat", path, err)
	case !info.IsDir():
		return dberrors.InvalidArgument("%s is not a directory", path)
	}
	return nil
}

// recover loads the manifest, opens live segments and replays WAL files
// into level-0 segments. On success d has a current version, a sequencer
// and a fresh WAL.
func (d *DB) recover() error {
	ok, err := d.manifest.Load()
	if err != nil {
		return err
	}
	if !ok {
		if err := d.manifest.Update(func(m *persistence.ManifestData) {
			m.DBID = uuid.New().String()
		}); err != nil {
			return err
		}
		d.log.Info("created new database")
	}

	levels, err := d.openSegments()
	if err != nil {
		return err
	}
	// until the first version exists the opened segments are owned here
	release := func() {
		for _, segs := range levels {
			for _, s := range segs {
				s.Unref()
			}
		}
	}

	logs, err := d.scanFiles()
	if err != nil {
		release()
		return err
	}

	levels, err = d.replayLogs(logs, levels)
	if err != nil {
		release()
		return err
	}

	d.current = newVersion(memtable.New(d.opts.MemtableSizeLimit, d.wal.Number()), nil, levels)
	release()
	d.reportSegments(d.current)

	d.removeObsoleteFiles()
	return nil
}

func (d *DB) openSegments() ([][]*persistence.Segment, error) {
	st := d.manifest.Data()
	n := d.opts.MaxLevels
	for _, m := range st.Segments {
		n = max(n, m.Level+1)
	}
	levels := make([][]*persistence.Segment, n)
	for _, m := range st.Segments {
		s, err := persistence.OpenSegment(d.dir, m, d.cache)
		if err != nil {
			for _, segs := range levels {
				for _, s := range segs {
					s.Unref()
				}
			}
			return nil, fmt.Errorf("failed to open segment %d: %w", m.Number, err)
		}
		levels[m.Level] = append(levels[m.Level], s)
	}
	return levels, nil
}

// scanFiles reserves every file number found on disk and returns the WAL
// numbers that still need replay, ascending.
func (d *DB) scanFiles() ([]uint64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, dberrors.WrapIO("readdir", d.dir, err)
	}
	st := d.manifest.Data()

	var logs []uint64
	for _, e := range entries {
		typ, num := fileutil.ParseName(e.Name())
		switch typ {
		case fileutil.TypeLog:
			d.manifest.MarkFileNumberUsed(num)
			if num >= st.LogNumber {
				logs = append(logs, num)
			}
		case fileutil.TypeSegment:
			d.manifest.MarkFileNumberUsed(num)
		}
	}
	slices.Sort(logs)
	return logs, nil
}

// replayLogs rebuilds the memtable contents from logs, writing a level-0
// segment whenever the memtable fills up, and switches to a new WAL.
func (d *DB) replayLogs(logs []uint64, levels [][]*persistence.Segment) ([][]*persistence.Segment, error) {
	st := d.manifest.Data()
	lastSeq := st.LastSequence
	ctx := context.Background()

	var (
		mem      = memtable.New(d.opts.MemtableSizeLimit, 0)
		replayed int
	)
	flushMem := func(edit func(*persistence.ManifestData)) error {
		seg, err := d.writeLevel0(ctx, mem)
		if err != nil {
			return err
		}
		err = d.manifest.Update(func(m *persistence.ManifestData) {
			if seg != nil {
				m.Segments = append(m.Segments, seg.Meta())
			}
			m.LastSequence = max(m.LastSequence, mem.MaxSeq())
			if edit != nil {
				edit(m)
			}
		})
		if seg != nil {
			d.protected.Remove(seg.Number())
		}
		if err != nil {
			if seg != nil {
				seg.MarkObsolete(nil)
				seg.Unref()
			}
			return err
		}
		if seg != nil {
			levels[0] = append(levels[0], seg)
		}
		return nil
	}

	for _, num := range logs {
		path := fileutil.LogPath(d.dir, num)
		for b, err := range wal.Replay(path) {
			if err != nil {
				return levels, fmt.Errorf("failed to replay WAL %d: %w", num, err)
			}
			if b.Len() == 0 || b.Sequence()+uint64(b.Len())-1 <= st.LastSequence {
				continue
			}
			if err := mem.Apply(b); err != nil {
				return levels, fmt.Errorf("failed to replay WAL %d: %w", num, err)
			}
			lastSeq = max(lastSeq, mem.MaxSeq())
			replayed++

			if mem.ShouldFlush() {
				if err := flushMem(nil); err != nil {
					return levels, err
				}
				mem = memtable.New(d.opts.MemtableSizeLimit, num)
			}
		}
	}

	d.seq = clock.NewSequencer(lastSeq)

	walNum := d.manifest.NewFileNumber()
	w, err := wal.Create(d.dir, walNum, d.walOptions())
	if err != nil {
		return levels, err
	}
	if err := flushMem(func(m *persistence.ManifestData) { m.LogNumber = walNum }); err != nil {
		if cerr := w.Close(); cerr != nil {
			d.log.Warn("failed to close WAL", "error", cerr)
		}
		return levels, err
	}
	d.wal = w

	if replayed > 0 {
		d.log.Info("recovered WAL", "logs", len(logs), "batches", replayed, "last_sequence", lastSeq)
	}
	return levels, nil
}
