package compaction

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"segkv/internal/fileutil"
	"segkv/pkg/iterator"
	"segkv/pkg/metrics"
	"segkv/pkg/persistence"
	"segkv/pkg/types"
)

// Host is the database side of a compaction.
type Host interface {
	// Levels lists live segment metadata per level.
	Levels() [][]persistence.SegmentMeta
	// AcquireSegments returns every live segment with a reference held
	// until release is called.
	AcquireSegments() (segs []*persistence.Segment, release func())
	NewFileNumber() uint64
	// InstallCompaction atomically replaces the task inputs with outputs.
	InstallCompaction(task Task, outputs []persistence.SegmentMeta) error
}

// PendingSet tracks file numbers of segments being written so that
// obsolete-file cleanup leaves them alone.
type PendingSet interface {
	Add(num uint64) bool
	Remove(num uint64) bool
	Contains(num uint64) bool
}

// Compactor performs compactions.
type Compactor interface {
	Run(ctx context.Context, task Task) error
}

type Options struct {
	Dir               string
	Writer            persistence.WriterOptions
	TargetSegmentSize int64
	Pending           PendingSet
	Logger            *slog.Logger
	Metrics           metrics.Collector
}

// MergeCompactor rewrites the inputs of a task through a raw merge
// iterator, keeping the newest version of every key.
type MergeCompactor struct {
	host    Host
	opts    Options
	log     *slog.Logger
	metrics metrics.Collector
}

var _ Compactor = (*MergeCompactor)(nil)

// how often the write loop checks for cancellation
const cancelCheckInterval = 1024

func NewMergeCompactor(host Host, opts Options) *MergeCompactor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	mc := opts.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &MergeCompactor{
		host:    host,
		opts:    opts,
		log:     log.With("component", "compaction"),
		metrics: mc,
	}
}

func (c *MergeCompactor) Run(ctx context.Context, task Task) error {
	start := time.Now()

	segs, release := c.host.AcquireSegments()
	defer release()

	inputs, older, err := splitInputs(segs, task)
	if err != nil {
		return err
	}

	children := make([]iterator.RecordIterator, 0, len(inputs))
	for _, s := range inputs {
		children = append(children, s.NewIterator())
	}
	merged := iterator.NewMerge(children, iterator.MergeOptions{
		ReadSeq: types.MaxSeqN,
		Raw:     true,
	})
	defer merged.Close()

	out := &outputSet{c: c, level: task.TargetLevel}
	dropped := 0
	n := 0
	for merged.First(); merged.Valid(); merged.Next() {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				out.abort()
				return err
			}
		}
		n++

		rec := merged.Record()
		if rec.IsTombstone() && !mayExistBelow(older, rec.Key) {
			dropped++
			continue
		}
		if err := out.add(rec); err != nil {
			out.abort()
			return err
		}
	}
	if err := merged.Err(); err != nil {
		out.abort()
		return fmt.Errorf("failed to read compaction inputs: %w", err)
	}

	metas, err := out.finish()
	if err != nil {
		out.abort()
		return err
	}
	if err := ctx.Err(); err != nil {
		out.abort()
		return err
	}
	if err := c.host.InstallCompaction(task, metas); err != nil {
		out.abort()
		return fmt.Errorf("failed to install compaction: %w", err)
	}
	out.release()

	c.metrics.IncCounter(metrics.TombstonesDroppedTotal, nil, float64(dropped))
	c.log.Info("compaction finished",
		"level", task.Level,
		"target_level", task.TargetLevel,
		"inputs", len(inputs),
		"outputs", len(metas),
		"dropped_tombstones", dropped,
		"duration", time.Since(start),
	)
	return nil
}

// splitInputs picks the task inputs out of segs, newest first, and the
// segments older than the inputs that are not being compacted.
func splitInputs(segs []*persistence.Segment, task Task) (inputs, older []*persistence.Segment, err error) {
	want := make(map[uint64]struct{}, len(task.InputTableIDs))
	for _, id := range task.InputTableIDs {
		want[id] = struct{}{}
	}
	for _, s := range segs {
		if _, ok := want[s.Number()]; ok {
			inputs = append(inputs, s)
			delete(want, s.Number())
			continue
		}
		if s.Level() > task.Level {
			older = append(older, s)
		}
	}
	if len(want) > 0 {
		return nil, nil, fmt.Errorf("compaction inputs no longer live: %d of %d missing", len(want), len(task.InputTableIDs))
	}

	slices.SortFunc(inputs, func(a, b *persistence.Segment) int {
		if c := cmp.Compare(a.Level(), b.Level()); c != 0 {
			return c
		}
		return cmp.Compare(b.Meta().LargestSeq, a.Meta().LargestSeq)
	})
	return inputs, older, nil
}

func mayExistBelow(older []*persistence.Segment, key []byte) bool {
	for _, s := range older {
		if s.MayContain(key) {
			return true
		}
	}
	return false
}

// outputSet rolls over to a new segment file every TargetSegmentSize bytes.
type outputSet struct {
	c       *MergeCompactor
	level   int
	run     uint64
	cur     *persistence.SegmentWriter
	nums    []uint64
	written []persistence.SegmentMeta
}

func (o *outputSet) add(rec types.Record) error {
	if o.cur == nil {
		num := o.c.host.NewFileNumber()
		if o.c.opts.Pending != nil {
			o.c.opts.Pending.Add(num)
		}
		o.nums = append(o.nums, num)
		if o.run == 0 {
			o.run = num
		}

		w, err := persistence.CreateSegment(o.c.opts.Dir, num, o.c.opts.Writer)
		if err != nil {
			return err
		}
		o.cur = w
	}

	if err := o.cur.Add(rec); err != nil {
		return err
	}
	if int64(o.cur.EstimatedSize()) >= o.c.opts.TargetSegmentSize {
		return o.roll()
	}
	return nil
}

func (o *outputSet) roll() error {
	w := o.cur
	o.cur = nil
	meta, err := w.Finish()
	if err != nil {
		return err
	}
	meta.Level = o.level
	meta.Run = o.run
	o.written = append(o.written, meta)
	return nil
}

func (o *outputSet) finish() ([]persistence.SegmentMeta, error) {
	if o.cur != nil {
		if err := o.roll(); err != nil {
			return nil, err
		}
	}
	return o.written, nil
}

// abort removes every output written so far.
func (o *outputSet) abort() {
	if o.cur != nil {
		o.cur.Abort()
		o.cur = nil
	}
	for _, m := range o.written {
		if err := fileutil.Remove(fileutil.SegmentPath(o.c.opts.Dir, m.Number)); err != nil {
			o.c.log.Warn("failed to remove compaction output", "segment", m.Number, "error", err)
		}
	}
	o.written = nil
	o.release()
}

// release stops protecting the outputs from obsolete-file cleanup.
func (o *outputSet) release() {
	if o.c.opts.Pending == nil {
		return
	}
	for _, n := range o.nums {
		o.c.opts.Pending.Remove(n)
	}
	o.nums = nil
}
