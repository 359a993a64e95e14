package db

import (
	"cmp"
	"slices"
	"sync/atomic"

	"segkv/pkg/dberrors"
	"segkv/pkg/memtable"
	"segkv/pkg/persistence"
	"segkv/pkg/types"
)

// version is an immutable view of the database contents. Readers take a
// reference so flushes and compactions can install newer versions while
// older ones are still being read.
type version struct {
	refs atomic.Int32

	mem *memtable.Memtable
	// imm holds frozen memtables waiting for flush, newest first.
	imm    []*memtable.Memtable
	levels [][]*persistence.Segment
	// ordered lists every segment newest first.
	ordered []*persistence.Segment
}

// newVersion takes a reference on every segment it lists.
func newVersion(mem *memtable.Memtable, imm []*memtable.Memtable, levels [][]*persistence.Segment) *version {
	v := &version{mem: mem, imm: imm, levels: levels}
	for _, segs := range levels {
		for _, s := range segs {
			s.Ref()
			v.ordered = append(v.ordered, s)
		}
	}
	slices.SortFunc(v.ordered, func(a, b *persistence.Segment) int {
		if c := cmp.Compare(b.Meta().LargestSeq, a.Meta().LargestSeq); c != 0 {
			return c
		}
		return cmp.Compare(a.Level(), b.Level())
	})
	v.refs.Store(1)
	return v
}

func (v *version) ref() {
	v.refs.Add(1)
}

func (v *version) unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, s := range v.ordered {
		s.Unref()
	}
}

// get looks key up newest source first: active memtable, frozen
// memtables, then segments.
func (v *version) get(key []byte, readSeq types.SeqN) ([]byte, error) {
	if rec, ok := v.mem.Get(key, readSeq); ok {
		return found(rec)
	}
	for _, m := range v.imm {
		if rec, ok := m.Get(key, readSeq); ok {
			return found(rec)
		}
	}
	for _, s := range v.ordered {
		rec, ok, err := s.Get(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return found(rec)
		}
	}
	return nil, dberrors.ErrNotFound
}

// levelMetas returns segment metadata grouped by level.
func (v *version) levelMetas() [][]persistence.SegmentMeta {
	out := make([][]persistence.SegmentMeta, len(v.levels))
	for i, segs := range v.levels {
		for _, s := range segs {
			out[i] = append(out[i], s.Meta())
		}
	}
	return out
}

// copyLevels returns a copy of the level slices that can be edited.
func (v *version) copyLevels() [][]*persistence.Segment {
	out := make([][]*persistence.Segment, len(v.levels))
	for i, segs := range v.levels {
		out[i] = slices.Clone(segs)
	}
	return out
}
