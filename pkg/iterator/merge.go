package iterator

import (
	"bytes"
	"container/heap"
	"errors"

	"segkv/pkg/types"
)

type MergeOptions struct {
	// ReadSeq hides records with a higher sequence number.
	ReadSeq types.SeqN
	// Raw surfaces tombstones instead of hiding the key.
	Raw bool
	// Upper is an exclusive upper bound. Nil means unbounded.
	Upper types.Key
}

// Merge combines child iterators into one ordered stream that yields only
// the newest version of every key. On equal key and sequence number the
// child with the lower index wins, so children should be passed newest
// first.
type Merge struct {
	children []RecordIterator
	heap     mergeHeap
	opts     MergeOptions

	cur    types.Record
	valid  bool
	err    error
	curKey []byte
}

func NewMerge(children []RecordIterator, opts MergeOptions) *Merge {
	m := &Merge{
		children: children,
		opts:     opts,
	}
	m.heap.m = m
	return m
}

func (m *Merge) First() {
	m.reposition(func(it RecordIterator) { it.First() })
}

func (m *Merge) Seek(target types.Key) {
	m.reposition(func(it RecordIterator) { it.Seek(target) })
}

func (m *Merge) reposition(move func(RecordIterator)) {
	m.err = nil
	m.heap.idx = m.heap.idx[:0]
	for i, it := range m.children {
		move(it)
		if err := it.Err(); err != nil {
			m.fail(err)
			return
		}
		if it.Valid() {
			m.heap.idx = append(m.heap.idx, i)
		}
	}
	heap.Init(&m.heap)
	m.findNext(false)
}

func (m *Merge) Next() {
	if !m.valid {
		return
	}
	m.findNext(true)
}

// findNext pops records until the top of the heap is the newest visible
// version of a key not yet returned. With skipCur set, versions of curKey
// are discarded first.
func (m *Merge) findNext(skipCur bool) {
	m.valid = false
	for len(m.heap.idx) > 0 {
		top := m.children[m.heap.idx[0]]
		rec := top.Record()

		if (skipCur && bytes.Equal(rec.Key, m.curKey)) || rec.Seq > m.opts.ReadSeq {
			if !m.advanceTop() {
				return
			}
			continue
		}
		if m.opts.Upper != nil && bytes.Compare(rec.Key, m.opts.Upper) >= 0 {
			return
		}

		m.curKey = append(m.curKey[:0], rec.Key...)
		skipCur = true
		if rec.IsTombstone() && !m.opts.Raw {
			if !m.advanceTop() {
				return
			}
			continue
		}

		m.cur = rec
		m.valid = true
		return
	}
}

func (m *Merge) advanceTop() bool {
	i := m.heap.idx[0]
	it := m.children[i]
	it.Next()
	if err := it.Err(); err != nil {
		m.fail(err)
		return false
	}
	if it.Valid() {
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}
	return true
}

func (m *Merge) fail(err error) {
	m.err = err
	m.valid = false
	m.heap.idx = m.heap.idx[:0]
}

func (m *Merge) Valid() bool {
	return m.valid
}

func (m *Merge) Record() types.Record {
	return m.cur
}

func (m *Merge) Key() types.Key {
	return m.cur.Key
}

func (m *Merge) Value() types.Value {
	return m.cur.Value
}

func (m *Merge) Err() error {
	return m.err
}

// Close closes every child.
func (m *Merge) Close() error {
	var errs []error
	for _, it := range m.children {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.children = nil
	m.heap.idx = nil
	m.valid = false
	return errors.Join(errs...)
}

// mergeHeap holds indexes of valid children ordered by their current record.
type mergeHeap struct {
	m   *Merge
	idx []int
}

func (h *mergeHeap) Len() int { return len(h.idx) }

func (h *mergeHeap) Less(i, j int) bool {
	a := h.m.children[h.idx[i]].Record()
	b := h.m.children[h.idx[j]].Record()
	if c := types.Compare(a, b); c != 0 {
		return c < 0
	}
	return h.idx[i] < h.idx[j]
}

func (h *mergeHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *mergeHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *mergeHeap) Pop() any {
	old := h.idx
	n := len(old)
	x := old[n-1]
	h.idx = old[:n-1]
	return x
}
