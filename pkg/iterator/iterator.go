package iterator

import (
	"sort"

	"segkv/pkg/types"
)

// Iterator iterates over a sorted sequence of key-value pairs.
//
// Key and Value return views into internal buffers. They stay valid until
// the next positioning call or Close; copy them to keep them longer.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	Key() types.Key
	Value() types.Value
	// Err returns the error that invalidated the iterator, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// RecordIterator walks versioned records ordered by types.Compare.
// Memtables and segments expose their contents through it.
type RecordIterator interface {
	// Seek moves to the newest version of the first key >= target.
	Seek(target types.Key)
	First()
	Next()
	Valid() bool
	Record() types.Record
	Err() error
	Close() error
}

// SliceIterator iterates over records already sorted by types.Compare.
type SliceIterator struct {
	recs []types.Record
	pos  int
}

func NewSlice(recs []types.Record) *SliceIterator {
	return &SliceIterator{recs: recs, pos: len(recs)}
}

func (it *SliceIterator) First() {
	it.pos = 0
}

func (it *SliceIterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.recs), func(i int) bool {
		return string(it.recs[i].Key) >= string(target)
	})
}

func (it *SliceIterator) Next() {
	if it.pos < len(it.recs) {
		it.pos++
	}
}

func (it *SliceIterator) Valid() bool {
	return it.pos < len(it.recs)
}

func (it *SliceIterator) Record() types.Record {
	return it.recs[it.pos]
}

func (it *SliceIterator) Err() error {
	return nil
}

func (it *SliceIterator) Close() error {
	it.recs = nil
	it.pos = 0
	return nil
}
