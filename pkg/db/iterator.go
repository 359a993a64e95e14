package db

import (
	"bytes"

	"segkv/pkg/dberrors"
	"segkv/pkg/iterator"
	"segkv/pkg/types"
)

// IterOptions bounds an Iterator to [Lower, Upper). Nil bounds are open.
type IterOptions struct {
	Lower types.Key
	Upper types.Key
}

// Iterator is an ordered, point-in-time view of the database. Writes made
// after it was created are not visible through it. It is not safe for
// concurrent use.
type Iterator struct {
	merge   *iterator.Merge
	lower   types.Key
	release func()
	closed  bool
}

var _ iterator.Iterator = (*Iterator)(nil)

// NewIterator returns an unpositioned iterator. Call First or Seek before
// reading, and Close when done.
func (d *DB) NewIterator(opts *IterOptions) (*Iterator, error) {
	if d.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	opts, err := checkBounds(opts)
	if err != nil {
		return nil, err
	}

	v, readSeq, err := d.acquire()
	if err != nil {
		return nil, err
	}
	return newIterator(v, readSeq, opts), nil
}

// newIterator takes over the caller's reference on v.
func newIterator(v *version, readSeq types.SeqN, opts *IterOptions) *Iterator {
	children := make([]iterator.RecordIterator, 0, 1+len(v.imm)+len(v.ordered))
	children = append(children, v.mem.Iterator(readSeq))
	for _, m := range v.imm {
		children = append(children, m.Iterator(readSeq))
	}
	for _, s := range v.ordered {
		children = append(children, s.NewIterator())
	}

	return &Iterator{
		merge: iterator.NewMerge(children, iterator.MergeOptions{
			ReadSeq: readSeq,
			Upper:   bytes.Clone(opts.Upper),
		}),
		lower:   bytes.Clone(opts.Lower),
		release: v.unref,
	}
}

func checkBounds(opts *IterOptions) (*IterOptions, error) {
	if opts == nil {
		return &IterOptions{}, nil
	}
	if opts.Lower != nil && opts.Upper != nil && bytes.Compare(opts.Lower, opts.Upper) > 0 {
		return nil, dberrors.InvalidArgument("lower bound %q above upper bound %q", opts.Lower, opts.Upper)
	}
	return opts, nil
}

// First moves to the smallest key within bounds.
func (it *Iterator) First() {
	if it.lower != nil {
		it.merge.Seek(it.lower)
		return
	}
	it.merge.First()
}

// Seek moves to the first key >= target, never below the lower bound.
func (it *Iterator) Seek(target types.Key) {
	if it.lower != nil && bytes.Compare(target, it.lower) < 0 {
		target = it.lower
	}
	it.merge.Seek(target)
}

func (it *Iterator) Next() {
	it.merge.Next()
}

func (it *Iterator) Valid() bool {
	return !it.closed && it.merge.Valid()
}

// Key returns the current key. The slice is only valid until the next
// positioning call or Close.
func (it *Iterator) Key() types.Key {
	return it.merge.Key()
}

// Value returns the current value. The slice is only valid until the next
// positioning call or Close.
func (it *Iterator) Value() types.Value {
	return it.merge.Value()
}

func (it *Iterator) Err() error {
	return it.merge.Err()
}

// Close releases the files pinned by the iterator. It is safe to call
// more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merge.Close()
	it.release()
	return err
}
