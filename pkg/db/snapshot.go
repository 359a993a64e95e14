package db

import (
	"sync"

	"segkv/pkg/dberrors"
	"segkv/pkg/snapshot"
	"segkv/pkg/types"
)

// Snapshot is a read-only view of the database frozen at the moment it
// was taken. It pins the files it reads from until Close.
type Snapshot struct {
	v   *version
	seq types.SeqN

	mu     sync.Mutex
	closed bool
}

var _ snapshot.Snapshot = (*Snapshot)(nil)

// NewSnapshot captures the current state. The caller must Close it.
func (d *DB) NewSnapshot() (*Snapshot, error) {
	if d.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	v, seq, err := d.acquire()
	if err != nil {
		return nil, err
	}
	return &Snapshot{v: v, seq: seq}, nil
}

func (s *Snapshot) Sequence() types.SeqN {
	return s.seq
}

// Get reads key as of the snapshot.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, dberrors.InvalidArgument("empty key")
	}
	if !s.pin() {
		return nil, dberrors.ErrClosed
	}
	defer s.v.unref()
	return s.v.get(key, s.seq)
}

// NewIterator iterates over the snapshot. The iterator stays usable after
// the snapshot is closed.
func (s *Snapshot) NewIterator(opts *IterOptions) (*Iterator, error) {
	opts, err := checkBounds(opts)
	if err != nil {
		return nil, err
	}
	if !s.pin() {
		return nil, dberrors.ErrClosed
	}
	return newIterator(s.v, s.seq, opts), nil
}

// pin takes a reference on the snapshot's version unless it is closed.
func (s *Snapshot) pin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.v.ref()
	return true
}

// Close releases the snapshot. It is safe to call more than once.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.v.unref()
	return nil
}
