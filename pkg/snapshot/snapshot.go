package snapshot

import "segkv/pkg/types"

// Snapshot is a read-only view of a database pinned at one sequence
// number. Writes made after it was taken are invisible through it.
type Snapshot interface {
	Sequence() types.SeqN
	// Get returns the value key had when the snapshot was taken.
	Get(key []byte) ([]byte, error)
	Close() error
}
