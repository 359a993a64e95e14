package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number ordering every mutation
// applied to a database over its whole lifetime.
type SeqN = uint64

// MaxSeqN is used as a read sequence that observes every record.
const MaxSeqN SeqN = 1<<64 - 1

// Kind tells whether a record carries a value or a deletion marker.
type Kind uint8

const (
	KindPut Kind = iota + 1
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindPut || k == KindDelete
}

// Record is a single versioned mutation of a key.
type Record struct {
	Key   Key
	Value Value
	Seq   SeqN
	Kind  Kind
}

// IsTombstone reports whether the record marks a deletion.
func (r Record) IsTombstone() bool {
	return r.Kind == KindDelete
}

// Size approximates the in-memory footprint of the record.
func (r Record) Size() int {
	const overhead = 8 + 1
	return len(r.Key) + len(r.Value) + overhead
}

// Compare orders records by key ascending and, for equal keys, by sequence
// number descending so the newest version of a key sorts first.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

// Clone returns a copy of the record that shares no memory with r.
func (r Record) Clone() Record {
	return Record{
		Key:   bytes.Clone(r.Key),
		Value: bytes.Clone(r.Value),
		Seq:   r.Seq,
		Kind:  r.Kind,
	}
}
