package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"segkv/pkg/batch"
	"segkv/pkg/iterator"
	"segkv/pkg/types"
)

var (
	ErrFrozen = errors.New("memtable is frozen")
)

// per-key bookkeeping: chain header plus skiplist node
const chainOverhead = 64

// version is one value of a key. Versions are immutable once published.
type version struct {
	seq   types.SeqN
	kind  types.Kind
	value []byte
	next  *version
}

// chain holds every version of one key, newest first.
type chain struct {
	key  []byte
	head atomic.Pointer[version]
}

type concurrentMap = skipmap.FuncMap[[]byte, *chain]

// Memtable is the in-memory write buffer. It keeps every version of a key
// so readers holding an older sequence number keep a stable view.
//
// A single writer may call Add/Apply while any number of readers call
// Get and Iterator.
type Memtable struct {
	data   *concurrentMap
	limit  int64
	logNum uint64

	size   atomic.Int64
	count  atomic.Int64
	maxSeq atomic.Uint64
	frozen atomic.Bool
}

// New creates a memtable whose contents are logged in WAL file logNum.
func New(limit int64, logNum uint64) *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, *chain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		limit:  limit,
		logNum: logNum,
	}
}

// Add inserts one record. Key and value are copied.
func (mt *Memtable) Add(rec types.Record) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}

	c, ok := mt.data.Load(rec.Key)
	if !ok {
		c = &chain{key: bytes.Clone(rec.Key)}
		mt.data.Store(c.key, c)
		mt.size.Add(int64(len(rec.Key)) + chainOverhead)
	}

	v := &version{
		seq:  rec.Seq,
		kind: rec.Kind,
		next: c.head.Load(),
	}
	if rec.Kind == types.KindPut {
		v.value = bytes.Clone(rec.Value)
		if v.value == nil {
			v.value = []byte{}
		}
	}
	c.head.Store(v)

	mt.size.Add(int64(len(rec.Value)) + 8 + 1)
	mt.count.Add(1)
	if rec.Seq > mt.maxSeq.Load() {
		mt.maxSeq.Store(rec.Seq)
	}
	return nil
}

// Apply adds every operation of a sequenced batch.
func (mt *Memtable) Apply(b *batch.WriteBatch) error {
	return b.Iterate(mt.Add)
}

// Get returns the newest version of key with seq <= readSeq. A tombstone
// is returned as a record of KindDelete.
func (mt *Memtable) Get(key types.Key, readSeq types.SeqN) (types.Record, bool) {
	c, ok := mt.data.Load(key)
	if !ok {
		return types.Record{}, false
	}
	for v := c.head.Load(); v != nil; v = v.next {
		if v.seq <= readSeq {
			return v.record(c.key), true
		}
	}
	return types.Record{}, false
}

// Iterator snapshots every version with seq <= readSeq into a sorted slice.
// The returned records share memory with the memtable, which is safe since
// published versions never change.
func (mt *Memtable) Iterator(readSeq types.SeqN) *iterator.SliceIterator {
	recs := make([]types.Record, 0, mt.data.Len())
	mt.data.Range(func(key []byte, c *chain) bool {
		for v := c.head.Load(); v != nil; v = v.next {
			if v.seq <= readSeq {
				recs = append(recs, v.record(c.key))
			}
		}
		return true
	})
	return iterator.NewSlice(recs)
}

// Sorted returns the newest version of every key in key order, tombstones
// included. It is what a flush writes out.
func (mt *Memtable) Sorted() []types.Record {
	recs := make([]types.Record, 0, mt.data.Len())
	mt.data.Range(func(key []byte, c *chain) bool {
		if v := c.head.Load(); v != nil {
			recs = append(recs, v.record(c.key))
		}
		return true
	})
	return recs
}

// Freeze makes the table immutable. Subsequent writes fail with ErrFrozen.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) Frozen() bool {
	return mt.frozen.Load()
}

// ShouldFlush reports whether the table outgrew its size limit.
func (mt *Memtable) ShouldFlush() bool {
	return mt.size.Load() >= mt.limit
}

// Size approximates the memory held by the table in bytes.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

// Len returns the number of versions, not distinct keys.
func (mt *Memtable) Len() int {
	return int(mt.count.Load())
}

func (mt *Memtable) Empty() bool {
	return mt.count.Load() == 0
}

// LogNumber is the WAL file holding this table's writes.
func (mt *Memtable) LogNumber() uint64 {
	return mt.logNum
}

// MaxSeq returns the highest sequence number added.
func (mt *Memtable) MaxSeq() types.SeqN {
	return mt.maxSeq.Load()
}

func (v *version) record(key []byte) types.Record {
	return types.Record{Key: key, Value: v.value, Seq: v.seq, Kind: v.kind}
}
