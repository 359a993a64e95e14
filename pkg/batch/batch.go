package batch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"segkv/pkg/dberrors"
	"segkv/pkg/types"
)

const headerSize = 8 + 4

// WriteBatch groups multiple mutations atomically.
// Records are kept in their encoded form, so appending is cheap and
// the batch goes to the WAL without re-encoding.
//
// Layout: [seq u64][count u32] then count records of
// [kind u8][uvarint klen][key] and, for puts, [uvarint vlen][value].
type WriteBatch struct {
	data  []byte
	count uint32
}

func New() *WriteBatch {
	b := &WriteBatch{}
	b.Reset()
	return b
}

// Put records key=value. Both slices are copied.
func (b *WriteBatch) Put(key types.Key, value types.Value) {
	b.init()
	b.data = append(b.data, byte(types.KindPut))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.data = binary.AppendUvarint(b.data, uint64(len(value)))
	b.data = append(b.data, value...)
	b.count++
}

// Delete records a tombstone for key.
func (b *WriteBatch) Delete(key types.Key) {
	b.init()
	b.data = append(b.data, byte(types.KindDelete))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	b.count++
}

// Len returns the number of operations in the batch.
func (b *WriteBatch) Len() int {
	return int(b.count)
}

// Reset empties the batch, keeping the allocated buffer.
func (b *WriteBatch) Reset() {
	if cap(b.data) < headerSize {
		b.data = make([]byte, headerSize, 256)
	}
	b.data = b.data[:headerSize]
	clear(b.data)
	b.count = 0
}

// SetSequence stamps the first sequence number of the batch. The i-th
// operation gets Sequence()+i.
func (b *WriteBatch) SetSequence(seq types.SeqN) {
	b.init()
	binary.LittleEndian.PutUint64(b.data[0:8], seq)
}

func (b *WriteBatch) Sequence() types.SeqN {
	if len(b.data) < headerSize {
		return 0
	}
	return binary.LittleEndian.Uint64(b.data[0:8])
}

// ApproximateSize is the in-memory cost of applying the batch.
func (b *WriteBatch) ApproximateSize() int {
	return len(b.data)
}

// Iterate calls fn for every operation in insertion order. Key and value
// alias the batch buffer. Iteration stops at the first error returned by fn.
func (b *WriteBatch) Iterate(fn func(rec types.Record) error) error {
	if len(b.data) < headerSize {
		return nil
	}
	seq := b.Sequence()
	buf := b.data[headerSize:]
	for i := uint32(0); i < b.count; i++ {
		rec, n, err := decodeRecord(buf)
		if err != nil {
			return err
		}
		rec.Seq = seq + uint64(i)
		if err := fn(rec); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Encode returns the wire form of the batch. The slice aliases the
// batch and is valid until the next mutation.
func (b *WriteBatch) Encode() []byte {
	b.init()
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
	return b.data
}

// Decode parses a batch produced by Encode. The data is copied.
func Decode(data []byte) (*WriteBatch, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("batch header truncated: %d bytes", len(data))
	}
	count := binary.LittleEndian.Uint32(data[8:12])
	buf := data[headerSize:]
	for i := uint32(0); i < count; i++ {
		_, n, err := decodeRecord(buf)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %d records", len(buf), count)
	}
	return &WriteBatch{data: bytes.Clone(data), count: count}, nil
}

// Validate rejects batches the engine cannot apply.
func (b *WriteBatch) Validate() error {
	if b.count == 0 {
		return nil
	}
	return b.Iterate(func(rec types.Record) error {
		if len(rec.Key) == 0 {
			return dberrors.InvalidArgument("empty key")
		}
		return nil
	})
}

func (b *WriteBatch) init() {
	if len(b.data) < headerSize {
		b.Reset()
	}
}

func decodeRecord(buf []byte) (types.Record, int, error) {
	var rec types.Record
	if len(buf) < 1 {
		return rec, 0, fmt.Errorf("missing record kind")
	}
	rec.Kind = types.Kind(buf[0])
	if !rec.Kind.Valid() {
		return rec, 0, fmt.Errorf("unknown record kind %d", buf[0])
	}
	off := 1

	key, n, err := readBytes(buf[off:])
	if err != nil {
		return rec, 0, fmt.Errorf("key: %w", err)
	}
	rec.Key = key
	off += n

	if rec.Kind == types.KindPut {
		value, n, err := readBytes(buf[off:])
		if err != nil {
			return rec, 0, fmt.Errorf("value: %w", err)
		}
		rec.Value = value
		off += n
	}
	return rec, off, nil
}

func readBytes(buf []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, fmt.Errorf("bad length prefix")
	}
	if uint64(len(buf)-n) < l {
		return nil, 0, fmt.Errorf("length %d exceeds remaining %d bytes", l, len(buf)-n)
	}
	end := n + int(l)
	return buf[n:end:end], end, nil
}
