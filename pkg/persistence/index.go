package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

type IndexEntry struct {
	Key         []byte // first key of the block
	BlockOffset uint64
	BlockSize   uint32 // without the trailing checksum
}

// sparseIndex holds one entry per data block, ordered by first key.
type sparseIndex []IndexEntry

func (idx sparseIndex) encode() []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(idx)))
	for _, e := range idx {
		buf = appendPrefixed(buf, e.Key)
		buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
		buf = binary.LittleEndian.AppendUint32(buf, e.BlockSize)
	}
	return buf
}

func decodeIndex(buf []byte) (sparseIndex, error) {
	n, off := binary.Uvarint(buf)
	if off <= 0 {
		return nil, fmt.Errorf("bad index entry count")
	}
	if n > uint64(len(buf)) {
		return nil, fmt.Errorf("index entry count %d too large", n)
	}
	idx := make(sparseIndex, 0, n)
	for i := uint64(0); i < n; i++ {
		key, m, err := readPrefixed(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		off += m
		if len(buf)-off < 12 {
			return nil, fmt.Errorf("index entry %d truncated", i)
		}
		idx = append(idx, IndexEntry{
			Key:         bytes.Clone(key),
			BlockOffset: binary.LittleEndian.Uint64(buf[off:]),
			BlockSize:   binary.LittleEndian.Uint32(buf[off+8:]),
		})
		off += 12
	}
	if off != len(buf) {
		return nil, fmt.Errorf("%d trailing bytes in index", len(buf)-off)
	}
	return idx, nil
}

// search returns the block that may hold key: the last block whose first
// key is <= key, clamped to the first block.
func (idx sparseIndex) search(key []byte) int {
	i := sort.Search(len(idx), func(i int) bool {
		return bytes.Compare(idx[i].Key, key) > 0
	})
	return max(i-1, 0)
}
