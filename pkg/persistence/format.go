package persistence

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"segkv/pkg/types"
)

// Segment file layout:
//
//	data blocks | bloom | index | meta | footer
//
// Every section, data blocks included, is followed by the crc32c of its
// bytes. The footer holds six little-endian u64 (offset, length) pairs
// for bloom, index and meta, then the magic number.
const (
	footerSize   = 7 * 8
	crcSize      = 4
	segmentMagic = 0x7365676b76303031 // "segkv001"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type handle struct {
	offset uint64
	length uint64
}

type footer struct {
	bloom handle
	index handle
	meta  handle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	for i, h := range []handle{f.bloom, f.index, f.meta} {
		binary.LittleEndian.PutUint64(buf[i*16:], h.offset)
		binary.LittleEndian.PutUint64(buf[i*16+8:], h.length)
	}
	binary.LittleEndian.PutUint64(buf[48:], segmentMagic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("footer is %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint64(buf[48:]) != segmentMagic {
		return f, fmt.Errorf("bad magic number")
	}
	hs := []*handle{&f.bloom, &f.index, &f.meta}
	for i, h := range hs {
		h.offset = binary.LittleEndian.Uint64(buf[i*16:])
		h.length = binary.LittleEndian.Uint64(buf[i*16+8:])
	}
	return f, nil
}

// appendRecord encodes [kind u8][seq u64][uvarint klen][key][uvarint vlen][value].
func appendRecord(dst []byte, rec types.Record) []byte {
	dst = append(dst, byte(rec.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, rec.Seq)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	dst = append(dst, rec.Value...)
	return dst
}

// decodeBlock splits a verified data block into records aliasing buf.
func decodeBlock(buf []byte) ([]types.Record, error) {
	var recs []types.Record
	for off := 0; off < len(buf); {
		if len(buf)-off < 1+8 {
			return nil, fmt.Errorf("record header truncated at %d", off)
		}
		rec := types.Record{
			Kind: types.Kind(buf[off]),
			Seq:  binary.LittleEndian.Uint64(buf[off+1:]),
		}
		if !rec.Kind.Valid() {
			return nil, fmt.Errorf("unknown record kind %d at %d", buf[off], off)
		}
		off += 1 + 8

		key, n, err := readPrefixed(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("key at %d: %w", off, err)
		}
		off += n
		value, n, err := readPrefixed(buf[off:])
		if err != nil {
			return nil, fmt.Errorf("value at %d: %w", off, err)
		}
		off += n

		rec.Key = key
		if rec.Kind == types.KindPut {
			rec.Value = value
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func readPrefixed(buf []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, fmt.Errorf("bad length prefix")
	}
	if uint64(len(buf)-n) < l {
		return nil, 0, fmt.Errorf("length %d overruns block", l)
	}
	end := n + int(l)
	return buf[n:end:end], end, nil
}

func appendPrefixed(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
