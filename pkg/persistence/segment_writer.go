package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	"segkv/internal/fileutil"
	"segkv/pkg/dberrors"
	"segkv/pkg/types"
)

// SegmentMeta describes a segment file. It is stored in the manifest.
type SegmentMeta struct {
	Number      uint64 `json:"number"`
	Level       int    `json:"level"`
	Size        int64  `json:"size"`
	MinKey      []byte `json:"min_key"`
	MaxKey      []byte `json:"max_key"`
	Count       uint64 `json:"count"`
	SmallestSeq uint64 `json:"smallest_seq"`
	LargestSeq  uint64 `json:"largest_seq"`

	// Run groups the segments written by one flush or compaction. They
	// have disjoint key ranges and together form one sorted run.
	Run uint64 `json:"run"`
}

func (m SegmentMeta) encode() []byte {
	var buf []byte
	buf = appendPrefixed(buf, m.MinKey)
	buf = appendPrefixed(buf, m.MaxKey)
	buf = binary.LittleEndian.AppendUint64(buf, m.Count)
	buf = binary.LittleEndian.AppendUint64(buf, m.SmallestSeq)
	buf = binary.LittleEndian.AppendUint64(buf, m.LargestSeq)
	return buf
}

func decodeMeta(buf []byte) (SegmentMeta, error) {
	var m SegmentMeta
	minKey, n, err := readPrefixed(buf)
	if err != nil {
		return m, fmt.Errorf("min key: %w", err)
	}
	buf = buf[n:]
	maxKey, n, err := readPrefixed(buf)
	if err != nil {
		return m, fmt.Errorf("max key: %w", err)
	}
	buf = buf[n:]
	if len(buf) != 24 {
		return m, fmt.Errorf("meta block has %d trailing bytes, want 24", len(buf))
	}
	m.MinKey = bytes.Clone(minKey)
	m.MaxKey = bytes.Clone(maxKey)
	m.Count = binary.LittleEndian.Uint64(buf[0:])
	m.SmallestSeq = binary.LittleEndian.Uint64(buf[8:])
	m.LargestSeq = binary.LittleEndian.Uint64(buf[16:])
	return m, nil
}

type WriterOptions struct {
	BlockSize       int
	BloomBitsPerKey int
}

// SegmentWriter streams strictly ascending records into a new segment
// file. Each key may appear once.
type SegmentWriter struct {
	opts   WriterOptions
	dir    string
	path   string
	file   *os.File
	writer *bufio.Writer

	offset     uint64
	block      []byte
	blockFirst []byte
	index      sparseIndex
	hashes     []uint64
	meta       SegmentMeta
	lastKey    []byte
}

// CreateSegment starts segment number num in dir.
func CreateSegment(dir string, num uint64, opts WriterOptions) (*SegmentWriter, error) {
	path := fileutil.SegmentPath(dir, num)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, dberrors.WrapIO("create segment", path, err)
	}
	return &SegmentWriter{
		opts:   opts,
		dir:    dir,
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 256<<10),
		block:  make([]byte, 0, opts.BlockSize+opts.BlockSize/4),
		meta:   SegmentMeta{Number: num},
	}, nil
}

func (w *SegmentWriter) Path() string {
	return w.path
}

// Count returns the number of records added so far.
func (w *SegmentWriter) Count() uint64 {
	return w.meta.Count
}

// EstimatedSize is the file size if Finish were called now, minus the
// index and filter.
func (w *SegmentWriter) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.block))
}

// Add appends rec. Keys must be strictly increasing.
func (w *SegmentWriter) Add(rec types.Record) error {
	if w.meta.Count > 0 && bytes.Compare(rec.Key, w.lastKey) <= 0 {
		return fmt.Errorf("segment %s: key %q added after %q", w.path, rec.Key, w.lastKey)
	}

	if len(w.block) == 0 {
		w.blockFirst = append(w.blockFirst[:0], rec.Key...)
	}
	w.block = appendRecord(w.block, rec)
	w.lastKey = append(w.lastKey[:0], rec.Key...)
	if w.opts.BloomBitsPerKey > 0 {
		w.hashes = append(w.hashes, keyHash(rec.Key))
	}

	if w.meta.Count == 0 {
		w.meta.MinKey = bytes.Clone(rec.Key)
		w.meta.SmallestSeq = rec.Seq
		w.meta.LargestSeq = rec.Seq
	}
	w.meta.SmallestSeq = min(w.meta.SmallestSeq, rec.Seq)
	w.meta.LargestSeq = max(w.meta.LargestSeq, rec.Seq)
	w.meta.Count++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *SegmentWriter) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	h, err := w.writeSection(w.block)
	if err != nil {
		return err
	}
	w.index = append(w.index, IndexEntry{
		Key:         bytes.Clone(w.blockFirst),
		BlockOffset: h.offset,
		BlockSize:   uint32(h.length),
	})
	w.block = w.block[:0]
	return nil
}

func (w *SegmentWriter) writeSection(data []byte) (handle, error) {
	h := handle{offset: w.offset, length: uint64(len(data))}
	if _, err := w.writer.Write(data); err != nil {
		return h, dberrors.WrapIO("write segment", w.path, err)
	}
	if _, err := w.writer.Write(binary.LittleEndian.AppendUint32(nil, checksum(data))); err != nil {
		return h, dberrors.WrapIO("write segment", w.path, err)
	}
	w.offset += uint64(len(data)) + crcSize
	return h, nil
}

// Finish writes the trailing sections, fsyncs and closes the file.
// On error the partial file is removed.
func (w *SegmentWriter) Finish() (SegmentMeta, error) {
	meta, err := w.finish()
	if err != nil {
		w.Abort()
		return SegmentMeta{}, err
	}
	return meta, nil
}

func (w *SegmentWriter) finish() (SegmentMeta, error) {
	if w.meta.Count == 0 {
		return SegmentMeta{}, fmt.Errorf("segment %s: no records", w.path)
	}
	if err := w.flushBlock(); err != nil {
		return SegmentMeta{}, err
	}
	w.meta.MaxKey = bytes.Clone(w.lastKey)

	var (
		f   footer
		err error
	)
	var bloom []byte
	if w.opts.BloomBitsPerKey > 0 {
		bloom = buildBloom(w.hashes, w.opts.BloomBitsPerKey).Encode()
	}
	if f.bloom, err = w.writeSection(bloom); err != nil {
		return SegmentMeta{}, err
	}
	if f.index, err = w.writeSection(w.index.encode()); err != nil {
		return SegmentMeta{}, err
	}
	if f.meta, err = w.writeSection(w.meta.encode()); err != nil {
		return SegmentMeta{}, err
	}
	if _, err := w.writer.Write(f.encode()); err != nil {
		return SegmentMeta{}, dberrors.WrapIO("write segment", w.path, err)
	}
	w.offset += footerSize

	if err := w.writer.Flush(); err != nil {
		return SegmentMeta{}, dberrors.WrapIO("flush segment", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return SegmentMeta{}, dberrors.WrapIO("sync segment", w.path, err)
	}
	err = w.file.Close()
	w.file = nil
	if err != nil {
		return SegmentMeta{}, dberrors.WrapIO("close segment", w.path, err)
	}
	if err := fileutil.SyncDir(w.dir); err != nil {
		return SegmentMeta{}, err
	}

	w.meta.Size = int64(w.offset)
	return w.meta, nil
}

// Abort closes and removes the partial file.
func (w *SegmentWriter) Abort() {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			slog.Warn("failed to close aborted segment", "path", w.path, "error", err)
		}
		w.file = nil
	}
	if err := fileutil.Remove(w.path); err != nil {
		slog.Warn("failed to remove aborted segment", "path", w.path, "error", err)
	}
}
