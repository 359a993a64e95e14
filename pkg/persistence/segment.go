package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"segkv/internal/fileutil"
	"segkv/pkg/dberrors"
	"segkv/pkg/types"
)

// Segment is an open, immutable segment file.
//
// Segments are reference counted. OpenSegment returns a segment holding
// one reference; when the last reference is dropped the file is closed,
// and removed from disk if the segment was marked obsolete.
type Segment struct {
	meta  SegmentMeta
	path  string
	file  *os.File
	index sparseIndex
	bloom *BloomFilterImpl
	cache BlockCache

	refs     atomic.Int32
	obsolete atomic.Bool
	onRemove func(num uint64)
}

// OpenSegment opens the segment described by meta. Number and Level come
// from meta, everything else is read back from the file and verified.
func OpenSegment(dir string, meta SegmentMeta, cache BlockCache) (*Segment, error) {
	path := fileutil.SegmentPath(dir, meta.Number)
	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.WrapIO("open segment", path, err)
	}

	if cache == nil {
		cache = NewBlockCache(0)
	}
	s := &Segment{
		path:  path,
		file:  file,
		cache: cache,
	}
	if err := s.load(meta); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close segment after load error", "path", path, "error", cerr)
		}
		return nil, err
	}
	s.refs.Store(1)
	return s, nil
}

func (s *Segment) load(want SegmentMeta) error {
	info, err := s.file.Stat()
	if err != nil {
		return dberrors.WrapIO("stat segment", s.path, err)
	}
	size := info.Size()
	if size < footerSize {
		return dberrors.Corruptf(s.path, -1, "file too small: %d bytes", size)
	}
	if want.Size != 0 && want.Size != size {
		return dberrors.Corruptf(s.path, -1, "size %d does not match manifest size %d", size, want.Size)
	}

	buf := make([]byte, footerSize)
	if _, err := s.file.ReadAt(buf, size-footerSize); err != nil {
		return dberrors.WrapIO("read segment footer", s.path, err)
	}
	f, err := decodeFooter(buf)
	if err != nil {
		return dberrors.Corruptf(s.path, size-footerSize, "%v", err)
	}

	limit := uint64(size - footerSize)
	bloomData, err := s.readSection(f.bloom, limit)
	if err != nil {
		return err
	}
	indexData, err := s.readSection(f.index, limit)
	if err != nil {
		return err
	}
	metaData, err := s.readSection(f.meta, limit)
	if err != nil {
		return err
	}

	if s.index, err = decodeIndex(indexData); err != nil {
		return dberrors.Corruptf(s.path, int64(f.index.offset), "%v", err)
	}
	meta, err := decodeMeta(metaData)
	if err != nil {
		return dberrors.Corruptf(s.path, int64(f.meta.offset), "%v", err)
	}
	if len(s.index) == 0 {
		return dberrors.Corruptf(s.path, int64(f.index.offset), "empty index")
	}
	s.bloom = decodeBloom(bloomData)

	meta.Number = want.Number
	meta.Level = want.Level
	meta.Run = want.Run
	meta.Size = size
	s.meta = meta
	return nil
}

func (s *Segment) readSection(h handle, limit uint64) ([]byte, error) {
	if h.offset > limit || h.length+crcSize > limit-h.offset {
		return nil, dberrors.Corruptf(s.path, int64(h.offset), "section of %d bytes out of bounds", h.length)
	}
	buf := make([]byte, h.length+crcSize)
	if _, err := s.file.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, dberrors.WrapIO("read segment", s.path, err)
	}
	data := buf[:h.length]
	if binary.LittleEndian.Uint32(buf[h.length:]) != checksum(data) {
		return nil, dberrors.Corruptf(s.path, int64(h.offset), "checksum mismatch")
	}
	return data, nil
}

func (s *Segment) readBlock(i int) ([]types.Record, error) {
	e := s.index[i]
	key := blockKey{fileNum: s.meta.Number, offset: e.BlockOffset}

	data, ok := s.cache.Get(key)
	if !ok {
		var err error
		data, err = s.readSection(handle{offset: e.BlockOffset, length: uint64(e.BlockSize)}, uint64(s.meta.Size))
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, data)
	}

	recs, err := decodeBlock(data)
	if err != nil {
		return nil, dberrors.Corruptf(s.path, int64(e.BlockOffset), "%v", err)
	}
	return recs, nil
}

func (s *Segment) Meta() SegmentMeta {
	return s.meta
}

func (s *Segment) Number() uint64 {
	return s.meta.Number
}

func (s *Segment) Level() int {
	return s.meta.Level
}

// MayContain reports whether key falls in the segment's key range and
// passes its bloom filter.
func (s *Segment) MayContain(key []byte) bool {
	if bytes.Compare(key, s.meta.MinKey) < 0 || bytes.Compare(key, s.meta.MaxKey) > 0 {
		return false
	}
	return s.bloom == nil || s.bloom.MayContain(key)
}

// Overlaps reports whether [lo, hi] intersects the segment's key range.
func (s *Segment) Overlaps(lo, hi []byte) bool {
	return bytes.Compare(hi, s.meta.MinKey) >= 0 && bytes.Compare(lo, s.meta.MaxKey) <= 0
}

// Get looks key up. The returned record may be a tombstone and aliases
// block memory; callers copy what they keep.
func (s *Segment) Get(key []byte) (types.Record, bool, error) {
	if !s.MayContain(key) {
		return types.Record{}, false, nil
	}
	recs, err := s.readBlock(s.index.search(key))
	if err != nil {
		return types.Record{}, false, err
	}
	i := sort.Search(len(recs), func(i int) bool {
		return bytes.Compare(recs[i].Key, key) >= 0
	})
	if i < len(recs) && bytes.Equal(recs[i].Key, key) {
		return recs[i], true, nil
	}
	return types.Record{}, false, nil
}

// NewIterator returns an unpositioned iterator over the segment.
// The caller must hold a reference for the iterator's lifetime.
func (s *Segment) NewIterator() *SegmentIterator {
	return &SegmentIterator{seg: s, block: -1}
}

func (s *Segment) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference. The last one closes the file.
func (s *Segment) Unref() {
	n := s.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("segment %d: negative reference count", s.meta.Number))
	}

	if err := s.file.Close(); err != nil {
		slog.Warn("failed to close segment", "path", s.path, "error", err)
	}
	if s.obsolete.Load() {
		s.cache.Evict(s.meta.Number)
		if err := fileutil.Remove(s.path); err != nil {
			slog.Warn("failed to remove obsolete segment", "path", s.path, "error", err)
		}
		if s.onRemove != nil {
			s.onRemove(s.meta.Number)
		}
	}
}

// MarkObsolete schedules removal of the file once unreferenced. onRemove,
// if not nil, runs after the file is gone.
func (s *Segment) MarkObsolete(onRemove func(num uint64)) {
	s.onRemove = onRemove
	s.obsolete.Store(true)
}

// SegmentIterator walks a segment block by block.
type SegmentIterator struct {
	seg   *Segment
	block int
	recs  []types.Record
	pos   int
	err   error
}

func (it *SegmentIterator) First() {
	it.err = nil
	it.load(0)
	it.skipEmpty()
}

func (it *SegmentIterator) Seek(target types.Key) {
	it.err = nil
	it.load(it.seg.index.search(target))
	if it.err != nil {
		return
	}
	it.pos = sort.Search(len(it.recs), func(i int) bool {
		return bytes.Compare(it.recs[i].Key, target) >= 0
	})
	it.skipEmpty()
}

func (it *SegmentIterator) Next() {
	if !it.Valid() {
		return
	}
	it.pos++
	it.skipEmpty()
}

// skipEmpty moves to the next block while the current one is exhausted.
func (it *SegmentIterator) skipEmpty() {
	for it.err == nil && it.block < len(it.seg.index) && it.pos >= len(it.recs) {
		it.load(it.block + 1)
	}
}

func (it *SegmentIterator) load(block int) {
	it.block = block
	it.recs = nil
	it.pos = 0
	if block >= len(it.seg.index) {
		return
	}
	recs, err := it.seg.readBlock(block)
	if err != nil {
		it.err = err
		return
	}
	it.recs = recs
}

func (it *SegmentIterator) Valid() bool {
	return it.err == nil && it.block >= 0 && it.block < len(it.seg.index) && it.pos < len(it.recs)
}

func (it *SegmentIterator) Record() types.Record {
	return it.recs[it.pos]
}

func (it *SegmentIterator) Err() error {
	return it.err
}

func (it *SegmentIterator) Close() error {
	it.recs = nil
	return nil
}
