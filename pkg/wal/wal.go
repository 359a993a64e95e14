package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"sync"

	"segkv/internal/fileutil"
	"segkv/pkg/dberrors"
)

const frameHeaderSize = 4 + 4 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// lengthChecksum is never zero for a zero length, so zero-filled space
// at the end of a file cannot pass for a frame header.
func lengthChecksum(length []byte) uint32 {
	return crc32.Checksum(length, castagnoli)
}

// Options control when appended frames reach stable storage.
type Options struct {
	// SyncOnWrite fsyncs after every Append.
	SyncOnWrite bool
	// BytesPerSync fsyncs once this many bytes were appended since the
	// last sync. Zero disables the threshold. Ignored with SyncOnWrite.
	BytesPerSync int64
	Logger       *slog.Logger
}

// Writer appends checksummed frames to a single log file.
//
// Frame layout (little endian):
//
//	[crc32c u32][length u32][length crc32c u32][payload]
//
// The first checksum covers the length field and the payload. The second
// covers the length field alone so that a damaged length is detected
// before it is used to find the end of the frame.
type Writer struct {
	mu     sync.Mutex
	opts   Options
	log    *slog.Logger
	num    uint64
	path   string
	file   *os.File
	writer *bufio.Writer

	size     int64
	unsynced int64
	// err is sticky: once a frame may be torn nothing is appended after it.
	err error
}

// Create opens a new log file with the given file number in dir.
// An existing file with the same number is truncated.
func Create(dir string, num uint64, opts Options) (*Writer, error) {
	path := fileutil.LogPath(dir, num)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, dberrors.WrapIO("create wal", path, err)
	}
	if err := fileutil.SyncDir(dir); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL file", "path", path, "error", cerr)
		}
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		opts:   opts,
		log:    log.With("component", "wal", "file", num),
		num:    num,
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64<<10),
	}, nil
}

// Number returns the file number of the log.
func (w *Writer) Number() uint64 {
	return w.num
}

func (w *Writer) Path() string {
	return w.path
}

// Size returns the number of bytes appended so far.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append writes one frame and returns the file offset just past it.
// When Append returns nil the frame has reached the OS; it is on stable
// storage if SyncOnWrite is set.
func (w *Writer) Append(payload []byte) (int64, error) {
	if len(payload) > math.MaxUint32 {
		return 0, dberrors.InvalidArgument("wal payload too large: %d bytes", len(payload))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return 0, w.err
	}
	if w.file == nil {
		return 0, dberrors.ErrClosed
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	crc := crc32.Update(0, castagnoli, hdr[4:8])
	crc = crc32.Update(crc, castagnoli, payload)
	binary.LittleEndian.PutUint32(hdr[0:4], crc)
	binary.LittleEndian.PutUint32(hdr[8:12], lengthChecksum(hdr[4:8]))

	if _, err := w.writer.Write(hdr[:]); err != nil {
		return 0, w.fail("write", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, w.fail("write", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, w.fail("flush", err)
	}

	n := int64(frameHeaderSize + len(payload))
	w.size += n
	w.unsynced += n

	if w.opts.SyncOnWrite || (w.opts.BytesPerSync > 0 && w.unsynced >= w.opts.BytesPerSync) {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return w.size, nil
}

// Sync forces appended frames to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.file == nil {
		return dberrors.ErrClosed
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.unsynced == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return w.fail("sync", err)
	}
	w.unsynced = 0
	return nil
}

func (w *Writer) fail(op string, err error) error {
	w.err = dberrors.WrapIO(op+" wal", w.path, err)
	w.log.Error("wal append failed, log is now read-only", "op", op, "error", err)
	return w.err
}

// Close syncs and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	var err error
	if w.err == nil {
		if ferr := w.writer.Flush(); ferr != nil {
			err = dberrors.WrapIO("flush wal", w.path, ferr)
		} else if serr := w.file.Sync(); serr != nil {
			err = dberrors.WrapIO("sync wal", w.path, serr)
		}
	}
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = dberrors.WrapIO("close wal", w.path, cerr)
	}
	w.file = nil
	w.writer = nil
	if err != nil {
		return fmt.Errorf("failed to close WAL: %w", err)
	}
	return nil
}
