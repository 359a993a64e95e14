package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"os"

	"segkv/pkg/batch"
	"segkv/pkg/dberrors"
)

// Replay lazily decodes the batches stored in the log at path.
//
// A frame cut short by the end of the file, or zero fill after the last
// frame, ends the replay without error: both are what a crash in the
// middle of an append leaves behind. A payload checksum mismatch in the
// last frame is treated the same way when at least one good frame
// preceded it. Any other damage, including a frame header whose length
// checksum does not match, zero fill followed by data, or batches whose
// sequence numbers go backwards, yields a *dberrors.CorruptionError and
// stops the sequence.
func Replay(path string) iter.Seq2[*batch.WriteBatch, error] {
	return func(yield func(*batch.WriteBatch, error) bool) {
		file, err := os.Open(path)
		if err != nil {
			yield(nil, dberrors.WrapIO("open wal", path, err))
			return
		}
		defer func() {
			if cerr := file.Close(); cerr != nil {
				slog.Warn("failed to close WAL read file", "path", path, "error", cerr)
			}
		}()

		info, err := file.Stat()
		if err != nil {
			yield(nil, dberrors.WrapIO("stat wal", path, err))
			return
		}

		r := &frameReader{
			path:   path,
			size:   info.Size(),
			reader: bufio.NewReaderSize(file, 64<<10),
		}
		var (
			good    int
			nextSeq uint64
		)
		for {
			payload, err := r.next(good > 0)
			if err != nil {
				yield(nil, err)
				return
			}
			if payload == nil {
				return
			}

			b, err := batch.Decode(payload)
			if err != nil {
				yield(nil, dberrors.Corruptf(path, r.frameStart, "bad batch: %v", err))
				return
			}
			if b.Len() > 0 {
				if good > 0 && b.Sequence() < nextSeq {
					yield(nil, dberrors.Corruptf(path, r.frameStart,
						"sequence %d goes backwards, expected at least %d", b.Sequence(), nextSeq))
					return
				}
				nextSeq = b.Sequence() + uint64(b.Len())
			}
			good++

			if !yield(b, nil) {
				return
			}
		}
	}
}

type frameReader struct {
	path       string
	size       int64
	offset     int64
	frameStart int64
	reader     *bufio.Reader
}

// next returns the payload of the next frame, or nil at the clean end of
// the log.
func (r *frameReader) next(seenGood bool) ([]byte, error) {
	r.frameStart = r.offset

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, dberrors.WrapIO("read wal", r.path, err)
	}
	r.offset += frameHeaderSize

	if allZero(hdr[:]) {
		return nil, r.checkZeroTail()
	}

	want := binary.LittleEndian.Uint32(hdr[0:4])
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if binary.LittleEndian.Uint32(hdr[8:12]) != lengthChecksum(hdr[4:8]) {
		if r.offset < r.size || !seenGood {
			return nil, dberrors.Corruptf(r.path, r.frameStart, "frame header checksum mismatch")
		}
		slog.Warn("discarding torn WAL frame header", "path", r.path, "offset", r.frameStart)
		return nil, nil
	}
	if int64(length) > r.size-r.offset {
		// The length is intact, so the file ends inside the frame.
		slog.Warn("discarding truncated WAL frame", "path", r.path, "offset", r.frameStart,
			"length", length, "available", r.size-r.offset)
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil
		}
		return nil, dberrors.WrapIO("read wal", r.path, err)
	}
	r.offset += int64(length)

	crc := crc32.Update(0, castagnoli, hdr[4:8])
	crc = crc32.Update(crc, castagnoli, payload)
	if crc == want {
		return payload, nil
	}

	switch {
	case r.offset < r.size:
		return nil, dberrors.Corruptf(r.path, r.frameStart, "checksum mismatch followed by %d bytes", r.size-r.offset)
	case !seenGood:
		return nil, dberrors.Corruptf(r.path, r.frameStart, "checksum mismatch in first frame")
	default:
		slog.Warn("discarding torn WAL tail", "path", r.path, "offset", r.frameStart)
		return nil, nil
	}
}

// checkZeroTail verifies that nothing but zeros follows a zero-filled
// frame header.
func (r *frameReader) checkZeroTail() error {
	buf := make([]byte, 4<<10)
	for {
		n, err := r.reader.Read(buf)
		if !allZero(buf[:n]) {
			return dberrors.Corruptf(r.path, r.frameStart, "data after zero-filled frame header")
		}
		r.offset += int64(n)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return dberrors.WrapIO("read wal", r.path, err)
		}
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
