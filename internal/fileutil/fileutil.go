package fileutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"segkv/pkg/dberrors"
)

type FileType int

const (
	TypeUnknown FileType = iota
	TypeLog
	TypeSegment
	TypeManifest
	TypeTemp
)

const (
	ManifestName = "MANIFEST"
	tempSuffix   = ".tmp"
	logSuffix    = ".log"
	segSuffix    = ".seg"
)

func LogPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, logSuffix))
}

func SegmentPath(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", num, segSuffix))
}

func ManifestPath(dir string) string {
	return filepath.Join(dir, ManifestName)
}

// ParseName classifies a base file name found in a database directory.
// The number is only meaningful for logs and segments.
func ParseName(name string) (FileType, uint64) {
	switch {
	case name == ManifestName:
		return TypeManifest, 0
	case strings.HasSuffix(name, tempSuffix):
		return TypeTemp, 0
	case strings.HasSuffix(name, logSuffix):
		if n, ok := parseNum(strings.TrimSuffix(name, logSuffix)); ok {
			return TypeLog, n
		}
	case strings.HasSuffix(name, segSuffix):
		if n, ok := parseNum(strings.TrimSuffix(name, segSuffix)); ok {
			return TypeSegment, n
		}
	}
	return TypeUnknown, 0
}

func parseNum(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

// SyncDir fsyncs a directory so that renames and creations inside it
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.WrapIO("open dir", dir, err)
	}
	serr := d.Sync()
	if cerr := d.Close(); cerr != nil {
		slog.Warn("failed to close directory", "path", dir, "error", cerr)
	}
	return dberrors.WrapIO("sync dir", dir, serr)
}

// WriteFileAtomic replaces path with data. The content goes to path+".tmp"
// first, is fsynced, renamed over path and the parent directory is synced.
// A crash leaves either the old or the new file in place.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + tempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberrors.WrapIO("create", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		closeAndRemove(f, tmp)
		return dberrors.WrapIO("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		closeAndRemove(f, tmp)
		return dberrors.WrapIO("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		removeQuiet(tmp)
		return dberrors.WrapIO("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		removeQuiet(tmp)
		return dberrors.WrapIO("rename", tmp, err)
	}
	return SyncDir(filepath.Dir(path))
}

func closeAndRemove(f *os.File, path string) {
	if err := f.Close(); err != nil {
		slog.Warn("failed to close file", "path", path, "error", err)
	}
	removeQuiet(path)
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove file", "path", path, "error", err)
	}
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dberrors.WrapIO("remove", path, err)
	}
	return nil
}
