package db

import (
	"segkv/internal/fileutil"
	"segkv/pkg/wal"
)

// Abandon drops the database the way a crashed process would: background
// work stops, file handles are released and nothing is flushed to
// segments or recorded in the manifest.
func (d *DB) Abandon() {
	d.closed.Store(true)
	d.compactor.Stop()
	d.flusher.Stop()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.wal.Close()
	d.mu.Lock()
	v := d.current
	d.current = nil
	d.mu.Unlock()
	v.unref()
}

// WALPath returns the path of the active WAL file.
func (d *DB) WALPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wal.Path()
}

// SwitchWAL points later writes at a new WAL file without rotating the
// memtable. prepare runs with the new file's path before it is opened.
func (d *DB) SwitchWAL(prepare func(path string) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	num := d.manifest.NewFileNumber()
	if err := prepare(fileutil.LogPath(d.dir, num)); err != nil {
		return err
	}
	next, err := wal.Create(d.dir, num, d.walOptions())
	if err != nil {
		return err
	}
	d.mu.Lock()
	prev := d.wal
	d.wal = next
	d.mu.Unlock()
	return prev.Close()
}
