package db

import (
	"os"
	"path/filepath"
	"slices"

	"segkv/internal/fileutil"
	"segkv/pkg/compaction"
	"segkv/pkg/dberrors"
	"segkv/pkg/persistence"
)

var _ compaction.Host = (*DB)(nil)

// Levels lists live segment metadata per level.
func (d *DB) Levels() [][]persistence.SegmentMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	return d.current.levelMetas()
}

// AcquireSegments returns every live segment. The segments stay open
// until release is called.
func (d *DB) AcquireSegments() ([]*persistence.Segment, func()) {
	v, _, err := d.acquire()
	if err != nil {
		return nil, func() {}
	}
	return slices.Clone(v.ordered), v.unref
}

func (d *DB) NewFileNumber() uint64 {
	return d.manifest.NewFileNumber()
}

// InstallCompaction swaps the task inputs for outputs in the manifest and
// in a new version. Input files are removed once no reader holds them.
func (d *DB) InstallCompaction(task compaction.Task, outputs []persistence.SegmentMeta) error {
	d.installMu.Lock()
	defer d.installMu.Unlock()

	segs := make([]*persistence.Segment, 0, len(outputs))
	unrefAll := func() {
		for _, s := range segs {
			s.Unref()
		}
	}
	for _, meta := range outputs {
		s, err := persistence.OpenSegment(d.dir, meta, d.cache)
		if err != nil {
			unrefAll()
			return err
		}
		segs = append(segs, s)
	}

	inputs := make(map[uint64]struct{}, len(task.InputTableIDs))
	for _, n := range task.InputTableIDs {
		inputs[n] = struct{}{}
		d.protected.Add(n)
	}
	releaseInputs := func() {
		for n := range inputs {
			d.protected.Remove(n)
		}
	}

	err := d.manifest.Update(func(m *persistence.ManifestData) {
		m.Segments = slices.DeleteFunc(m.Segments, func(s persistence.SegmentMeta) bool {
			_, ok := inputs[s.Number]
			return ok
		})
		m.Segments = append(m.Segments, outputs...)
	})
	if err != nil {
		unrefAll()
		releaseInputs()
		return err
	}

	d.mu.Lock()
	cur := d.current
	levels := cur.copyLevels()
	for len(levels) <= task.TargetLevel {
		levels = append(levels, nil)
	}
	for i := range levels {
		levels[i] = slices.DeleteFunc(levels[i], func(s *persistence.Segment) bool {
			if _, ok := inputs[s.Number()]; !ok {
				return false
			}
			s.MarkObsolete(func(n uint64) { d.protected.Remove(n) })
			return true
		})
	}
	levels[task.TargetLevel] = append(levels[task.TargetLevel], segs...)
	d.installLocked(newVersion(cur.mem, cur.imm, levels))
	d.mu.Unlock()

	unrefAll()
	d.removeObsoleteFilesLocked()
	return nil
}

// maybeCompact wakes the compaction loop unless automatic compaction is off.
func (d *DB) maybeCompact() {
	if d.opts.DisableAutoCompaction || d.closed.Load() {
		return
	}
	d.compactor.Trigger()
}

// removeObsoleteFiles deletes WAL files older than the manifest log
// number, leftover temp files and segments no version references.
func (d *DB) removeObsoleteFiles() {
	d.installMu.Lock()
	defer d.installMu.Unlock()
	d.removeObsoleteFilesLocked()
}

// removeObsoleteFilesLocked is removeObsoleteFiles with d.installMu held.
func (d *DB) removeObsoleteFilesLocked() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.log.Warn("failed to list database directory", "error", dberrors.WrapIO("readdir", d.dir, err))
		return
	}

	state := d.manifest.Data()
	live := make(map[uint64]struct{}, len(state.Segments))
	for _, s := range state.Segments {
		live[s.Number] = struct{}{}
	}

	for _, e := range entries {
		typ, num := fileutil.ParseName(e.Name())
		var obsolete bool
		switch typ {
		case fileutil.TypeTemp:
			obsolete = true
		case fileutil.TypeLog:
			obsolete = num < state.LogNumber
		case fileutil.TypeSegment:
			_, isLive := live[num]
			obsolete = !isLive && !d.protected.Contains(num)
		}
		if obsolete {
			d.removeFile(filepath.Join(d.dir, e.Name()))
		}
	}
}

func (d *DB) removeFile(path string) {
	if err := fileutil.Remove(path); err != nil {
		d.log.Warn("failed to remove obsolete file", "path", path, "error", err)
		return
	}
	d.log.Debug("removed obsolete file", "path", path)
}
