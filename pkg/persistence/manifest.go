package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"

	"segkv/internal/fileutil"
	"segkv/pkg/dberrors"
	"segkv/pkg/types"
)

// ManifestData is the durable description of a database: which segments
// are live and which WAL files still need replay.
type ManifestData struct {
	DBID           string        `json:"db_id"`
	NextFileNumber uint64        `json:"next_file_number"`
	LogNumber      uint64        `json:"log_number"`
	LastSequence   types.SeqN    `json:"last_sequence"`
	Segments       []SegmentMeta `json:"segments"`
}

// Clone returns a deep enough copy for edits: the segment slice is new,
// key slices are shared since they are never mutated.
func (d ManifestData) Clone() ManifestData {
	d.Segments = slices.Clone(d.Segments)
	return d
}

// envelope guards the state with a checksum so a torn or edited manifest
// is reported as corruption instead of being half-applied.
type envelope struct {
	Checksum uint32          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// Manifest manages the MANIFEST file of a database directory.
// Every update rewrites the whole file atomically.
type Manifest struct {
	mu       sync.Mutex
	dir      string
	filePath string
	data     ManifestData
}

func NewManifest(dir string) *Manifest {
	return &Manifest{
		dir:      dir,
		filePath: fileutil.ManifestPath(dir),
		data: ManifestData{
			NextFileNumber: 1,
		},
	}
}

// Load reads the manifest from disk. It reports false, and leaves the
// in-memory state untouched, when no manifest exists.
func (m *Manifest) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, dberrors.WrapIO("read manifest", m.filePath, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, dberrors.Corruptf(m.filePath, -1, "failed to parse manifest: %v", err)
	}
	if checksum(env.State) != env.Checksum {
		return false, dberrors.Corruptf(m.filePath, -1, "manifest checksum mismatch")
	}

	var data ManifestData
	if err := json.Unmarshal(env.State, &data); err != nil {
		return false, dberrors.Corruptf(m.filePath, -1, "failed to parse manifest state: %v", err)
	}
	if err := data.validate(); err != nil {
		return false, dberrors.Corruptf(m.filePath, -1, "%v", err)
	}

	m.data = data
	return true, nil
}

func (d ManifestData) validate() error {
	seen := make(map[uint64]struct{}, len(d.Segments))
	for _, s := range d.Segments {
		if s.Number >= d.NextFileNumber {
			return fmt.Errorf("segment %d not below next file number %d", s.Number, d.NextFileNumber)
		}
		if _, dup := seen[s.Number]; dup {
			return fmt.Errorf("segment %d listed twice", s.Number)
		}
		seen[s.Number] = struct{}{}
	}
	if d.LogNumber >= d.NextFileNumber && d.LogNumber != 0 {
		return fmt.Errorf("log number %d not below next file number %d", d.LogNumber, d.NextFileNumber)
	}
	return nil
}

// Data returns a copy of the current state.
func (m *Manifest) Data() ManifestData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.Clone()
}

// Update applies edit to a copy of the state and makes it durable. The
// in-memory state only changes once the new file is in place.
func (m *Manifest) Update(edit func(*ManifestData)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.data.Clone()
	edit(&next)
	if err := next.validate(); err != nil {
		return fmt.Errorf("refusing to write manifest: %w", err)
	}
	if err := m.save(next); err != nil {
		return err
	}
	m.data = next
	return nil
}

// NewFileNumber reserves a file number. The reservation becomes durable
// with the next Update; numbers lost in a crash are simply skipped.
func (m *Manifest) NewFileNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.data.NextFileNumber
	m.data.NextFileNumber++
	return n
}

// MarkFileNumberUsed makes sure future numbers are above n.
func (m *Manifest) MarkFileNumberUsed(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= m.data.NextFileNumber {
		m.data.NextFileNumber = n + 1
	}
}

func (m *Manifest) save(data ManifestData) error {
	state, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	raw, err := json.Marshal(envelope{Checksum: checksum(state), State: state})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := fileutil.WriteFileAtomic(m.filePath, raw); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
