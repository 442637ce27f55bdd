package types

import (
	"encoding/json"
	"fmt"
	"sync"

	radix "github.com/armon/go-radix"
)

// Origin is the dense identifier of a source file within one build. It is
// stamped into every point's Origin dimension.
type Origin uint32

// Reserved origin values.
const (
	// InvalidOrigin marks a path that was already ingested.
	InvalidOrigin Origin = ^Origin(0)
	// OmittedOrigin marks a path the reader rejected.
	OmittedOrigin Origin = ^Origin(0) - 1
)

// FileStatus is the lifecycle state of one manifest entry.
type FileStatus string

const (
	StatusQueued   FileStatus = "queued"
	StatusInserted FileStatus = "inserted"
	StatusOmitted  FileStatus = "omitted"
	StatusErrored  FileStatus = "errored"
)

// FileInfo is one manifest entry.
type FileInfo struct {
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	NumPoints uint64     `json:"numPoints,omitempty"`
	Bounds    *Bounds    `json:"bounds,omitempty"`
}

// Manifest is the ordered list of inputs with per-file status. Path lookup
// for duplicate detection runs over a radix tree alongside the entry list.
// All mutators are safe for concurrent use.
type Manifest struct {
	mu      sync.Mutex
	entries []FileInfo
	paths   *radix.Tree
}

// NewManifest returns an empty manifest.
func NewManifest() *Manifest {
	return &Manifest{paths: radix.New()}
}

// AddOrigin appends a queued entry for the path and returns its origin.
// Returns InvalidOrigin if the path is already present.
func (m *Manifest) AddOrigin(path string) Origin {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths.Get(path); ok {
		return InvalidOrigin
	}
	origin := Origin(len(m.entries))
	m.entries = append(m.entries, FileInfo{Path: path, Status: StatusQueued})
	m.paths.Insert(path, origin)
	return origin
}

// AddOmission records a path the reader declared unreadable.
func (m *Manifest) AddOmission(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.paths.Get(path); ok {
		return
	}
	m.entries = append(m.entries, FileInfo{Path: path, Status: StatusOmitted})
	m.paths.Insert(path, OmittedOrigin)
}

// SetInserted marks an origin fully ingested with its point count.
func (m *Manifest) SetInserted(origin Origin, numPoints uint64, bounds *Bounds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(origin) >= len(m.entries) {
		return
	}
	e := &m.entries[origin]
	e.Status = StatusInserted
	e.NumPoints = numPoints
	e.Bounds = bounds
}

// SetError marks an origin as failed mid-stream.
func (m *Manifest) SetError(origin Origin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(origin) >= len(m.entries) {
		return
	}
	m.entries[origin].Status = StatusErrored
}

// Get returns a copy of the entry for an origin.
func (m *Manifest) Get(origin Origin) (FileInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(origin) >= len(m.entries) {
		return FileInfo{}, false
	}
	return m.entries[origin], true
}

// Len is the number of entries, in insertion order.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of the ordered entry list.
func (m *Manifest) Entries() []FileInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileInfo, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Entries())
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var entries []FileInfo
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.paths = radix.New()
	for i, e := range entries {
		if e.Status == StatusOmitted {
			m.paths.Insert(e.Path, OmittedOrigin)
		} else {
			m.paths.Insert(e.Path, Origin(i))
		}
	}
	return nil
}
