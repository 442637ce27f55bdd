// Package reader defines the point-file collaborator contract: the core
// consumes an iterator of packed point batches, and never sees file formats
// directly. One concrete implementation ships here, a little-endian binary
// point format used by the scanner and the tests.
package reader

import (
	"github.com/abellgithub/entwine/entwine/types"
)

// Preview is a header-only inspection of a point file.
type Preview struct {
	NumPoints uint64
	Bounds    *types.Bounds
	SRS       string
	DimNames  []string
	Scale     *types.Scale
	Metadata  map[string]string
}

// Table is a caller-provided batch buffer the source fills with packed
// records laid out per the build schema. It is reused across Next calls.
type Table struct {
	schema *types.Schema
	data   []byte
	size   int
}

// NewTable sizes a batch buffer for capacity records.
func NewTable(schema *types.Schema, capacity int) *Table {
	return &Table{
		schema: schema,
		data:   make([]byte, capacity*schema.PointSize()),
	}
}

// Capacity is the table's maximum record count.
func (t *Table) Capacity() int { return len(t.data) / t.schema.PointSize() }

// Len is the number of records currently held.
func (t *Table) Len() int { return t.size }

// Record returns the i-th packed record.
func (t *Table) Record(i int) []byte {
	w := t.schema.PointSize()
	return t.data[i*w : (i+1)*w]
}

// Schema is the layout the records are packed with.
func (t *Table) Schema() *types.Schema { return t.schema }

func (t *Table) setLen(n int) { t.size = n }

// Source yields batches of reprojected points. Next fills the table and
// returns the record count; zero with a nil error means end of stream.
type Source interface {
	Next(t *Table) (int, error)
	Close() error
}

// Reader is the file-format collaborator.
type Reader interface {
	// Good reports whether the path names a format this reader handles,
	// without touching the file contents.
	Good(path string) bool

	// Preview inspects the header. With deep set, implementations may do
	// extra work to recover metadata the shallow pass skips.
	Preview(path string, re *types.Reprojection, deep bool) (*Preview, error)

	// Open starts a streaming read producing records packed per schema.
	Open(path string, re *types.Reprojection, schema *types.Schema) (Source, error)
}
