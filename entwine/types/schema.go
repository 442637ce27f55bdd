package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Dimension names with reserved meaning.
const (
	DimX      = "X"
	DimY      = "Y"
	DimZ      = "Z"
	DimOrigin = "Origin"
)

// DimKind is the interpretation of a dimension's bytes.
type DimKind string

const (
	Signed   DimKind = "signed"
	Unsigned DimKind = "unsigned"
	Floating DimKind = "floating"
)

// DimInfo describes one named dimension of the point payload.
type DimInfo struct {
	Name string  `json:"name"`
	Kind DimKind `json:"type"`
	Size int     `json:"size"`
}

// Schema is an ordered list of dimensions defining the packed point layout.
// Every schema carries X, Y, Z as 8-byte floats and a 4-byte unsigned Origin
// identifying the source file; NewSchema injects them if absent.
type Schema struct {
	dims    []DimInfo
	offsets map[string]int
	size    int
}

// NewSchema normalizes the dimension list into a usable layout.
func NewSchema(dims []DimInfo) *Schema {
	out := make([]DimInfo, 0, len(dims)+4)
	have := make(map[string]bool, len(dims))
	for _, name := range []string{DimX, DimY, DimZ} {
		out = append(out, DimInfo{Name: name, Kind: Floating, Size: 8})
		have[name] = true
	}
	for _, d := range dims {
		if have[d.Name] {
			continue
		}
		have[d.Name] = true
		out = append(out, d)
	}
	if !have[DimOrigin] {
		out = append(out, DimInfo{Name: DimOrigin, Kind: Unsigned, Size: 4})
	}

	s := &Schema{dims: out, offsets: make(map[string]int, len(out))}
	for _, d := range out {
		s.offsets[d.Name] = s.size
		s.size += d.Size
	}
	return s
}

// Dims returns the ordered dimension list.
func (s *Schema) Dims() []DimInfo { return s.dims }

// PointSize is the packed byte width of one point record.
func (s *Schema) PointSize() int { return s.size }

// Offset returns the byte offset of a dimension, or -1 if absent.
func (s *Schema) Offset(name string) int {
	if off, ok := s.offsets[name]; ok {
		return off
	}
	return -1
}

// Contains reports whether the schema carries the named dimension.
func (s *Schema) Contains(name string) bool {
	_, ok := s.offsets[name]
	return ok
}

// Merge unions two schemas dimension-wise. Dimensions already present keep
// their declared type; new ones are appended in the other schema's order.
func (s *Schema) Merge(o *Schema) *Schema {
	merged := make([]DimInfo, 0, len(s.dims)+len(o.dims))
	merged = append(merged, s.dims...)
	for _, d := range o.dims {
		if !s.Contains(d.Name) {
			merged = append(merged, d)
		}
	}
	return NewSchema(merged)
}

// ReadPoint extracts the x, y, z coordinates from a packed record.
func (s *Schema) ReadPoint(data []byte) Point {
	return Point{
		X: math.Float64frombits(binary.LittleEndian.Uint64(data[s.offsets[DimX]:])),
		Y: math.Float64frombits(binary.LittleEndian.Uint64(data[s.offsets[DimY]:])),
		Z: math.Float64frombits(binary.LittleEndian.Uint64(data[s.offsets[DimZ]:])),
	}
}

// WritePoint stores the x, y, z coordinates into a packed record.
func (s *Schema) WritePoint(data []byte, p Point) {
	binary.LittleEndian.PutUint64(data[s.offsets[DimX]:], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(data[s.offsets[DimY]:], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(data[s.offsets[DimZ]:], math.Float64bits(p.Z))
}

// SetOrigin stamps the origin dimension of a packed record.
func (s *Schema) SetOrigin(data []byte, origin Origin) {
	binary.LittleEndian.PutUint32(data[s.offsets[DimOrigin]:], uint32(origin))
}

// ReadOrigin reads the origin dimension of a packed record.
func (s *Schema) ReadOrigin(data []byte) Origin {
	return Origin(binary.LittleEndian.Uint32(data[s.offsets[DimOrigin]:]))
}

// Validate rejects layouts the chunk codec cannot round-trip.
func (s *Schema) Validate() error {
	for _, d := range s.dims {
		switch d.Size {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("dimension %q has unsupported size %d", d.Name, d.Size)
		}
		switch d.Kind {
		case Signed, Unsigned, Floating:
		default:
			return fmt.Errorf("dimension %q has unknown kind %q", d.Name, d.Kind)
		}
	}
	return nil
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.dims)
}

func (s *Schema) UnmarshalJSON(data []byte) error {
	var dims []DimInfo
	if err := json.Unmarshal(data, &dims); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	*s = *NewSchema(dims)
	return nil
}
