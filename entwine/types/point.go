package types

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Point is a position in the project coordinate system. The layout matches
// r3.Vec so the two convert directly for vector arithmetic.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Vec converts the point for gonum vector operations.
func (p Point) Vec() r3.Vec { return r3.Vec(p) }

// FromVec converts back from a gonum vector.
func FromVec(v r3.Vec) Point { return Point(v) }

// Min returns the component-wise minimum of p and q.
func (p Point) Min(q Point) Point {
	return Point{
		X: math.Min(p.X, q.X),
		Y: math.Min(p.Y, q.Y),
		Z: math.Min(p.Z, q.Z),
	}
}

// Max returns the component-wise maximum of p and q.
func (p Point) Max(q Point) Point {
	return Point{
		X: math.Max(p.X, q.X),
		Y: math.Max(p.Y, q.Y),
		Z: math.Max(p.Z, q.Z),
	}
}

func (p Point) String() string {
	return fmt.Sprintf("(%g, %g, %g)", p.X, p.Y, p.Z)
}

// MarshalJSON encodes the point as a compact [x, y, z] triple.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{p.X, p.Y, p.Z})
}

// UnmarshalJSON accepts the [x, y, z] triple form.
func (p *Point) UnmarshalJSON(data []byte) error {
	var arr [3]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("invalid point: %w", err)
	}
	p.X, p.Y, p.Z = arr[0], arr[1], arr[2]
	return nil
}

// Scale is a per-axis quantization scale inferred from input headers.
type Scale = Point

// UnitScale is the scale of unquantized inputs.
func UnitScale() Scale { return Scale{X: 1, Y: 1, Z: 1} }

// Valid reports whether no component of the scale is zero.
func (s Scale) Valid() bool { return s.X != 0 && s.Y != 0 && s.Z != 0 }

// Range is a streaming min/max accumulator over a single axis.
type Range struct {
	Min float64
	Max float64
}

// NewRange returns an empty range ready to grow.
func NewRange() Range {
	return Range{Min: math.MaxFloat64, Max: -math.MaxFloat64}
}

// Grow widens the range to include v.
func (r *Range) Grow(v float64) {
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
}

// Empty reports whether the range has never grown.
func (r Range) Empty() bool { return r.Min > r.Max }
