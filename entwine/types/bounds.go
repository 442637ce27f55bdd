package types

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Bounds is an axis-aligned bounding box over two corner points. A 2D box
// carries z values but ignores them for containment and splitting.
type Bounds struct {
	min  Point
	max  Point
	is3d bool
}

// NewBounds builds a box from its corners.
func NewBounds(min, max Point, is3d bool) Bounds {
	return Bounds{min: min, max: max, is3d: is3d}
}

// Expander returns an inverted box that grows to fit whatever it is fed.
func Expander(is3d bool) Bounds {
	m := math.MaxFloat64
	return Bounds{
		min:  Point{X: m, Y: m, Z: m},
		max:  Point{X: -m, Y: -m, Z: -m},
		is3d: is3d,
	}
}

func (b Bounds) Min() Point { return b.min }
func (b Bounds) Max() Point { return b.max }
func (b Bounds) Is3D() bool { return b.is3d }

// Exists reports whether the box has a non-inverted extent.
func (b Bounds) Exists() bool {
	return b.min.X <= b.max.X && b.min.Y <= b.max.Y &&
		(!b.is3d || b.min.Z <= b.max.Z)
}

// Mid is the center of the box.
func (b Bounds) Mid() Point {
	return FromVec(r3.Scale(0.5, r3.Add(b.min.Vec(), b.max.Vec())))
}

// Contains tests point membership. Both corners are inclusive so the extreme
// upper corner of a root box is in bounds; descent tie-breaking is handled by
// the climber's midpoint comparison.
func (b Bounds) Contains(p Point) bool {
	if p.X < b.min.X || p.X > b.max.X || p.Y < b.min.Y || p.Y > b.max.Y {
		return false
	}
	if b.is3d && (p.Z < b.min.Z || p.Z > b.max.Z) {
		return false
	}
	return true
}

// Overlaps reports whether the two boxes intersect. Boxes that only touch
// at a face, edge, or corner count as overlapping.
func (b Bounds) Overlaps(o Bounds) bool {
	if b.max.X < o.min.X || o.max.X < b.min.X ||
		b.max.Y < o.min.Y || o.max.Y < b.min.Y {
		return false
	}
	if b.is3d && o.is3d && (b.max.Z < o.min.Z || o.max.Z < b.min.Z) {
		return false
	}
	return true
}

// Grow widens the box to include p.
func (b *Bounds) Grow(p Point) {
	b.min = b.min.Min(p)
	b.max = b.max.Max(p)
}

// GrowBounds widens the box to include all of o.
func (b *Bounds) GrowBounds(o Bounds) {
	b.min = b.min.Min(o.min)
	b.max = b.max.Max(o.max)
}

// GrowZ widens only the z extent. Used by 2D builds, whose placement ignores
// z but whose persisted bbox still reflects the full vertical range.
func (b *Bounds) GrowZ(r Range) {
	if r.Empty() {
		return
	}
	if r.Min < b.min.Z {
		b.min.Z = r.Min
	}
	if r.Max > b.max.Z {
		b.max.Z = r.Max
	}
}

// Child returns the sub-box for a local child slot as produced by the
// climber: bit 0 selects the upper x half, bit 1 the upper y half, and in 3D
// bit 2 the upper z half.
func (b Bounds) Child(slot int) Bounds {
	mid := b.Mid()
	c := b
	if slot&1 != 0 {
		c.min.X = mid.X
	} else {
		c.max.X = mid.X
	}
	if slot&2 != 0 {
		c.min.Y = mid.Y
	} else {
		c.max.Y = mid.Y
	}
	if b.is3d {
		if slot&4 != 0 {
			c.min.Z = mid.Z
		} else {
			c.max.Z = mid.Z
		}
	}
	return c
}

// Slot returns the local child slot containing p, the inverse of Child.
// Lower halves are inclusive of the midpoint's lower side; a point on the
// midpoint goes to the upper half.
func (b Bounds) Slot(p Point) int {
	mid := b.Mid()
	slot := 0
	if p.X >= mid.X {
		slot |= 1
	}
	if p.Y >= mid.Y {
		slot |= 2
	}
	if b.is3d && p.Z >= mid.Z {
		slot |= 4
	}
	return slot
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%v, %v]", b.min, b.max)
}

type boundsJSON struct {
	Min  Point `json:"min"`
	Max  Point `json:"max"`
	Is3D bool  `json:"is3d"`
}

func (b Bounds) MarshalJSON() ([]byte, error) {
	return json.Marshal(boundsJSON{Min: b.min, Max: b.max, Is3D: b.is3d})
}

func (b *Bounds) UnmarshalJSON(data []byte) error {
	var bj boundsJSON
	if err := json.Unmarshal(data, &bj); err != nil {
		return fmt.Errorf("invalid bounds: %w", err)
	}
	b.min, b.max, b.is3d = bj.Min, bj.Max, bj.Is3D
	return nil
}
