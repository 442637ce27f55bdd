package types

import (
	"encoding/json"
	"fmt"
	"math/bits"
)

// Subset marks this build as producing partition id of a disjoint set of
// `of` builds over the same logical index. Ids are 1-based.
type Subset struct {
	ID uint64 `json:"id"`
	Of uint64 `json:"of"`
}

// Structure declares the tree shape: depth ranges, branching, and the cold
// chunk span schedule. Immutable after construction except for MakeWhole,
// which clears the subset marker during merge.
type Structure struct {
	totalDepth uint64
	baseDepth  uint64
	coldDepth  uint64
	nominal    uint64 // nominal points per cold chunk
	is3d       bool
	subset     *Subset

	span0 uint64 // power-of-two span derived from nominal
}

// NewStructure validates the declared shape.
func NewStructure(
	totalDepth, baseDepth, coldDepth, nominalChunkPoints uint64,
	is3d bool,
	subset *Subset,
) (*Structure, error) {
	if coldDepth < baseDepth {
		return nil, fmt.Errorf("coldDepth %d < baseDepth %d", coldDepth, baseDepth)
	}
	if totalDepth < coldDepth {
		return nil, fmt.Errorf("totalDepth %d < coldDepth %d", totalDepth, coldDepth)
	}
	if baseDepth == 0 {
		return nil, fmt.Errorf("baseDepth must be at least 1")
	}
	if nominalChunkPoints == 0 {
		return nil, fmt.Errorf("nominalChunkPoints must be positive")
	}
	if subset != nil {
		if subset.Of < 2 || bits.OnesCount64(subset.Of) != 1 {
			return nil, fmt.Errorf("subset count %d must be a power of two >= 2", subset.Of)
		}
		if subset.ID < 1 || subset.ID > subset.Of {
			return nil, fmt.Errorf("subset id %d out of range [1, %d]", subset.ID, subset.Of)
		}
	}

	span0 := uint64(1)
	for span0 < nominalChunkPoints {
		span0 <<= 1
	}

	return &Structure{
		totalDepth: totalDepth,
		baseDepth:  baseDepth,
		coldDepth:  coldDepth,
		nominal:    nominalChunkPoints,
		is3d:       is3d,
		subset:     subset,
		span0:      span0,
	}, nil
}

func (s *Structure) TotalDepth() uint64 { return s.totalDepth }
func (s *Structure) BaseDepth() uint64  { return s.baseDepth }
func (s *Structure) ColdDepth() uint64  { return s.coldDepth }
func (s *Structure) Is3D() bool         { return s.is3d }
func (s *Structure) Subset() *Subset    { return s.subset }

// Branching is 4 in 2D and 8 in 3D.
func (s *Structure) Branching() uint64 {
	if s.is3d {
		return 8
	}
	return 4
}

func (s *Structure) dimBits() uint {
	if s.is3d {
		return 3
	}
	return 2
}

// IndexBegin is the first node index at the given depth: (B^d - 1) / (B - 1).
func (s *Structure) IndexBegin(depth uint64) uint64 {
	b := s.Branching()
	return ((uint64(1) << (uint(depth) * s.dimBits())) - 1) / (b - 1)
}

// LevelWidth is the node count at the given depth, B^d.
func (s *Structure) LevelWidth(depth uint64) uint64 {
	return uint64(1) << (uint(depth) * s.dimBits())
}

// BaseIndexSpan is the number of always-resident node indices, covering
// depths [0, baseDepth).
func (s *Structure) BaseIndexSpan() uint64 { return s.IndexBegin(s.baseDepth) }

// BaseChunkID is the id under which the base chunk persists: 0 for whole
// builds, the begin of the base's deepest level for subset builds.
func (s *Structure) BaseChunkID() uint64 {
	if s.subset == nil {
		return 0
	}
	return s.IndexBegin(s.baseDepth - 1)
}

// ChunkSpan is the cold chunk width at the given depth. The span holds at
// its base value through [baseDepth, coldDepth) and doubles per depth beyond
// that, so deeper bands carry larger chunks. Spans are powers of two and so
// always divide the power-of-two level widths.
func (s *Structure) ChunkSpan(depth uint64) uint64 {
	span := s.span0
	if depth >= s.coldDepth {
		shift := uint(depth-s.coldDepth) + 1
		if shift > 62 {
			shift = 62
		}
		span <<= shift
	}
	if w := s.LevelWidth(depth); span > w {
		span = w
	}
	return span
}

// ChunkAt resolves a node index at a depth to its chunk id (the index of the
// chunk's first cell) and the offset within that chunk. Depths below
// baseDepth resolve into the single base chunk.
func (s *Structure) ChunkAt(depth, index uint64) (chunkID, offset uint64) {
	if depth < s.baseDepth {
		return s.BaseChunkID(), index
	}
	begin := s.IndexBegin(depth)
	span := s.ChunkSpan(depth)
	rel := index - begin
	return begin + rel/span*span, rel % span
}

// ChunkDepthFor recovers the depth band of a cold chunk from its id, which
// is always the node index of the chunk's first cell.
func (s *Structure) ChunkDepthFor(id uint64) uint64 {
	for d := s.baseDepth; d < s.totalDepth; d++ {
		if id < s.IndexBegin(d+1) {
			return d
		}
	}
	return s.totalDepth
}

// SubsetPostfix is appended to persisted keys for subset builds, e.g. "-2".
func (s *Structure) SubsetPostfix() string {
	if s.subset == nil {
		return ""
	}
	return fmt.Sprintf("-%d", s.subset.ID-1)
}

// SubsetBounds carves the partition of the root bounds owned by this subset:
// the root is halved along the wider of x/y until `of` cells exist, and the
// cell at position id-1 is returned. Whole builds return the root unchanged.
func (s *Structure) SubsetBounds(root Bounds) Bounds {
	if s.subset == nil {
		return root
	}
	cells := []Bounds{root}
	for uint64(len(cells)) < s.subset.Of {
		next := make([]Bounds, 0, len(cells)*2)
		for _, c := range cells {
			lo, hi := halve(c)
			next = append(next, lo, hi)
		}
		cells = next
	}
	return cells[s.subset.ID-1]
}

func halve(b Bounds) (Bounds, Bounds) {
	min, max := b.Min(), b.Max()
	mid := b.Mid()
	if max.X-min.X >= max.Y-min.Y {
		lo := NewBounds(min, Point{X: mid.X, Y: max.Y, Z: max.Z}, b.Is3D())
		hi := NewBounds(Point{X: mid.X, Y: min.Y, Z: min.Z}, max, b.Is3D())
		return lo, hi
	}
	lo := NewBounds(min, Point{X: max.X, Y: mid.Y, Z: max.Z}, b.Is3D())
	hi := NewBounds(Point{X: min.X, Y: mid.Y, Z: min.Z}, max, b.Is3D())
	return lo, hi
}

// MakeWhole clears the subset marker after a merge.
func (s *Structure) MakeWhole() { s.subset = nil }

type structureJSON struct {
	TotalDepth         uint64  `json:"totalDepth"`
	BaseDepth          uint64  `json:"baseDepth"`
	ColdDepth          uint64  `json:"coldDepth"`
	NominalChunkPoints uint64  `json:"nominalChunkPoints"`
	Is3D               bool    `json:"is3d"`
	Subset             *Subset `json:"subset,omitempty"`
}

func (s *Structure) MarshalJSON() ([]byte, error) {
	return json.Marshal(structureJSON{
		TotalDepth:         s.totalDepth,
		BaseDepth:          s.baseDepth,
		ColdDepth:          s.coldDepth,
		NominalChunkPoints: s.nominal,
		Is3D:               s.is3d,
		Subset:             s.subset,
	})
}

func (s *Structure) UnmarshalJSON(data []byte) error {
	var sj structureJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return fmt.Errorf("invalid structure: %w", err)
	}
	built, err := NewStructure(
		sj.TotalDepth, sj.BaseDepth, sj.ColdDepth,
		sj.NominalChunkPoints, sj.Is3D, sj.Subset)
	if err != nil {
		return err
	}
	*s = *built
	return nil
}
