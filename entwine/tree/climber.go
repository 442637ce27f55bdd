// Package tree holds the spatial hierarchy: the climber that descends it,
// the chunks that store its cells, and the registry that caches chunks.
package tree

import (
	"github.com/abellgithub/entwine/entwine/types"
)

// Climber is a stateful descent cursor through the hierarchy. It starts at
// the root and steps one depth at a time toward the child containing a
// point, maintaining the sparse node index as it goes. Pure arithmetic; no
// failure modes.
type Climber struct {
	structure *types.Structure
	bounds    types.Bounds
	depth     uint64
	index     uint64
}

// NewClimber positions a cursor at the root of the tree.
func NewClimber(root types.Bounds, s *types.Structure) Climber {
	return Climber{structure: s, bounds: root}
}

// Reset returns the cursor to the root.
func (c *Climber) Reset(root types.Bounds) {
	c.bounds = root
	c.depth = 0
	c.index = 0
}

// Depth is the current level, 0 at the root.
func (c *Climber) Depth() uint64 { return c.depth }

// Index is the sparse node index at the current level.
func (c *Climber) Index() uint64 { return c.index }

// Bounds is the box of the current node.
func (c *Climber) Bounds() types.Bounds { return c.bounds }

// Down steps into the child whose half-space contains p. Ties at a midpoint
// go to the upper half; the extreme upper corner of the root therefore rides
// the uppermost child at every level.
func (c *Climber) Down(p types.Point) {
	slot := c.bounds.Slot(p)
	c.bounds = c.bounds.Child(slot)

	s := c.structure
	b := s.Branching()
	parentBegin := s.IndexBegin(c.depth)
	c.depth++
	c.index = s.IndexBegin(c.depth) + (c.index-parentBegin)*b + uint64(slot)
}

// ChunkID resolves the current node to its containing chunk.
func (c *Climber) ChunkID() uint64 {
	id, _ := c.structure.ChunkAt(c.depth, c.index)
	return id
}

// ChunkOffset is the cell offset of the current node within its chunk.
func (c *Climber) ChunkOffset() uint64 {
	_, off := c.structure.ChunkAt(c.depth, c.index)
	return off
}
