// Package pool provides the slab allocators the build draws point records
// from. Two pools exist: data slots sized to the packed point schema, and
// info slots pairing a point with its data slot. Records move in and out as
// stacks to amortize locking.
package pool

import (
	"sync"

	"github.com/abellgithub/entwine/entwine/types"
)

const slabSize = 4096

// DataNode is one payload slot. Val is always PointSize bytes.
type DataNode struct {
	val  []byte
	next *DataNode
}

// Val is the packed record storage.
func (n *DataNode) Val() []byte { return n.val }

// DataStack is an intrusive singly-linked stack of data slots.
type DataStack struct {
	head  *DataNode
	count int
}

// Push prepends a node.
func (s *DataStack) Push(n *DataNode) {
	n.next = s.head
	s.head = n
	s.count++
}

// Pop removes and returns the top node, or nil when empty.
func (s *DataStack) Pop() *DataNode {
	n := s.head
	if n == nil {
		return nil
	}
	s.head = n.next
	n.next = nil
	s.count--
	return n
}

// Size is the node count.
func (s *DataStack) Size() int { return s.count }

// Empty reports whether the stack holds no nodes.
func (s *DataStack) Empty() bool { return s.head == nil }

// PushStack splices all of o onto s in O(size of o).
func (s *DataStack) PushStack(o *DataStack) {
	for n := o.Pop(); n != nil; n = o.Pop() {
		s.Push(n)
	}
}

// DataPool hands out payload slots. Fresh slots are carved from shared
// slabs; released slots are recycled. Safe for concurrent use.
type DataPool struct {
	mu        sync.Mutex
	free      DataStack
	pointSize int
	slab      []byte
	allocated uint64
}

// NewDataPool builds a pool for records of the given packed size.
func NewDataPool(pointSize int) *DataPool {
	return &DataPool{pointSize: pointSize}
}

// PointSize is the byte width of each slot.
func (p *DataPool) PointSize() int { return p.pointSize }

// Allocated is the total number of slots ever carved.
func (p *DataPool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Acquire returns a stack of exactly n fresh or recycled slots.
func (p *DataPool) Acquire(n int) DataStack {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out DataStack
	for out.Size() < n {
		if node := p.free.Pop(); node != nil {
			out.Push(node)
			continue
		}
		if len(p.slab) < p.pointSize {
			p.slab = make([]byte, slabSize*p.pointSize)
		}
		node := &DataNode{val: p.slab[:p.pointSize:p.pointSize]}
		p.slab = p.slab[p.pointSize:]
		p.allocated++
		out.Push(node)
	}
	return out
}

// Release returns all of a stack's slots to the pool in O(stack size).
func (p *DataPool) Release(s *DataStack) {
	if s.Empty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.PushStack(s)
}

// ReleaseOne returns a single slot.
func (p *DataPool) ReleaseOne(n *DataNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.Push(n)
}

// Info pairs a point's spatial coordinates with its payload slot. The data
// slot holds the full packed record; the point is denormalized out of it so
// descent never re-decodes coordinates.
type Info struct {
	Point types.Point
	Data  *DataNode
}

// InfoNode is one info slot.
type InfoNode struct {
	info Info
	next *InfoNode
}

// Val is the slot's info record.
func (n *InfoNode) Val() *Info { return &n.info }

// Construct fills the slot with a point and its payload.
func (n *InfoNode) Construct(p types.Point, data *DataNode) {
	n.info = Info{Point: p, Data: data}
}

// InfoStack is an intrusive singly-linked stack of info slots.
type InfoStack struct {
	head  *InfoNode
	count int
}

func (s *InfoStack) Push(n *InfoNode) {
	n.next = s.head
	s.head = n
	s.count++
}

func (s *InfoStack) Pop() *InfoNode {
	n := s.head
	if n == nil {
		return nil
	}
	s.head = n.next
	n.next = nil
	s.count--
	return n
}

func (s *InfoStack) Size() int   { return s.count }
func (s *InfoStack) Empty() bool { return s.head == nil }

func (s *InfoStack) PushStack(o *InfoStack) {
	for n := o.Pop(); n != nil; n = o.Pop() {
		s.Push(n)
	}
}

// InfoPool hands out info slots. Safe for concurrent use.
type InfoPool struct {
	mu        sync.Mutex
	free      InfoStack
	allocated uint64
}

// NewInfoPool builds an empty info pool.
func NewInfoPool() *InfoPool { return &InfoPool{} }

// Allocated is the total number of slots ever created.
func (p *InfoPool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Acquire returns a stack of exactly n fresh or recycled slots.
func (p *InfoPool) Acquire(n int) InfoStack {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out InfoStack
	for out.Size() < n {
		if node := p.free.Pop(); node != nil {
			out.Push(node)
			continue
		}
		p.allocated++
		out.Push(&InfoNode{})
	}
	return out
}

// Release returns all of a stack's slots to the pool.
func (p *InfoPool) Release(s *InfoStack) {
	if s.Empty() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.PushStack(s)
}

// ReleaseOne returns a single slot.
func (p *InfoPool) ReleaseOne(n *InfoNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free.Push(n)
}

// Pools bundles the two allocators for one build.
type Pools struct {
	Data *DataPool
	Info *InfoPool
}

// NewPools sizes the data pool to the schema's packed point width.
func NewPools(pointSize int) *Pools {
	return &Pools{Data: NewDataPool(pointSize), Info: NewInfoPool()}
}
