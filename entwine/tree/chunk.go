package tree

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/types"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Chunk is the unit of persistence: a dense array of cells covering a
// contiguous range of node indices. A cell is empty or owns exactly one info
// record; once occupied it never empties again until the whole chunk is
// destroyed, and its record never migrates to another chunk.
type Chunk struct {
	id     uint64
	span   uint64
	depth  uint64
	schema *types.Schema
	cells  []atomic.Pointer[pool.InfoNode]
	filled atomic.Uint64
}

// NewChunk builds an empty chunk.
func NewChunk(schema *types.Schema, id, span, depth uint64) *Chunk {
	return &Chunk{
		id:     id,
		span:   span,
		depth:  depth,
		schema: schema,
		cells:  make([]atomic.Pointer[pool.InfoNode], span),
	}
}

// ID is the node index of the chunk's first cell.
func (c *Chunk) ID() uint64 { return c.id }

// Span is the cell count.
func (c *Chunk) Span() uint64 { return c.span }

// Depth is the chunk's depth band.
func (c *Chunk) Depth() uint64 { return c.depth }

// Filled is the number of occupied cells.
func (c *Chunk) Filled() uint64 { return c.filled.Load() }

// Insert attempts to claim the cell at offset for info. The empty-to-
// occupied transition is a single compare-and-swap, so two workers touching
// different cells never contend. Returns true when placed; on collision the
// existing occupant stays and the caller must descend with info.
func (c *Chunk) Insert(offset uint64, info *pool.InfoNode) bool {
	if c.cells[offset].CompareAndSwap(nil, info) {
		c.filled.Add(1)
		return true
	}
	return false
}

// Read returns the cell's occupant, or nil when empty.
func (c *Chunk) Read(offset uint64) *pool.Info {
	n := c.cells[offset].Load()
	if n == nil {
		return nil
	}
	return n.Val()
}

// Bytes serializes the chunk: an 8-byte little-endian span, an occupancy
// bitmap of span bits, then the packed records of the occupied cells in
// schema order. When compress is set everything after the span prefix is
// zstd-wrapped.
func (c *Chunk) Bytes(compress bool) []byte {
	bitmapLen := (c.span + 7) / 8
	body := make([]byte, bitmapLen, bitmapLen+c.filled.Load()*uint64(c.schema.PointSize()))

	for i := range c.cells {
		if n := c.cells[i].Load(); n != nil {
			body[i/8] |= 1 << (uint(i) % 8)
			body = append(body, n.Val().Data.Val()...)
		}
	}

	if compress {
		body = zstdEncoder.EncodeAll(body, nil)
	}

	out := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint64(out, c.span)
	return append(out, body...)
}

// ChunkFromBytes deserializes a persisted chunk, drawing its records from
// the build's pools.
func ChunkFromBytes(
	data []byte,
	schema *types.Schema,
	pools *pool.Pools,
	id, span, depth uint64,
	compressed bool,
) (*Chunk, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("chunk %d: truncated header", id)
	}
	storedSpan := binary.LittleEndian.Uint64(data)
	if storedSpan != span {
		return nil, fmt.Errorf("chunk %d: span mismatch: stored %d, expected %d",
			id, storedSpan, span)
	}

	body := data[8:]
	if compressed {
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: decompressing: %w", id, err)
		}
	}

	bitmapLen := (span + 7) / 8
	if uint64(len(body)) < bitmapLen {
		return nil, fmt.Errorf("chunk %d: truncated bitmap", id)
	}
	bitmap := body[:bitmapLen]
	records := body[bitmapLen:]
	pointSize := uint64(schema.PointSize())

	c := NewChunk(schema, id, span, depth)
	var consumed uint64
	for i := uint64(0); i < span; i++ {
		if bitmap[i/8]&(1<<(i%8)) == 0 {
			continue
		}
		if uint64(len(records)) < consumed+pointSize {
			return nil, fmt.Errorf("chunk %d: truncated records", id)
		}
		rec := records[consumed : consumed+pointSize]
		consumed += pointSize

		dataStack := pools.Data.Acquire(1)
		infoStack := pools.Info.Acquire(1)
		dataNode := dataStack.Pop()
		infoNode := infoStack.Pop()

		copy(dataNode.Val(), rec)
		infoNode.Construct(schema.ReadPoint(dataNode.Val()), dataNode)

		c.cells[i].Store(infoNode)
		c.filled.Add(1)
	}
	return c, nil
}

// Release returns every record to the pools and empties the chunk. Only
// valid once no worker can reach the chunk.
func (c *Chunk) Release(pools *pool.Pools) {
	var infos pool.InfoStack
	var datas pool.DataStack
	for i := range c.cells {
		if n := c.cells[i].Swap(nil); n != nil {
			datas.Push(n.Val().Data)
			infos.Push(n)
		}
	}
	pools.Data.Release(&datas)
	pools.Info.Release(&infos)
	c.filled.Store(0)
}

// Merge folds another chunk's cells into this one, first-writer-wins per
// cell. Cells already taken by an earlier subset release the newcomer's
// record back to the pools. Used when stitching subset base chunks.
func (c *Chunk) Merge(o *Chunk, pools *pool.Pools) {
	for i := range o.cells {
		if n := o.cells[i].Swap(nil); n != nil {
			if !c.Insert(uint64(i), n) {
				pools.Data.ReleaseOne(n.Val().Data)
				pools.Info.ReleaseOne(n)
			}
		}
	}
	o.filled.Store(0)
}
