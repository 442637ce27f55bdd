package tree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/types"
)

func makeInfo(
	t *testing.T,
	pools *pool.Pools,
	schema *types.Schema,
	p types.Point,
	origin types.Origin,
) *pool.InfoNode {
	t.Helper()
	ds := pools.Data.Acquire(1)
	is := pools.Info.Acquire(1)
	dn := ds.Pop()
	in := is.Pop()
	schema.WritePoint(dn.Val(), p)
	schema.SetOrigin(dn.Val(), origin)
	in.Construct(p, dn)
	return in
}

func TestChunkInsertAndCollision(t *testing.T) {
	schema := types.NewSchema(nil)
	pools := pool.NewPools(schema.PointSize())
	c := NewChunk(schema, 9, 64, 2)

	a := makeInfo(t, pools, schema, types.Point{X: 1}, 0)
	b := makeInfo(t, pools, schema, types.Point{X: 2}, 1)

	assert.True(t, c.Insert(5, a))
	assert.False(t, c.Insert(5, b), "occupied cell must not mutate")
	assert.Equal(t, uint64(1), c.Filled())

	got := c.Read(5)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.Point.X, "first writer stays")
	assert.Nil(t, c.Read(6))
}

func TestChunkConcurrentSameCell(t *testing.T) {
	schema := types.NewSchema(nil)
	pools := pool.NewPools(schema.PointSize())
	c := NewChunk(schema, 0, 64, 2)

	const workers = 16
	var placed sync.Map
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			info := makeInfo(t, pools, schema, types.Point{X: float64(w)}, types.Origin(w))
			if c.Insert(7, info) {
				placed.Store(w, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	placed.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 1, count, "exactly one worker wins the cell")
	assert.Equal(t, uint64(1), c.Filled())
}

func TestChunkSerializeRoundTrip(t *testing.T) {
	schema := types.NewSchema([]types.DimInfo{
		{Name: "Intensity", Kind: types.Unsigned, Size: 2},
	})
	pools := pool.NewPools(schema.PointSize())
	c := NewChunk(schema, 9, 64, 2)

	points := map[uint64]types.Point{
		0:  {X: 0.25, Y: 0.5, Z: 0.75},
		13: {X: -3, Y: 7, Z: 0.001},
		63: {X: 1e6, Y: -1e6, Z: 42},
	}
	for off, p := range points {
		require.True(t, c.Insert(off, makeInfo(t, pools, schema, p, 3)))
	}

	for _, compress := range []bool{false, true} {
		data := c.Bytes(compress)

		out, err := ChunkFromBytes(data, schema, pools, 9, 64, 2, compress)
		require.NoError(t, err)
		assert.Equal(t, uint64(len(points)), out.Filled())

		for off, p := range points {
			cell := out.Read(off)
			require.NotNil(t, cell, "offset %d", off)
			assert.Equal(t, p, cell.Point)
			assert.Equal(t, types.Origin(3), schema.ReadOrigin(cell.Data.Val()))
		}
		for off := uint64(0); off < 64; off++ {
			if _, ok := points[off]; !ok {
				assert.Nil(t, out.Read(off))
			}
		}

		// Serialization is deterministic: a second trip produces the
		// identical bytes.
		assert.Equal(t, data, out.Bytes(compress))
	}
}

func TestChunkFromBytesRejectsCorruption(t *testing.T) {
	schema := types.NewSchema(nil)
	pools := pool.NewPools(schema.PointSize())

	_, err := ChunkFromBytes([]byte{1, 2, 3}, schema, pools, 0, 64, 2, false)
	assert.Error(t, err)

	c := NewChunk(schema, 0, 64, 2)
	require.True(t, c.Insert(0, makeInfo(t, pools, schema, types.Point{X: 1}, 0)))
	data := c.Bytes(false)

	_, err = ChunkFromBytes(data, schema, pools, 0, 128, 2, false)
	assert.Error(t, err, "span mismatch must fail")

	_, err = ChunkFromBytes(data[:len(data)-4], schema, pools, 0, 64, 2, false)
	assert.Error(t, err, "truncated records must fail")
}

func TestChunkRelease(t *testing.T) {
	schema := types.NewSchema(nil)
	pools := pool.NewPools(schema.PointSize())
	c := NewChunk(schema, 0, 16, 2)

	for i := uint64(0); i < 8; i++ {
		require.True(t, c.Insert(i, makeInfo(t, pools, schema, types.Point{X: float64(i)}, 0)))
	}
	allocated := pools.Info.Allocated()

	c.Release(pools)
	assert.Equal(t, uint64(0), c.Filled())

	// The released slots satisfy the next acquisition without growth.
	s := pools.Info.Acquire(8)
	assert.Equal(t, allocated, pools.Info.Allocated())
	pools.Info.Release(&s)
}

func TestChunkMergeFirstWriterWins(t *testing.T) {
	schema := types.NewSchema(nil)
	pools := pool.NewPools(schema.PointSize())

	a := NewChunk(schema, 0, 16, 0)
	b := NewChunk(schema, 0, 16, 0)

	require.True(t, a.Insert(1, makeInfo(t, pools, schema, types.Point{X: 1}, 0)))
	require.True(t, b.Insert(1, makeInfo(t, pools, schema, types.Point{X: 2}, 1)))
	require.True(t, b.Insert(2, makeInfo(t, pools, schema, types.Point{X: 3}, 1)))

	a.Merge(b, pools)

	assert.Equal(t, uint64(2), a.Filled())
	assert.Equal(t, 1.0, a.Read(1).Point.X, "existing cell keeps its occupant")
	assert.Equal(t, 3.0, a.Read(2).Point.X, "empty cell adopts the newcomer")
	assert.Equal(t, uint64(0), b.Filled())
}
