package tree

import (
	"strconv"
	"sync"
	"testing"

	assert2 "github.com/ZanzyTHEbar/assert-lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abellgithub/entwine/entwine/endpoint"
	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/types"
)

type registryFixture struct {
	registry *Registry
	pools    *pool.Pools
	schema   *types.Schema
	bounds   types.Bounds
	s        *types.Structure
	out      *endpoint.Endpoint
	stats    *types.Stats
}

func newRegistryFixture(t *testing.T, compress bool) *registryFixture {
	t.Helper()
	schema := types.NewSchema(nil)
	s := testStructure(t, 6, 2, 6, 64, true)
	bounds := unitBounds(true)
	pools := pool.NewPools(schema.PointSize())
	stats := &types.Stats{}
	out := endpoint.NewMem("out")

	r := NewRegistry(
		out, schema, bounds, s, pools, stats, 4, compress,
		assert2.NewAssertHandler())
	return &registryFixture{
		registry: r,
		pools:    pools,
		schema:   schema,
		bounds:   bounds,
		s:        s,
		out:      out,
		stats:    stats,
	}
}

func (f *registryFixture) addPoint(
	t *testing.T,
	p types.Point,
	clipper *Clipper,
) bool {
	t.Helper()
	info := makeInfo(t, f.pools, f.schema, p, 0)
	climber := NewClimber(f.bounds, f.s)
	placed, err := f.registry.AddPoint(info, &climber, clipper)
	require.NoError(t, err)
	return placed
}

func TestRegistryPlacesFirstPointAtRoot(t *testing.T) {
	f := newRegistryFixture(t, false)
	clipper := NewClipper(f.registry)

	assert.True(t, f.addPoint(t, types.Point{X: 0.5, Y: 0.5, Z: 0.5}, clipper))
	cell := f.registry.Base().Read(0)
	require.NotNil(t, cell)
	assert.Equal(t, 0.5, cell.Point.X)
}

func TestRegistryCollidersDescend(t *testing.T) {
	f := newRegistryFixture(t, false)
	clipper := NewClipper(f.registry)

	// Six points in the same deep cell key: the first takes the root, the
	// rest descend one depth each, none are lost.
	p := types.Point{X: 0.001, Y: 0.001, Z: 0.001}
	placed := 0
	for i := 0; i < 6; i++ {
		if f.addPoint(t, p, clipper) {
			placed++
		}
	}
	// Depths 0..5 hold exactly one point each.
	assert.Equal(t, 6, placed)

	// A seventh identical point exhausts every depth and falls through.
	assert.False(t, f.addPoint(t, p, clipper))
	assert.Equal(t, uint64(1), f.stats.FallThrough())

	clipper.Clip()
	require.NoError(t, f.registry.Join())
}

func TestRegistryConcurrentSameKey(t *testing.T) {
	f := newRegistryFixture(t, false)

	// Two workers race the same cell key; exactly one placement per depth,
	// no lost points.
	const workers = 2
	const perWorker = 3
	var placed sync.WaitGroup
	results := make([][]bool, workers)

	for w := 0; w < workers; w++ {
		placed.Add(1)
		go func(w int) {
			defer placed.Done()
			clipper := NewClipper(f.registry)
			defer clipper.Clip()
			for i := 0; i < perWorker; i++ {
				results[w] = append(results[w],
					f.addPoint(t, types.Point{X: 0.9, Y: 0.9, Z: 0.9}, clipper))
			}
		}(w)
	}
	placed.Wait()
	require.NoError(t, f.registry.Join())

	total := 0
	for _, rs := range results {
		for _, ok := range rs {
			if ok {
				total++
			}
		}
	}
	assert.Equal(t, workers*perWorker, total+int(f.stats.FallThrough()),
		"every point either placed once or fell through")
	assert.Equal(t, 6, total, "one placement per depth")
}

func TestRegistryEvictionAndRefetch(t *testing.T) {
	f := newRegistryFixture(t, false)
	clipper := NewClipper(f.registry)

	// Drive points deep enough to create a cold chunk.
	p := types.Point{X: 0.7, Y: 0.2, Z: 0.9}
	for i := 0; i < 4; i++ {
		f.addPoint(t, p, clipper)
	}
	require.Greater(t, f.registry.Resident(), 0)

	// Recycling the clipper evicts: refcounts hit zero, the clip pool
	// serializes and persists, residency drains.
	clipper.Clip()
	require.NoError(t, f.registry.Join())
	assert.Equal(t, 0, f.registry.Resident())

	ids := f.registry.IDs()
	require.NotEmpty(t, ids)
	for _, id := range ids {
		_, err := f.out.Get(id)
		assert.NoError(t, err, "evicted chunk %s must be persisted", id)
	}

	// A re-fetch after eviction deserializes the persisted form and finds
	// the earlier occupant: the next identical point collides and keeps
	// descending rather than replacing it.
	before := f.stats.FallThrough()
	clipper2 := NewClipper(f.registry)
	for i := 0; i < 3; i++ {
		f.addPoint(t, p, clipper2)
	}
	assert.Equal(t, before+1, f.stats.FallThrough(),
		"persisted occupants survive the round trip")
	clipper2.Clip()
	require.NoError(t, f.registry.Join())
}

func TestRegistryCompressedChunks(t *testing.T) {
	f := newRegistryFixture(t, true)
	clipper := NewClipper(f.registry)

	p := types.Point{X: 0.3, Y: 0.3, Z: 0.3}
	for i := 0; i < 4; i++ {
		f.addPoint(t, p, clipper)
	}
	clipper.Clip()
	require.NoError(t, f.registry.Join())

	// Round trip through the compressed persisted form.
	before := f.stats.FallThrough()
	clipper2 := NewClipper(f.registry)
	for i := 0; i < 3; i++ {
		f.addPoint(t, p, clipper2)
	}
	assert.Equal(t, before+1, f.stats.FallThrough())
	clipper2.Clip()
	require.NoError(t, f.registry.Join())
}

func TestRegistrySharedChunkRefcounting(t *testing.T) {
	f := newRegistryFixture(t, false)

	a := NewClipper(f.registry)
	b := NewClipper(f.registry)

	p := types.Point{X: 0.1, Y: 0.9, Z: 0.5}
	for i := 0; i < 3; i++ {
		f.addPoint(t, p, a)
	}
	q := types.Point{X: 0.1001, Y: 0.9001, Z: 0.5001}
	for i := 0; i < 3; i++ {
		f.addPoint(t, q, b)
	}
	resident := f.registry.Resident()
	require.Greater(t, resident, 0)

	// The first clipper's release must not evict chunks the second still
	// references.
	a.Clip()
	require.NoError(t, f.registry.Join())
	assert.Greater(t, f.registry.Resident(), 0)

	b.Clip()
	require.NoError(t, f.registry.Join())
	assert.Equal(t, 0, f.registry.Resident())
}

func TestRegistrySaveAndReload(t *testing.T) {
	f := newRegistryFixture(t, false)
	clipper := NewClipper(f.registry)

	for _, p := range []types.Point{
		{X: 0.1, Y: 0.1, Z: 0.1},
		{X: 0.9, Y: 0.9, Z: 0.9},
		{X: 0.5, Y: 0.2, Z: 0.8},
	} {
		f.addPoint(t, p, clipper)
	}
	clipper.Clip()
	require.NoError(t, f.registry.Join())
	require.NoError(t, f.registry.SaveBase())

	pools := pool.NewPools(f.schema.PointSize())
	stats := &types.Stats{}
	reloaded, err := LoadRegistry(
		f.out, f.schema, f.bounds, f.s, pools, stats, 4, false,
		assert2.NewAssertHandler(), f.registry.IDs())
	require.NoError(t, err)

	assert.Equal(t, f.registry.Base().Filled(), reloaded.Base().Filled())
	cell := reloaded.Base().Read(0)
	require.NotNil(t, cell)
	assert.Equal(t, 0.1, cell.Point.X)
}

func TestRegistryKeyIncludesSubsetPostfix(t *testing.T) {
	schema := types.NewSchema(nil)
	sub := &types.Subset{ID: 2, Of: 2}
	s, err := types.NewStructure(6, 2, 6, 64, true, sub)
	require.NoError(t, err)

	out := endpoint.NewMem("out")
	pools := pool.NewPools(schema.PointSize())
	r := NewRegistry(
		out, schema, unitBounds(true), s, pools, &types.Stats{}, 4, false,
		assert2.NewAssertHandler())
	require.NoError(t, r.SaveBase())

	key := strconv.FormatUint(s.BaseChunkID(), 10) + "-1"
	_, err = out.Get(key)
	assert.NoError(t, err, "subset base persists under postfixed key")
}
