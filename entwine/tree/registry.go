package tree

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	assert "github.com/ZanzyTHEbar/assert-lib"
	concpool "github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/abellgithub/entwine/entwine/endpoint"
	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/types"
)

const numShards = 64

// cacheEntry tracks one resident cold chunk. refs counts the clippers
// holding the chunk; flushing is non-nil while a persist is in flight, and
// closes once the chunk may be re-fetched from the endpoint.
type cacheEntry struct {
	chunk    *Chunk
	refs     int
	flushing chan struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
}

// Registry is the global map from chunk id to chunk, with reference-counted
// residency driven by clippers and a bounded background writer pool. Exactly
// one chunk object exists per id at any moment; all concurrent readers
// share it.
type Registry struct {
	out       *endpoint.Endpoint
	schema    *types.Schema
	bounds    types.Bounds
	structure *types.Structure
	pools     *pool.Pools
	stats     *types.Stats
	compress  bool
	asserts   *assert.AssertHandler

	base   *Chunk
	shards [numShards]shard
	flight singleflight.Group

	clipMu      sync.Mutex
	clipPool    *concpool.ErrorPool
	clipThreads int

	idsMu sync.Mutex
	ids   *roaring64.Bitmap
}

// NewRegistry builds a registry with an empty base chunk.
func NewRegistry(
	out *endpoint.Endpoint,
	schema *types.Schema,
	bounds types.Bounds,
	structure *types.Structure,
	pools *pool.Pools,
	stats *types.Stats,
	clipThreads int,
	compress bool,
	asserts *assert.AssertHandler,
) *Registry {
	r := &Registry{
		out:         out,
		schema:      schema,
		bounds:      bounds,
		structure:   structure,
		pools:       pools,
		stats:       stats,
		compress:    compress,
		asserts:     asserts,
		clipThreads: clipThreads,
		ids:         roaring64.NewBitmap(),
		base: NewChunk(
			schema, structure.BaseChunkID(), structure.BaseIndexSpan(), 0),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[uint64]*cacheEntry)
	}
	r.clipPool = concpool.New().WithMaxGoroutines(clipThreads).WithErrors()
	return r
}

// LoadRegistry reopens a registry against persisted state: the base chunk is
// read back and the cold id set restored, so continuations resume where the
// prior session stopped.
func LoadRegistry(
	out *endpoint.Endpoint,
	schema *types.Schema,
	bounds types.Bounds,
	structure *types.Structure,
	pools *pool.Pools,
	stats *types.Stats,
	clipThreads int,
	compress bool,
	asserts *assert.AssertHandler,
	ids []string,
) (*Registry, error) {
	r := NewRegistry(
		out, schema, bounds, structure, pools, stats,
		clipThreads, compress, asserts)

	for _, s := range ids {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk id %q: %w", s, err)
		}
		r.ids.Add(id)
	}

	data, err := out.Get(r.key(structure.BaseChunkID()))
	if err != nil {
		return nil, fmt.Errorf("loading base chunk: %w", err)
	}
	base, err := ChunkFromBytes(
		data, schema, pools,
		structure.BaseChunkID(), structure.BaseIndexSpan(), 0, compress)
	if err != nil {
		return nil, err
	}
	r.base = base
	return r, nil
}

// Base exposes the always-resident base chunk.
func (r *Registry) Base() *Chunk { return r.base }

func (r *Registry) key(id uint64) string {
	return strconv.FormatUint(id, 10) + r.structure.SubsetPostfix()
}

func (r *Registry) shard(id uint64) *shard {
	return &r.shards[id%numShards]
}

// AddPoint descends from the climber's position and places info into the
// deepest available cell. On a cell collision the existing occupant stays
// and info continues downward. A point that collides at every depth through
// totalDepth is released back to the pools and counted as fall-through.
func (r *Registry) AddPoint(
	info *pool.InfoNode,
	climber *Climber,
	clipper *Clipper,
) (bool, error) {
	for climber.Depth() < r.structure.TotalDepth() {
		var chunk *Chunk
		if climber.Depth() < r.structure.BaseDepth() {
			chunk = r.base
		} else {
			var err error
			chunk, err = r.fetch(climber.ChunkID(), climber.Depth(), clipper)
			if err != nil {
				return false, err
			}
		}

		if chunk.Insert(climber.ChunkOffset(), info) {
			return true, nil
		}
		climber.Down(info.Val().Point)
	}

	r.pools.Data.ReleaseOne(info.Val().Data)
	r.pools.Info.ReleaseOne(info)
	r.stats.AddFallThrough(1)
	return false, nil
}

// fetch returns the resident chunk for id, loading or creating it if
// necessary. Concurrent requests for the same absent id perform the
// endpoint I/O once; a request arriving during an in-flight persist waits
// for the write to land and then re-fetches.
func (r *Registry) fetch(id, depth uint64, clipper *Clipper) (*Chunk, error) {
	if chunk, ok := clipper.get(id); ok {
		return chunk, nil
	}

	sh := r.shard(id)
	for {
		sh.mu.Lock()
		if e, ok := sh.entries[id]; ok {
			if e.flushing != nil {
				ch := e.flushing
				sh.mu.Unlock()
				<-ch
				continue
			}
			e.refs++
			chunk := e.chunk
			sh.mu.Unlock()
			clipper.note(id, chunk)
			return chunk, nil
		}
		sh.mu.Unlock()

		_, err, _ := r.flight.Do(strconv.FormatUint(id, 10), func() (any, error) {
			// A flight for this id that finished after our lookup has
			// already installed the chunk; loading again would replace it.
			sh.mu.Lock()
			_, installed := sh.entries[id]
			sh.mu.Unlock()
			if installed {
				return nil, nil
			}
			chunk, err := r.loadOrCreate(id, depth)
			if err != nil {
				return nil, err
			}
			sh.mu.Lock()
			sh.entries[id] = &cacheEntry{chunk: chunk}
			sh.mu.Unlock()
			r.noteID(id)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

func (r *Registry) loadOrCreate(id, depth uint64) (*Chunk, error) {
	span := r.structure.ChunkSpan(depth)
	data, err := r.out.Get(r.key(id))
	if errors.Is(err, endpoint.ErrNotFound) {
		return NewChunk(r.schema, id, span, depth), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching chunk %d: %w", id, err)
	}
	return ChunkFromBytes(data, r.schema, r.pools, id, span, depth, r.compress)
}

func (r *Registry) noteID(id uint64) {
	r.idsMu.Lock()
	r.ids.Add(id)
	r.idsMu.Unlock()
}

// clip releases one clipper's reference to a chunk. The last release
// schedules the chunk on the clip pool: serialize, persist, destroy.
func (r *Registry) clip(id uint64) {
	sh := r.shard(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok || e.flushing != nil {
		sh.mu.Unlock()
		slog.Warn("clip of unresident chunk", "chunk", id)
		return
	}
	e.refs--
	if e.refs < 0 {
		e.refs = 0
		slog.Warn("chunk refcount underflow", "chunk", id)
	}
	if e.refs > 0 {
		sh.mu.Unlock()
		return
	}
	e.flushing = make(chan struct{})
	sh.mu.Unlock()

	r.clipMu.Lock()
	r.clipPool.Go(func() error { return r.flush(id, e) })
	r.clipMu.Unlock()
}

// flush persists an evicted chunk and removes it from residency. Writes are
// idempotent and ordered per id: the flushing marker keeps any new fetch
// waiting until the write lands.
func (r *Registry) flush(id uint64, e *cacheEntry) error {
	data := e.chunk.Bytes(r.compress)
	err := r.out.Put(r.key(id), data)

	sh := r.shard(id)
	sh.mu.Lock()
	delete(sh.entries, id)
	close(e.flushing)
	sh.mu.Unlock()

	e.chunk.Release(r.pools)

	if err != nil {
		return fmt.Errorf("persisting chunk %d: %w", id, err)
	}
	return nil
}

// Join waits for all in-flight persists and surfaces their errors. The clip
// pool is reopened afterward so further inserts can evict again.
func (r *Registry) Join() error {
	r.clipMu.Lock()
	p := r.clipPool
	r.clipPool = concpool.New().WithMaxGoroutines(r.clipThreads).WithErrors()
	r.clipMu.Unlock()
	return p.Wait()
}

// Resident is the number of cold chunks currently in memory.
func (r *Registry) Resident() int {
	total := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// IDs returns the cold chunk ids as sorted decimal strings for metadata.
func (r *Registry) IDs() []string {
	r.idsMu.Lock()
	arr := r.ids.ToArray()
	r.idsMu.Unlock()

	sort.Slice(arr, func(i, j int) bool { return arr[i] < arr[j] })
	out := make([]string, len(arr))
	for i, id := range arr {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

// MergeIDs unions another build's cold id set into this one.
func (r *Registry) MergeIDs(ids []string) error {
	r.idsMu.Lock()
	defer r.idsMu.Unlock()
	for _, s := range ids {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chunk id %q: %w", s, err)
		}
		r.ids.Add(id)
	}
	return nil
}

// SaveBase persists the always-resident base chunk.
func (r *Registry) SaveBase() error {
	if err := r.out.Put(r.key(r.structure.BaseChunkID()), r.base.Bytes(r.compress)); err != nil {
		return fmt.Errorf("persisting base chunk: %w", err)
	}
	return nil
}
