// Package builder orchestrates a build: it queues input files onto the work
// pool, feeds their points through the climber into the registry, persists
// metadata, and stitches subset outputs.
package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/rs/zerolog"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/abellgithub/entwine/entwine"
	"github.com/abellgithub/entwine/entwine/endpoint"
	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/reader"
	"github.com/abellgithub/entwine/entwine/tree"
	"github.com/abellgithub/entwine/entwine/types"
)

const workToClipRatio = 0.47

// WorkThreads is the share of the thread budget running file inserts.
func WorkThreads(total int) int {
	n := int(math.Round(float64(total) * workToClipRatio))
	if n < 1 {
		n = 1
	}
	return n
}

// ClipThreads is the remainder of the budget, floored at 4, running chunk
// persistence.
func ClipThreads(total int) int {
	n := total - WorkThreads(total)
	if n < 4 {
		n = 4
	}
	return n
}

// Options carries everything a new build needs.
type Options struct {
	Out          *endpoint.Endpoint
	Tmp          *endpoint.Endpoint
	Compress     bool
	TrustHeaders bool
	Reprojection *types.Reprojection
	Bounds       *types.Bounds // nil: inferred from the first input
	Schema       *types.Schema
	Structure    *types.Structure
	TotalThreads int
	Reader       reader.Reader
	SleepCount   uint64 // 0: derived from the thread count
	SRS          string
}

// Builder owns the build state exclusively: registry, manifest, pools,
// structure, bounds, and schema. Workers reach them only through methods
// whose lifetime is bounded by Join.
type Builder struct {
	mu        sync.Mutex
	bounds    *types.Bounds
	subBounds *types.Bounds
	schema    *types.Schema
	structure *types.Structure
	reproj    *types.Reprojection
	manifest  *types.Manifest
	stats     *types.Stats
	srs       string

	compress     bool
	trustHeaders bool
	continuation bool
	sleepCount   uint64

	out *endpoint.Endpoint
	tmp *endpoint.Endpoint

	reader   reader.Reader
	pools    *pool.Pools
	registry *tree.Registry

	workPool    *concpool.Pool
	workThreads int
	clipThreads int

	fatalMu sync.Mutex
	fatal   []error

	log     zerolog.Logger
	asserts *assert.AssertHandler
}

// NewBuilder configures a fresh build.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Reader == nil {
		return nil, errors.New("builder requires a reader")
	}
	if opts.Structure == nil {
		return nil, errors.New("builder requires a structure")
	}
	if opts.Out == nil || opts.Tmp == nil {
		return nil, errors.New("builder requires out and tmp endpoints")
	}
	if opts.Schema == nil {
		opts.Schema = types.NewSchema(nil)
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}
	if opts.TotalThreads < 1 {
		opts.TotalThreads = 1
	}

	b := &Builder{
		schema:       opts.Schema,
		structure:    opts.Structure,
		reproj:       opts.Reprojection,
		manifest:     types.NewManifest(),
		stats:        &types.Stats{},
		srs:          opts.SRS,
		compress:     opts.Compress,
		trustHeaders: opts.TrustHeaders,
		out:          opts.Out,
		tmp:          opts.Tmp,
		reader:       opts.Reader,
		workThreads:  WorkThreads(opts.TotalThreads),
		clipThreads:  ClipThreads(opts.TotalThreads),
		sleepCount:   opts.SleepCount,
		log:          entwine.GetLogger(),
		asserts:      assert.NewAssertHandler(),
	}
	if opts.Bounds != nil {
		bb := *opts.Bounds
		b.bounds = &bb
	}
	if b.sleepCount == 0 {
		b.sleepCount = entwine.DefaultSleepCount
		if b.workThreads == 1 {
			b.sleepCount = entwine.SingleThreadSleepCount
		}
	}
	b.pools = pool.NewPools(b.schema.PointSize())
	b.workPool = concpool.New().WithMaxGoroutines(b.workThreads)

	if err := b.prep(); err != nil {
		return nil, err
	}
	if b.bounds != nil {
		b.initRegistry()
	}
	return b, nil
}

// buildMeta is the persisted metadata layout.
type buildMeta struct {
	Bounds       *types.Bounds       `json:"bbox"`
	Schema       *types.Schema       `json:"schema"`
	Structure    *types.Structure    `json:"structure"`
	Reprojection *types.Reprojection `json:"reprojection,omitempty"`
	Manifest     *types.Manifest     `json:"manifest"`
	SRS          string              `json:"srs"`
	Stats        *types.Stats        `json:"stats"`
	Compressed   bool                `json:"compressed"`
	TrustHeaders bool                `json:"trustHeaders"`
	IDs          []string            `json:"ids"`
}

// NewBuilderFromOutput reopens a persisted build for continuation.
func NewBuilderFromOutput(
	out, tmp *endpoint.Endpoint,
	totalThreads int,
	rdr reader.Reader,
) (*Builder, error) {
	if totalThreads < 1 {
		totalThreads = 1
	}
	b := &Builder{
		out:          out,
		tmp:          tmp,
		reader:       rdr,
		continuation: true,
		workThreads:  WorkThreads(totalThreads),
		clipThreads:  ClipThreads(totalThreads),
		log:          entwine.GetLogger(),
		asserts:      assert.NewAssertHandler(),
	}
	if err := b.prep(); err != nil {
		return nil, err
	}

	// The subset postfix is unknown before the metadata loads; whole-build
	// continuations read the bare key.
	data, err := out.Get(entwine.MetaKey)
	if err != nil {
		return nil, fmt.Errorf("loading build metadata: %w", err)
	}
	var meta buildMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid build metadata: %w", err)
	}
	if err := b.adoptMeta(&meta); err != nil {
		return nil, err
	}

	b.workPool = concpool.New().WithMaxGoroutines(b.workThreads)
	b.pools = pool.NewPools(b.schema.PointSize())
	b.registry, err = tree.LoadRegistry(
		b.out, b.schema, *b.bounds, b.structure, b.pools, b.stats,
		b.clipThreads, b.compress, b.asserts, meta.IDs)
	if err != nil {
		return nil, err
	}
	b.sleepCount = entwine.DefaultSleepCount
	if b.workThreads == 1 {
		b.sleepCount = entwine.SingleThreadSleepCount
	}
	return b, nil
}

func (b *Builder) adoptMeta(meta *buildMeta) error {
	if meta.Bounds == nil || meta.Schema == nil || meta.Structure == nil {
		return errors.New("build metadata missing bbox, schema, or structure")
	}
	b.bounds = meta.Bounds
	b.schema = meta.Schema
	b.structure = meta.Structure
	b.reproj = meta.Reprojection
	b.srs = meta.SRS
	b.compress = meta.Compressed
	b.trustHeaders = meta.TrustHeaders
	if meta.Manifest != nil {
		b.manifest = meta.Manifest
	} else {
		b.manifest = types.NewManifest()
	}
	if meta.Stats != nil {
		b.stats = meta.Stats
	} else {
		b.stats = &types.Stats{}
	}
	b.applySubset()
	return nil
}

func (b *Builder) prep() error {
	if !b.tmp.IsLocal() {
		return errors.New("tmp path must be local")
	}
	return nil
}

func (b *Builder) applySubset() {
	if b.structure.Subset() != nil && b.bounds != nil {
		sb := b.structure.SubsetBounds(*b.bounds)
		b.subBounds = &sb
	} else {
		b.subBounds = nil
	}
}

func (b *Builder) initRegistry() {
	b.applySubset()
	b.registry = tree.NewRegistry(
		b.out, b.schema, *b.bounds, b.structure, b.pools, b.stats,
		b.clipThreads, b.compress, b.asserts)
}

// Bounds returns the current global bounds; in 2D builds the z extent keeps
// growing until the last file lands.
func (b *Builder) Bounds() *types.Bounds {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bounds == nil {
		return nil
	}
	bb := *b.bounds
	return &bb
}

func (b *Builder) Stats() *types.Stats       { return b.stats }
func (b *Builder) Manifest() *types.Manifest { return b.manifest }
func (b *Builder) Registry() *tree.Registry  { return b.registry }

// Insert queues a file for ingestion. Returns false when the reader rejects
// the path or it is already present; neither queues work.
func (b *Builder) Insert(path string) bool {
	if !b.reader.Good(path) {
		b.manifest.AddOmission(path)
		b.stats.AddOmitted(1)
		return false
	}

	origin := b.manifest.AddOrigin(path)
	if origin == types.InvalidOrigin {
		return false
	}

	if b.bounds == nil {
		if err := b.infer(path); err != nil {
			b.log.Error().Err(err).Str("path", path).Msg("bounds inference failed")
			b.markErrored(origin)
			return false
		}
		b.initRegistry()
	}

	b.log.Info().Uint32("origin", uint32(origin)).Str("path", path).Msg("Adding")

	b.workPool.Go(func() { b.runFile(origin, path) })
	return true
}

// infer derives global bounds from the first input: from its header when
// headers are trusted, else by a full streaming min/max pass. Either way
// the result is floored and ceiled to integers.
func (b *Builder) infer(path string) error {
	handle, err := endpoint.Localize(nil, path, b.tmp)
	if err != nil {
		return err
	}
	defer handle.Release()

	if b.trustHeaders {
		preview, err := b.reader.Preview(handle.Path(), b.reproj, true)
		if err == nil && preview.Bounds != nil && preview.Bounds.Exists() {
			if b.srs == "" {
				b.srs = preview.SRS
			}
			bb := snapBounds(*preview.Bounds, b.structure.Is3D())
			b.bounds = &bb
			b.log.Info().Str("bounds", bb.String()).Msg("inferred bounds from header")
			return nil
		}
	}

	agg := types.Expander(true)
	src, err := b.reader.Open(handle.Path(), b.reproj, b.schema)
	if err != nil {
		return fmt.Errorf("inferring bounds: %w", err)
	}
	defer src.Close()

	table := reader.NewTable(b.schema, 4096)
	for {
		n, err := src.Next(table)
		for i := 0; i < n; i++ {
			agg.Grow(b.schema.ReadPoint(table.Record(i)))
		}
		if err != nil {
			return fmt.Errorf("inferring bounds: %w", err)
		}
		if n == 0 {
			break
		}
	}
	if !agg.Exists() {
		return errors.New("inferring bounds: no points found")
	}
	bb := snapBounds(agg, b.structure.Is3D())
	b.bounds = &bb
	b.log.Info().Str("bounds", bb.String()).Msg("inferred bounds")
	return nil
}

func snapBounds(in types.Bounds, is3d bool) types.Bounds {
	min, max := in.Min(), in.Max()
	return types.NewBounds(
		types.Point{
			X: math.Floor(min.X), Y: math.Floor(min.Y), Z: math.Floor(min.Z)},
		types.Point{
			X: math.Ceil(max.X), Y: math.Ceil(max.Y), Z: math.Ceil(max.Z)},
		is3d)
}

// runFile ingests one file on a work thread. Failures are recorded against
// the origin; endpoint faults during insertion are also kept as fatal errors
// that surface at Join.
func (b *Builder) runFile(origin types.Origin, path string) {
	handle, err := endpoint.Localize(nil, path, b.tmp)
	if err != nil {
		b.log.Error().Err(err).Str("path", path).Msg("materialize failed")
		b.markErrored(origin)
		return
	}
	defer handle.Release()

	if b.trustHeaders {
		if skip, numPoints := b.previewSkip(handle.Path()); skip {
			b.manifest.SetInserted(origin, numPoints, nil)
			b.log.Info().
				Uint32("origin", uint32(origin)).
				Uint64("points", numPoints).
				Msg("skipped by header preview")
			return
		}
	}

	clipper := tree.NewClipper(b.registry)
	defer clipper.Clip()

	// Placement never depends on the z extent, so each worker descends
	// from a stable snapshot while completed 2D files grow the global z
	// range under the builder mutex.
	b.mu.Lock()
	bounds := *b.bounds
	b.mu.Unlock()

	var zRange *types.Range
	if !b.structure.Is3D() {
		zr := types.NewRange()
		zRange = &zr
	}

	src, err := b.reader.Open(handle.Path(), b.reproj, b.schema)
	if err != nil {
		b.log.Error().Err(err).Str("path", path).Msg("open failed")
		b.markErrored(origin)
		return
	}
	defer src.Close()

	table := reader.NewTable(b.schema, 4096)
	var count, sinceClip uint64
	for {
		n, err := src.Next(table)
		if insertErr := b.insertBatch(origin, bounds, table, clipper, zRange); insertErr != nil {
			b.recordFatal(insertErr)
			b.markErrored(origin)
			return
		}
		count += uint64(n)
		sinceClip += uint64(n)

		// Recycling the clipper releases every chunk this worker holds,
		// letting cold chunks evict; this is what bounds resident memory
		// on an unbounded input.
		if sinceClip >= b.sleepCount {
			sinceClip = 0
			clipper.Clip()
		}

		if err != nil {
			b.log.Error().Err(err).Str("path", path).Msg("read failed mid-stream")
			b.markErrored(origin)
			return
		}
		if n == 0 {
			break
		}
	}

	if zRange != nil && !zRange.Empty() {
		zr := types.Range{
			Min: math.Floor(zRange.Min),
			Max: math.Ceil(zRange.Max),
		}
		b.mu.Lock()
		b.bounds.GrowZ(zr)
		b.mu.Unlock()
	}

	b.manifest.SetInserted(origin, count, nil)
	b.log.Info().
		Uint32("origin", uint32(origin)).
		Uint64("points", count).
		Int("residentChunks", b.registry.Resident()).
		Msg("Done")
}

// previewSkip reports whether trusted headers prove the file disjoint from
// the build. Files outside the global bounds add their count to the
// out-of-bounds tally; files merely outside this subset's partition are
// skipped silently.
func (b *Builder) previewSkip(localPath string) (bool, uint64) {
	preview, err := b.reader.Preview(localPath, b.reproj, false)
	if err != nil || preview.Bounds == nil {
		return false, 0
	}
	bounds := b.Bounds()
	if !preview.Bounds.Overlaps(*bounds) {
		b.stats.AddOutOfBounds(preview.NumPoints)
		return true, preview.NumPoints
	}
	if b.subBounds != nil && !preview.Bounds.Overlaps(*b.subBounds) {
		return true, preview.NumPoints
	}
	return false, 0
}

func (b *Builder) insertBatch(
	origin types.Origin,
	bounds types.Bounds,
	table *reader.Table,
	clipper *tree.Clipper,
	zRange *types.Range,
) error {
	n := table.Len()
	if n == 0 {
		return nil
	}

	dataStack := b.pools.Data.Acquire(n)
	infoStack := b.pools.Info.Acquire(n)
	defer b.pools.Data.Release(&dataStack)
	defer b.pools.Info.Release(&infoStack)

	for i := 0; i < n; i++ {
		dataNode := dataStack.Pop()
		infoNode := infoStack.Pop()

		copy(dataNode.Val(), table.Record(i))
		b.schema.SetOrigin(dataNode.Val(), origin)
		p := b.schema.ReadPoint(dataNode.Val())
		infoNode.Construct(p, dataNode)

		if !bounds.Contains(p) {
			b.stats.AddOutOfBounds(1)
			b.pools.Data.ReleaseOne(dataNode)
			b.pools.Info.ReleaseOne(infoNode)
			continue
		}
		if b.subBounds != nil && !b.subBounds.Contains(p) {
			b.pools.Data.ReleaseOne(dataNode)
			b.pools.Info.ReleaseOne(infoNode)
			continue
		}

		climber := tree.NewClimber(bounds, b.structure)
		placed, err := b.registry.AddPoint(infoNode, &climber, clipper)
		if err != nil {
			b.pools.Data.ReleaseOne(dataNode)
			b.pools.Info.ReleaseOne(infoNode)
			return err
		}
		if placed {
			b.stats.AddInserted(1)
			if zRange != nil {
				zRange.Grow(p.Z)
			}
		}
	}
	return nil
}

func (b *Builder) markErrored(origin types.Origin) {
	b.manifest.SetError(origin)
	b.stats.AddErrored(1)
}

func (b *Builder) recordFatal(err error) {
	b.fatalMu.Lock()
	b.fatal = append(b.fatal, err)
	b.fatalMu.Unlock()
}

// Join is the build barrier: it drains the work pool and the clip pool,
// surfacing endpoint faults as the build's fatal error. The pools reopen
// afterward so inserts may continue.
func (b *Builder) Join() error {
	b.workPool.Wait()
	b.workPool = concpool.New().WithMaxGoroutines(b.workThreads)

	errs := []error{}
	if b.registry != nil {
		if err := b.registry.Join(); err != nil {
			errs = append(errs, err)
		}
	}
	b.fatalMu.Lock()
	errs = append(errs, b.fatal...)
	b.fatal = nil
	b.fatalMu.Unlock()
	return errors.Join(errs...)
}

func (b *Builder) saveProps() *buildMeta {
	return &buildMeta{
		Bounds:       b.bounds,
		Schema:       b.schema,
		Structure:    b.structure,
		Reprojection: b.reproj,
		Manifest:     b.manifest,
		SRS:          b.srs,
		Stats:        b.stats,
		Compressed:   b.compress,
		TrustHeaders: b.trustHeaders,
	}
}

// Save joins the build and persists metadata plus the resident base chunk.
// Further inserts remain possible afterward.
func (b *Builder) Save() error {
	if err := b.Join(); err != nil {
		return err
	}
	if b.registry == nil {
		return errors.New("no points found")
	}

	meta := b.saveProps()
	meta.IDs = b.registry.IDs()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing build metadata: %w", err)
	}
	if err := b.out.Put(entwine.MetaKey+b.structure.SubsetPostfix(), data); err != nil {
		return fmt.Errorf("persisting build metadata: %w", err)
	}
	return b.registry.SaveBase()
}
