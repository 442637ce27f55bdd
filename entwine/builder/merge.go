package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/abellgithub/entwine/entwine"
	"github.com/abellgithub/entwine/entwine/endpoint"
	"github.com/abellgithub/entwine/entwine/pool"
	"github.com/abellgithub/entwine/entwine/reader"
	"github.com/abellgithub/entwine/entwine/tree"
	"github.com/abellgithub/entwine/entwine/types"
)

// Merger stitches the outputs of an n-way subset build into one whole-tree
// index on the same endpoint.
type Merger struct {
	out    *endpoint.Endpoint
	reader reader.Reader
}

// NewMerger prepares a merge over the given output endpoint.
func NewMerger(out *endpoint.Endpoint, rdr reader.Reader) *Merger {
	return &Merger{out: out, reader: rdr}
}

// Merge loads every subset's metadata and base chunk, merges base cells
// first-writer-wins, unions the cold id sets, relocates cold chunks to
// their unpostfixed keys, and persists whole-tree metadata plus the unified
// base chunk.
func (m *Merger) Merge() error {
	first, err := m.loadMeta(0)
	if err != nil {
		return err
	}
	if first.Structure == nil || first.Structure.Subset() == nil {
		return errors.New("cannot merge: output is not a subset build")
	}
	of := first.Structure.Subset().Of
	if of == 0 {
		return errors.New("cannot merge: subset count of zero")
	}

	log := entwine.GetLogger()
	schema := first.Schema
	structure := first.Structure
	pools := pool.NewPools(schema.PointSize())
	stats := first.Stats
	ids := append([]string(nil), first.IDs...)

	baseID := structure.BaseChunkID()
	baseSpan := structure.BaseIndexSpan()
	base, err := m.loadBase(
		schema, pools, baseID, baseSpan, 0, first.Compressed)
	if err != nil {
		return err
	}
	if err := m.relocateCold(first, 0); err != nil {
		return err
	}

	for i := uint64(1); i < of; i++ {
		log.Info().Uint64("segment", i+1).Uint64("of", of).Msg("merging")

		meta, err := m.loadMeta(i)
		if err != nil {
			return err
		}
		ids = append(ids, meta.IDs...)

		// Out-of-bounds counts derive from the global bounds, so every
		// segment should agree; a mismatch means inconsistent inputs but
		// does not invalidate the merged cells.
		if meta.Stats.OutOfBounds() != stats.OutOfBounds() {
			log.Warn().
				Uint64("segment", i).
				Uint64("expected", stats.OutOfBounds()).
				Uint64("got", meta.Stats.OutOfBounds()).
				Msg("out-of-bounds mismatch across subsets")
		}
		stats.AddInserted(meta.Stats.Inserted())
		stats.AddFallThrough(meta.Stats.FallThrough())
		stats.AddOmitted(meta.Stats.Omitted())
		stats.AddErrored(meta.Stats.Errored())

		segBase, err := m.loadBase(
			schema, pools, baseID, baseSpan, i, meta.Compressed)
		if err != nil {
			return err
		}
		base.Merge(segBase, pools)

		if err := m.relocateCold(meta, i); err != nil {
			return err
		}
	}

	structure.MakeWhole()
	out := &buildMeta{
		Bounds:       first.Bounds,
		Schema:       schema,
		Structure:    structure,
		Reprojection: first.Reprojection,
		Manifest:     first.Manifest,
		SRS:          first.SRS,
		Stats:        stats,
		Compressed:   first.Compressed,
		TrustHeaders: first.TrustHeaders,
		IDs:          dedupSorted(ids),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing merged metadata: %w", err)
	}
	if err := m.out.Put(entwine.MetaKey, data); err != nil {
		return fmt.Errorf("persisting merged metadata: %w", err)
	}

	// The merged base persists under the whole-tree base id.
	key := fmt.Sprintf("%d", structure.BaseChunkID())
	if err := m.out.Put(key, base.Bytes(first.Compressed)); err != nil {
		return fmt.Errorf("persisting merged base chunk: %w", err)
	}
	return nil
}

func (m *Merger) loadMeta(segment uint64) (*buildMeta, error) {
	key := fmt.Sprintf("%s-%d", entwine.MetaKey, segment)
	data, err := m.out.Get(key)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", key, err)
	}
	var meta buildMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", key, err)
	}
	if meta.Stats == nil {
		meta.Stats = &types.Stats{}
	}
	return &meta, nil
}

func (m *Merger) loadBase(
	schema *types.Schema,
	pools *pool.Pools,
	id, span, segment uint64,
	compressed bool,
) (*tree.Chunk, error) {
	key := fmt.Sprintf("%d-%d", id, segment)
	data, err := m.out.Get(key)
	if err != nil {
		return nil, fmt.Errorf("loading base chunk %s: %w", key, err)
	}
	return tree.ChunkFromBytes(data, schema, pools, id, span, 0, compressed)
}

// relocateCold copies a segment's cold chunks to their unpostfixed keys.
// Subsets partition space above the chunk grain, so a chunk id may appear
// in several segments; collisions merge cell-wise, first segment wins.
func (m *Merger) relocateCold(meta *buildMeta, segment uint64) error {
	schema := meta.Schema
	pools := pool.NewPools(schema.PointSize())
	structure := meta.Structure

	for _, s := range meta.IDs {
		id, depth, span, err := coldShape(structure, s)
		if err != nil {
			return err
		}

		segKey := fmt.Sprintf("%s-%d", s, segment)
		data, err := m.out.Get(segKey)
		if err != nil {
			return fmt.Errorf("loading cold chunk %s: %w", segKey, err)
		}

		existing, err := m.out.Get(s)
		if errors.Is(err, endpoint.ErrNotFound) {
			if err := m.out.Put(s, data); err != nil {
				return fmt.Errorf("relocating cold chunk %s: %w", s, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("loading cold chunk %s: %w", s, err)
		}

		into, err := tree.ChunkFromBytes(
			existing, schema, pools, id, span, depth, meta.Compressed)
		if err != nil {
			return err
		}
		from, err := tree.ChunkFromBytes(
			data, schema, pools, id, span, depth, meta.Compressed)
		if err != nil {
			return err
		}
		into.Merge(from, pools)
		if err := m.out.Put(s, into.Bytes(meta.Compressed)); err != nil {
			return fmt.Errorf("relocating cold chunk %s: %w", s, err)
		}
	}
	return nil
}

func coldShape(
	structure *types.Structure,
	idStr string,
) (id, depth, span uint64, err error) {
	if _, err = fmt.Sscanf(idStr, "%d", &id); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid chunk id %q: %w", idStr, err)
	}
	depth = structure.ChunkDepthFor(id)
	span = structure.ChunkSpan(depth)
	return id, depth, span, nil
}

func dedupSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseUint(out[i], 10, 64)
		b, _ := strconv.ParseUint(out[j], 10, 64)
		return a < b
	})
	return out
}
