package tree

// Clipper is a worker's residency registration: the set of cold chunks the
// worker currently references. A worker holds exactly one clipper and
// recycles it periodically; Clip hands every referenced chunk back to the
// registry, which is the eviction trigger that bounds resident memory.
//
// A clipper is confined to its worker, so its lookups need no locking.
type Clipper struct {
	registry *Registry
	chunks   map[uint64]*Chunk
}

// NewClipper registers a fresh clipper against the registry.
func NewClipper(r *Registry) *Clipper {
	return &Clipper{registry: r, chunks: make(map[uint64]*Chunk)}
}

// get returns a chunk the clipper already references.
func (c *Clipper) get(id uint64) (*Chunk, bool) {
	chunk, ok := c.chunks[id]
	return chunk, ok
}

// note records a chunk acquired from the registry on this clipper's behalf.
func (c *Clipper) note(id uint64, chunk *Chunk) {
	c.chunks[id] = chunk
}

// Count is the number of chunks currently referenced.
func (c *Clipper) Count() int { return len(c.chunks) }

// Clip releases every referenced chunk. The clipper is reusable afterward.
func (c *Clipper) Clip() {
	for id := range c.chunks {
		c.registry.clip(id)
	}
	clear(c.chunks)
}
