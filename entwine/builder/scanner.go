package builder

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/abellgithub/entwine/entwine"
	"github.com/abellgithub/entwine/entwine/endpoint"
	"github.com/abellgithub/entwine/entwine/reader"
	"github.com/abellgithub/entwine/entwine/types"
)

// ScanConfig drives the pre-pass over the inputs.
type ScanConfig struct {
	Inputs       []string
	Reader       reader.Reader
	Tmp          *endpoint.Endpoint
	Source       *endpoint.Endpoint // optional store the inputs live on
	Reprojection *types.Reprojection
	TrustHeaders bool
	Absolute     bool
	Threads      int
}

// ScanResult is the aggregate configuration the scan infers: the union
// bounds, merged schema, minimum scale, total point count, and per-file
// detail that seeds the builder's manifest.
type ScanResult struct {
	Bounds       types.Bounds        `json:"bounds"`
	Schema       *types.Schema       `json:"schema"`
	Scale        types.Scale         `json:"scale"`
	NumPoints    uint64              `json:"numPoints"`
	SRS          string              `json:"srs,omitempty"`
	Reprojection *types.Reprojection `json:"reprojection,omitempty"`
	Files        []types.FileInfo    `json:"input"`
}

// Scanner aggregates headers or full reads across the inputs.
type Scanner struct {
	cfg ScanConfig

	mu     sync.Mutex
	schema *types.Schema
	scale  types.Scale
	files  []types.FileInfo
	srs    string
	fatal  error
}

// NewScanner validates the scan configuration.
func NewScanner(cfg ScanConfig) (*Scanner, error) {
	if cfg.Reader == nil {
		return nil, errors.New("scan requires a reader")
	}
	if cfg.Tmp == nil || !cfg.Tmp.IsLocal() {
		return nil, errors.New("tmp path must be local")
	}
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	return &Scanner{
		cfg:   cfg,
		scale: types.UnitScale(),
		files: make([]types.FileInfo, len(cfg.Inputs)),
	}, nil
}

// Go runs the scan and aggregates the result.
func (s *Scanner) Go() (*ScanResult, error) {
	log := entwine.GetLogger()
	p := concpool.New().WithMaxGoroutines(s.cfg.Threads)

	for i, path := range s.cfg.Inputs {
		s.files[i] = types.FileInfo{Path: path, Status: types.StatusQueued}
		if !s.cfg.Reader.Good(path) {
			s.files[i].Status = types.StatusOmitted
			continue
		}

		log.Info().Int("index", i+1).Int("of", len(s.cfg.Inputs)).
			Str("path", path).Msg("scanning")

		p.Go(func() { s.scanOne(i, path) })
	}
	p.Wait()

	if s.fatal != nil {
		return nil, s.fatal
	}
	return s.aggregate()
}

// scanOne inspects one input. The header preview always runs: the merged
// schema, minimum scale, and srs come from headers no matter what. Trusted
// headers also supply bounds and point counts (for HTTP-derived sources from
// just the first 16 KiB); untrusted ones have those overridden by a full
// streaming min/max pass.
func (s *Scanner) scanOne(i int, path string) {
	handle, err := s.localize(path)
	if err != nil {
		s.setFatal(err)
		return
	}
	defer handle.Release()

	ok := s.preview(i, handle.Path(), path)
	if s.cfg.TrustHeaders {
		if !ok {
			s.mu.Lock()
			s.files[i].Status = types.StatusOmitted
			s.mu.Unlock()
		}
		return
	}
	s.deepRead(i, handle.Path(), path)
}

// localize materializes enough of the input to inspect. Trusted HTTP
// headers need only a ranged prefix fetch.
func (s *Scanner) localize(path string) (*endpoint.LocalHandle, error) {
	if s.cfg.TrustHeaders && endpoint.IsHTTPDerived(path) && s.cfg.Source != nil {
		data, err := s.cfg.Source.GetRange(path, 0, entwine.PreviewRangeBytes)
		if err != nil {
			return nil, fmt.Errorf("fetching header of %s: %w", path, err)
		}
		name := strings.NewReplacer("/", "-", "\\", "-").Replace(path)
		if err := s.cfg.Tmp.Put(name, data); err != nil {
			return nil, err
		}
		return endpoint.Localize(nil, s.cfg.Tmp.FullPath(name), s.cfg.Tmp)
	}
	return endpoint.Localize(s.cfg.Source, path, s.cfg.Tmp)
}

// preview folds one header into the aggregate: schema, scale, and srs
// unconditionally, plus the header's claimed bounds and point count, which a
// later deep read may override. Reports whether the header was readable.
func (s *Scanner) preview(i int, localPath, path string) bool {
	preview, err := s.cfg.Reader.Preview(localPath, s.cfg.Reprojection, false)
	if err != nil {
		return false
	}

	dims := make([]types.DimInfo, 0, len(preview.DimNames))
	for _, name := range preview.DimNames {
		dims = append(dims, defaultDim(name))
	}

	scale := types.UnitScale()
	if preview.Scale != nil {
		scale = *preview.Scale
	}
	if !scale.Valid() {
		s.setFatal(fmt.Errorf("invalid scale in %s: %v", path, scale))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[i].NumPoints = preview.NumPoints
	s.files[i].Bounds = preview.Bounds
	if s.schema == nil {
		s.schema = types.NewSchema(dims)
	} else {
		s.schema = s.schema.Merge(types.NewSchema(dims))
	}
	s.scale = s.scale.Min(scale)
	if s.srs == "" {
		s.srs = preview.SRS
	}
	return true
}

// deepRead streams the whole file and overrides the header's claimed bounds
// and point count with observed values. Header-derived schema, scale, and
// srs stand.
func (s *Scanner) deepRead(i int, localPath, path string) {
	xyz := types.NewSchema(nil)
	src, err := s.cfg.Reader.Open(localPath, s.cfg.Reprojection, xyz)
	if err != nil {
		s.mu.Lock()
		s.files[i].Status = types.StatusOmitted
		s.mu.Unlock()
		return
	}
	defer src.Close()

	bounds := types.Expander(true)
	table := reader.NewTable(xyz, 4096)
	var np uint64
	for {
		n, err := src.Next(table)
		for j := 0; j < n; j++ {
			bounds.Grow(xyz.ReadPoint(table.Record(j)))
		}
		np += uint64(n)
		if err != nil {
			s.mu.Lock()
			s.files[i].Status = types.StatusErrored
			s.mu.Unlock()
			return
		}
		if n == 0 {
			break
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[i].NumPoints = np
	if np > 0 {
		bb := bounds
		s.files[i].Bounds = &bb
	}
}

func (s *Scanner) setFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

func (s *Scanner) aggregate() (*ScanResult, error) {
	bounds := types.Expander(true)
	var np uint64
	srs := s.srs

	for _, f := range s.files {
		if f.NumPoints == 0 {
			continue
		}
		np += f.NumPoints
		if f.Bounds != nil {
			bounds.GrowBounds(*f.Bounds)
		}
	}
	if np == 0 {
		return nil, errors.New("no points found")
	}

	schema := s.schema
	if schema == nil {
		schema = types.NewSchema(nil)
	}
	if s.cfg.Reprojection != nil {
		srs = s.cfg.Reprojection.Out
	}

	return &ScanResult{
		Bounds:       bounds,
		Schema:       schema,
		Scale:        s.scale,
		NumPoints:    np,
		SRS:          srs,
		Reprojection: s.cfg.Reprojection,
		Files:        s.files,
	}, nil
}

// defaultDim assigns the conventional width for well-known dimension names;
// unknown names fall back to 8-byte floats.
func defaultDim(name string) types.DimInfo {
	switch name {
	case "Intensity":
		return types.DimInfo{Name: name, Kind: types.Unsigned, Size: 2}
	case "ReturnNumber", "NumberOfReturns", "Classification", "UserData",
		"ScanDirectionFlag", "EdgeOfFlightLine":
		return types.DimInfo{Name: name, Kind: types.Unsigned, Size: 1}
	case "PointSourceId":
		return types.DimInfo{Name: name, Kind: types.Unsigned, Size: 2}
	case "Red", "Green", "Blue":
		return types.DimInfo{Name: name, Kind: types.Unsigned, Size: 2}
	case "GpsTime":
		return types.DimInfo{Name: name, Kind: types.Floating, Size: 8}
	case types.DimOrigin:
		return types.DimInfo{Name: name, Kind: types.Unsigned, Size: 4}
	default:
		return types.DimInfo{Name: name, Kind: types.Floating, Size: 8}
	}
}
