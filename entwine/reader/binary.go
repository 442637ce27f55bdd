package reader

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/abellgithub/entwine/entwine/types"
)

// Binary point file format: a fixed little-endian header followed by packed
// records. The header always fits within the first 16 KiB, so remote
// sources can be previewed from a ranged fetch.
//
//	magic "ENTB" | u32 version | u64 numPoints
//	f64 x6 bounds (min xyz, max xyz) | f64 x3 scale
//	u16 srsLen | srs | u16 dimCount
//	per dim: u8 nameLen | name | u8 kind ('s'|'u'|'f') | u8 size
//	records: per point, each dim's bytes in declared order
const (
	binaryMagic   = "ENTB"
	binaryVersion = 1
	binaryExt     = ".entb"
)

// ErrFormat reports a malformed or foreign file.
var ErrFormat = errors.New("not an entb file")

// Binary reads and previews entb files.
type Binary struct{}

// NewBinary returns the entb reader.
func NewBinary() *Binary { return &Binary{} }

// Good accepts paths by extension only; content problems surface at open.
func (b *Binary) Good(path string) bool {
	return strings.EqualFold(filepath.Ext(path), binaryExt)
}

type binaryHeader struct {
	numPoints uint64
	bounds    types.Bounds
	scale     types.Scale
	srs       string
	dims      []types.DimInfo
	size      int // record byte width
}

func readHeader(r io.Reader) (*binaryHeader, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(magic[:]) != binaryMagic {
		return nil, ErrFormat
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, version)
	}

	h := &binaryHeader{}
	var corners [6]float64
	if err := binary.Read(r, binary.LittleEndian, &h.numPoints); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &corners); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h.bounds = types.NewBounds(
		types.Point{X: corners[0], Y: corners[1], Z: corners[2]},
		types.Point{X: corners[3], Y: corners[4], Z: corners[5]},
		true)

	var scale [3]float64
	if err := binary.Read(r, binary.LittleEndian, &scale); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h.scale = types.Scale{X: scale[0], Y: scale[1], Z: scale[2]}

	srs, err := readString16(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	h.srs = srs

	var dimCount uint16
	if err := binary.Read(r, binary.LittleEndian, &dimCount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for i := 0; i < int(dimCount); i++ {
		name, err := readString8(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		var kind, size byte
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		h.dims = append(h.dims, types.DimInfo{
			Name: name,
			Kind: kindFromByte(kind),
			Size: int(size),
		})
		h.size += int(size)
	}
	return h, nil
}

func kindFromByte(b byte) types.DimKind {
	switch b {
	case 's':
		return types.Signed
	case 'u':
		return types.Unsigned
	default:
		return types.Floating
	}
}

func kindToByte(k types.DimKind) byte {
	switch k {
	case types.Signed:
		return 's'
	case types.Unsigned:
		return 'u'
	default:
		return 'f'
	}
}

func readString8(r io.Reader) (string, error) {
	var n byte
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readString16(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Preview reads only the header. Records stay in the project coordinate
// system, so a configured reprojection affects the reported SRS alone.
func (b *Binary) Preview(
	path string,
	re *types.Reprojection,
	deep bool,
) (*Preview, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("previewing %s: %w", path, err)
	}

	names := make([]string, len(h.dims))
	for i, d := range h.dims {
		names[i] = d.Name
	}
	srs := h.srs
	if re != nil && (re.Hammer || srs == "") {
		srs = re.Out
	}
	bounds := h.bounds
	scale := h.scale
	return &Preview{
		NumPoints: h.numPoints,
		Bounds:    &bounds,
		SRS:       srs,
		DimNames:  names,
		Scale:     &scale,
	}, nil
}

type binarySource struct {
	f      *os.File
	r      *bufio.Reader
	header *binaryHeader
	schema *types.Schema
	remain uint64
	rec    []byte
}

// Open starts a streaming read mapping the file's dimensions into the build
// schema's packed layout. File dimensions the schema lacks are dropped;
// schema dimensions the file lacks stay zero.
func (b *Binary) Open(
	path string,
	re *types.Reprojection,
	schema *types.Schema,
) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	r := bufio.NewReaderSize(f, 1<<16)
	h, err := readHeader(r)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &binarySource{
		f:      f,
		r:      r,
		header: h,
		schema: schema,
		remain: h.numPoints,
		rec:    make([]byte, h.size),
	}, nil
}

func (s *binarySource) Next(t *Table) (int, error) {
	n := 0
	for n < t.Capacity() && s.remain > 0 {
		if _, err := io.ReadFull(s.r, s.rec); err != nil {
			t.setLen(n)
			return n, fmt.Errorf("truncated records: %w", err)
		}
		s.remain--

		out := t.Record(n)
		clear(out)
		off := 0
		for _, d := range s.header.dims {
			if dst := s.schema.Offset(d.Name); dst >= 0 {
				copy(out[dst:dst+d.Size], s.rec[off:off+d.Size])
			}
			off += d.Size
		}
		n++
	}
	t.setLen(n)
	return n, nil
}

func (s *binarySource) Close() error { return s.f.Close() }

// FileMeta is the header content for a written entb file.
type FileMeta struct {
	Bounds types.Bounds
	Scale  types.Scale
	SRS    string
	Dims   []types.DimInfo
}

// WriteFile produces an entb file from pre-packed records laid out per
// meta.Dims. Used by the scanner's fixtures and the tests.
func WriteFile(path string, meta FileMeta, records [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)

	w.WriteString(binaryMagic)
	binary.Write(w, binary.LittleEndian, uint32(binaryVersion))
	binary.Write(w, binary.LittleEndian, uint64(len(records)))

	min, max := meta.Bounds.Min(), meta.Bounds.Max()
	corners := [6]float64{min.X, min.Y, min.Z, max.X, max.Y, max.Z}
	binary.Write(w, binary.LittleEndian, corners)

	scale := meta.Scale
	if scale == (types.Scale{}) {
		scale = types.UnitScale()
	}
	binary.Write(w, binary.LittleEndian, [3]float64{scale.X, scale.Y, scale.Z})

	binary.Write(w, binary.LittleEndian, uint16(len(meta.SRS)))
	w.WriteString(meta.SRS)

	binary.Write(w, binary.LittleEndian, uint16(len(meta.Dims)))
	for _, d := range meta.Dims {
		w.WriteByte(byte(len(d.Name)))
		w.WriteString(d.Name)
		w.WriteByte(kindToByte(d.Kind))
		w.WriteByte(byte(d.Size))
	}

	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	return f.Close()
}

// PackXYZ packs a bare coordinate record for files whose only dimensions
// are X, Y, Z doubles.
func PackXYZ(p types.Point) []byte {
	rec := make([]byte, 24)
	binary.LittleEndian.PutUint64(rec[0:], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(rec[8:], math.Float64bits(p.Y))
	binary.LittleEndian.PutUint64(rec[16:], math.Float64bits(p.Z))
	return rec
}

// XYZDims is the dimension list matching PackXYZ records.
func XYZDims() []types.DimInfo {
	return []types.DimInfo{
		{Name: types.DimX, Kind: types.Floating, Size: 8},
		{Name: types.DimY, Kind: types.Floating, Size: 8},
		{Name: types.DimZ, Kind: types.Floating, Size: 8},
	}
}
