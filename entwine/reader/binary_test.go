package reader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abellgithub/entwine/entwine/types"
)

func writeFixture(t *testing.T, points []types.Point) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.entb")

	bounds := types.Expander(true)
	recs := make([][]byte, len(points))
	for i, p := range points {
		bounds.Grow(p)
		recs[i] = PackXYZ(p)
	}
	require.NoError(t, WriteFile(path, FileMeta{
		Bounds: bounds,
		SRS:    "EPSG:26915",
		Dims:   XYZDims(),
	}, recs))
	return path
}

func TestBinaryGood(t *testing.T) {
	b := NewBinary()
	assert.True(t, b.Good("points.entb"))
	assert.True(t, b.Good("POINTS.ENTB"))
	assert.False(t, b.Good("points.laz"))
	assert.False(t, b.Good("points"))
}

func TestBinaryPreview(t *testing.T) {
	points := []types.Point{
		{X: 1, Y: 2, Z: 3},
		{X: -4, Y: 5, Z: 6},
	}
	path := writeFixture(t, points)

	p, err := NewBinary().Preview(path, nil, false)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), p.NumPoints)
	assert.Equal(t, "EPSG:26915", p.SRS)
	assert.Equal(t, []string{"X", "Y", "Z"}, p.DimNames)
	require.NotNil(t, p.Bounds)
	assert.Equal(t, types.Point{X: -4, Y: 2, Z: 3}, p.Bounds.Min())
	assert.Equal(t, types.Point{X: 1, Y: 5, Z: 6}, p.Bounds.Max())
	require.NotNil(t, p.Scale)
	assert.Equal(t, types.UnitScale(), *p.Scale)
}

func TestBinaryPreviewHammerOverridesSRS(t *testing.T) {
	path := writeFixture(t, []types.Point{{X: 1, Y: 1, Z: 1}})

	re := &types.Reprojection{In: "EPSG:4326", Out: "EPSG:3857", Hammer: true}
	p, err := NewBinary().Preview(path, re, false)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:3857", p.SRS)
}

func TestBinaryOpenStreamsAllPoints(t *testing.T) {
	points := make([]types.Point, 1000)
	for i := range points {
		points[i] = types.Point{X: float64(i), Y: float64(i) / 2, Z: -float64(i)}
	}
	path := writeFixture(t, points)

	schema := types.NewSchema(nil)
	src, err := NewBinary().Open(path, nil, schema)
	require.NoError(t, err)
	defer src.Close()

	// A small table forces multiple batches.
	table := NewTable(schema, 64)
	var got []types.Point
	for {
		n, err := src.Next(table)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			got = append(got, schema.ReadPoint(table.Record(i)))
		}
	}
	require.Len(t, got, len(points))
	for i := range points {
		assert.Equal(t, points[i], got[i])
	}
}

func TestBinaryOpenMapsDimsIntoSchema(t *testing.T) {
	// File carries an Intensity the build schema also declares, plus a
	// Temperature the schema lacks.
	dims := append(XYZDims(),
		types.DimInfo{Name: "Intensity", Kind: types.Unsigned, Size: 2},
		types.DimInfo{Name: "Temperature", Kind: types.Floating, Size: 8},
	)
	rec := make([]byte, 24+2+8)
	copy(rec, PackXYZ(types.Point{X: 1, Y: 2, Z: 3}))
	binary.LittleEndian.PutUint16(rec[24:], 777)

	path := filepath.Join(t.TempDir(), "mixed.entb")
	require.NoError(t, WriteFile(path, FileMeta{
		Bounds: types.NewBounds(types.Point{}, types.Point{X: 4, Y: 4, Z: 4}, true),
		Dims:   dims,
	}, [][]byte{rec}))

	schema := types.NewSchema([]types.DimInfo{
		{Name: "Intensity", Kind: types.Unsigned, Size: 2},
	})
	src, err := NewBinary().Open(path, nil, schema)
	require.NoError(t, err)
	defer src.Close()

	table := NewTable(schema, 4)
	n, err := src.Next(table)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	out := table.Record(0)
	assert.Equal(t, types.Point{X: 1, Y: 2, Z: 3}, schema.ReadPoint(out))
	assert.Equal(t, uint16(777),
		binary.LittleEndian.Uint16(out[schema.Offset("Intensity"):]))
	// The origin slot stays zero for the builder to stamp.
	assert.Equal(t, types.Origin(0), schema.ReadOrigin(out))
}

func TestBinaryRejectsForeignContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.entb")
	require.NoError(t, writeRaw(path, []byte("not a point file at all")))

	_, err := NewBinary().Preview(path, nil, false)
	assert.ErrorIs(t, err, ErrFormat)

	_, err = NewBinary().Open(path, nil, types.NewSchema(nil))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestBinaryTruncatedRecordsSurfaceMidStream(t *testing.T) {
	points := []types.Point{{X: 1, Y: 1, Z: 1}, {X: 2, Y: 2, Z: 2}}
	path := writeFixture(t, points)

	// Chop the last record short.
	data, err := readRaw(path)
	require.NoError(t, err)
	short := filepath.Join(t.TempDir(), "short.entb")
	require.NoError(t, writeRaw(short, data[:len(data)-8]))

	schema := types.NewSchema(nil)
	src, err := NewBinary().Open(short, nil, schema)
	require.NoError(t, err)
	defer src.Close()

	table := NewTable(schema, 64)
	n, err := src.Next(table)
	assert.Error(t, err)
	assert.Equal(t, 1, n, "the intact record still arrives")
}

func writeRaw(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func readRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}
