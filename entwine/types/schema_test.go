package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaAlwaysCarriesCoordinatesAndOrigin(t *testing.T) {
	s := NewSchema(nil)

	assert.Equal(t, 0, s.Offset(DimX))
	assert.Equal(t, 8, s.Offset(DimY))
	assert.Equal(t, 16, s.Offset(DimZ))
	assert.Equal(t, 24, s.Offset(DimOrigin))
	assert.Equal(t, 28, s.PointSize())
}

func TestSchemaPayloadLayout(t *testing.T) {
	s := NewSchema([]DimInfo{
		{Name: "Intensity", Kind: Unsigned, Size: 2},
		{Name: "Classification", Kind: Unsigned, Size: 1},
	})

	assert.Equal(t, 24, s.Offset("Intensity"))
	assert.Equal(t, 26, s.Offset("Classification"))
	assert.Equal(t, 27, s.Offset(DimOrigin))
	assert.Equal(t, 31, s.PointSize())
	assert.Equal(t, -1, s.Offset("Missing"))
}

func TestSchemaPointAndOriginRoundTrip(t *testing.T) {
	s := NewSchema(nil)
	rec := make([]byte, s.PointSize())

	p := Point{X: 1.5, Y: -2.25, Z: 1e9}
	s.WritePoint(rec, p)
	s.SetOrigin(rec, 41)

	assert.Equal(t, p, s.ReadPoint(rec))
	assert.Equal(t, Origin(41), s.ReadOrigin(rec))
}

func TestSchemaMergePrefersDeclaredTypes(t *testing.T) {
	a := NewSchema([]DimInfo{{Name: "Intensity", Kind: Unsigned, Size: 2}})
	b := NewSchema([]DimInfo{
		{Name: "Intensity", Kind: Floating, Size: 8},
		{Name: "Red", Kind: Unsigned, Size: 2},
	})

	m := a.Merge(b)
	assert.True(t, m.Contains("Red"))

	// The first declaration of Intensity wins.
	for _, d := range m.Dims() {
		if d.Name == "Intensity" {
			assert.Equal(t, Unsigned, d.Kind)
			assert.Equal(t, 2, d.Size)
		}
	}
}

func TestSchemaValidate(t *testing.T) {
	ok := NewSchema([]DimInfo{{Name: "GpsTime", Kind: Floating, Size: 8}})
	assert.NoError(t, ok.Validate())

	bad := NewSchema([]DimInfo{{Name: "Odd", Kind: Floating, Size: 3}})
	assert.Error(t, bad.Validate())
}

func TestSchemaJSONRoundTrip(t *testing.T) {
	s := NewSchema([]DimInfo{
		{Name: "Intensity", Kind: Unsigned, Size: 2},
		{Name: "GpsTime", Kind: Floating, Size: 8},
	})

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out Schema
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, s.Dims(), out.Dims())
	assert.Equal(t, s.PointSize(), out.PointSize())
}
