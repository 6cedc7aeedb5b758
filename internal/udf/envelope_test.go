package udf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCube(t *testing.T) *ArrayCube {
	t.Helper()
	arr, err := Full(Float64, []int{2, 3, 3}, 1)
	require.NoError(t, err)
	c, err := NewArrayCube("temp", []Dimension{
		{Name: "t", Type: DimTemporal, Size: 2},
		{Name: "y", Type: DimSpatial, Coordinates: []any{0.0, 1.0, 2.0}},
		{Name: "x", Type: DimSpatial},
	}, arr)
	require.NoError(t, err)
	return c
}

func TestNewArrayCubeRejectsSizeMismatch(t *testing.T) {
	arr, err := Zeros(Float64, []int{3, 3, 3})
	require.NoError(t, err)
	_, err = NewArrayCube("c", []Dimension{
		{Name: "t", Type: DimTemporal, Size: 2},
		{Name: "y"},
		{Name: "x"},
	}, arr)
	require.Error(t, err)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "dimensions[0]", se.Path)
}

func TestNewArrayCubeRejectsRankMismatch(t *testing.T) {
	arr, _ := Zeros(Float64, []int{3, 3})
	_, err := NewArrayCube("c", []Dimension{{Name: "x"}}, arr)
	assert.True(t, IsSchemaError(err))
}

func TestCubeTimestampAlignment(t *testing.T) {
	c := testCube(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c.StartTimes = []time.Time{t0}
	assert.True(t, IsSchemaError(c.Validate()), "one start time for two slices")

	c.StartTimes = nil
	c.EndTimes = []time.Time{t0, t0}
	assert.True(t, IsSchemaError(c.Validate()), "end times without start times")

	c.StartTimes = []time.Time{t0, t0.Add(time.Hour)}
	c.EndTimes = []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour)}
	assert.NoError(t, c.Validate())
}

func TestTemporalAxisFallsBackToName(t *testing.T) {
	arr, _ := Zeros(Int32, []int{4, 2})
	c, err := NewArrayCube("c", []Dimension{{Name: "x"}, {Name: "time"}}, arr)
	require.NoError(t, err)
	assert.Equal(t, 1, c.TemporalAxis())

	noTime, _ := NewArrayCube("d", []Dimension{{Name: "x"}, {Name: "y"}}, arr)
	noTime.StartTimes = []time.Time{time.Now()}
	assert.True(t, IsSchemaError(noTime.Validate()))
}

func TestFeatureCollectionUniformColumns(t *testing.T) {
	_, err := NewFeatureCollection("fc", []Feature{
		{Geometry: orb.Point{1, 2}, Properties: map[string]any{"a": 1}},
		{Geometry: orb.Point{3, 4}, Properties: map[string]any{"b": 1}},
	})
	assert.True(t, IsSchemaError(err))

	fc, err := NewFeatureCollection("fc", []Feature{
		{Geometry: orb.Point{1, 2}, Properties: map[string]any{"a": 1, "b": "x"}},
		{Geometry: orb.Point{3, 4}, Properties: map[string]any{"b": "y", "a": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fc.Columns())

	b := fc.Bounds("EPSG:4326")
	require.NotNil(t, b)
	assert.Equal(t, SpatialExtent{Top: 4, Bottom: 2, Left: 1, Right: 3, CRS: "EPSG:4326"}, *b)
}

func TestSpatialExtentInvariant(t *testing.T) {
	_, err := NewSpatialExtent(0, 10, 0, 10, "EPSG:4326")
	assert.True(t, IsSchemaError(err))

	_, err = NewSpatialExtent(0, 10, 0, 10, "urn:custom:flipped")
	assert.NoError(t, err)

	e, err := NewSpatialExtent(53, 52, 7, 8, "")
	require.NoError(t, err)
	assert.True(t, e.Contains(7.5, 52.5))
	assert.False(t, e.Contains(9, 52.5))
	assert.Len(t, e.Polygon()[0], 5)
}

func TestStructuredResultTags(t *testing.T) {
	s, err := NewStructuredResult("", StructuredList, map[string]any{"list": []any{1, "a"}})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), "a"}, s.Data)

	_, err = NewStructuredResult("", StructuredArray, []any{1, "x"})
	assert.True(t, IsSchemaError(err))

	tbl, err := NewStructuredResult("", StructuredTable, []any{[]any{"a", "b"}, []any{1, 2}})
	require.NoError(t, err)
	assert.Len(t, tbl.Data, 2)

	_, err = NewStructuredResult("", StructuredTable, []any{[]any{"a", "b"}, []any{1}})
	assert.True(t, IsSchemaError(err))

	_, err = NewStructuredResult("", "matrix", nil)
	assert.True(t, IsSchemaError(err))
}

type mapResolver map[string][]byte

func (m mapResolver) Resolve(_ context.Context, hash string) ([]byte, error) {
	b, ok := m[hash]
	if !ok {
		return nil, &NotFoundError{Hash: hash}
	}
	return b, nil
}

func TestMLModelLoadOrder(t *testing.T) {
	inline := NewInlineModel("m", []byte("weights"), nil)
	assert.Equal(t, SHA256Hex([]byte("weights")), inline.ContentHash)
	b, err := inline.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "weights", string(b))

	ref := &MLModel{ID: "r", ContentHash: MD5Hex([]byte("w2"))}
	_, err = ref.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)

	ref.Bind(mapResolver{ref.ContentHash: []byte("w2")}, nil)
	b, err = ref.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "w2", string(b))

	bad := &MLModel{ID: "b", ContentHash: SHA256Hex([]byte("x"))}
	assert.True(t, IsSchemaError(bad.SetBlob([]byte("y"))))
}

func TestEnvelopeDuplicateIDs(t *testing.T) {
	env := NewEnvelope()
	require.NoError(t, env.AddArrayCube(testCube(t)))
	assert.True(t, IsSchemaError(env.AddArrayCube(testCube(t))))
}

func TestEnvelopeCloneIsDeep(t *testing.T) {
	env := NewEnvelope()
	require.NoError(t, env.AddArrayCube(testCube(t)))
	env.UserContext["k"] = []any{1}

	c := env.Clone()
	require.True(t, env.Equal(c))

	require.NoError(t, c.ArrayCubes["temp"].Array.Set(5, 0, 0, 0))
	c.UserContext["k"].([]any)[0] = 2
	assert.False(t, env.Equal(c))
	v, _ := env.ArrayCubes["temp"].Array.At(0, 0, 0)
	assert.Equal(t, 1.0, v)
	assert.Equal(t, []any{1}, env.UserContext["k"])
}

func TestEnvelopeEqualNilVersusEmpty(t *testing.T) {
	assert.True(t, (&Envelope{}).Equal(NewEnvelope()))
}

func TestEnvelopeValidateKeyMismatch(t *testing.T) {
	env := NewEnvelope()
	env.ArrayCubes["other"] = testCube(t)
	assert.True(t, IsSchemaError(env.Validate()))
}
