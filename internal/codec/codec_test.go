package codec

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

func newCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func sampleEnvelope(t *testing.T) *udf.Envelope {
	t.Helper()
	env := udf.NewEnvelope()
	env.Metadata["producer"] = "test"
	env.UserContext["threshold"] = 0.25
	env.ServerContext["node"] = int64(3)
	ext, err := udf.NewSpatialExtent(53, 52, 7, 8, "EPSG:4326")
	require.NoError(t, err)
	env.Extent = &ext

	arr, err := udf.FromFloats(udf.Float32, []int{2, 2, 3}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, math.NaN()})
	require.NoError(t, err)
	cube, err := udf.NewArrayCube("temperature", []udf.Dimension{
		{Name: "t", Type: udf.DimTemporal, Size: 2},
		{Name: "y", Type: udf.DimSpatial, Unit: "m", Coordinates: []any{52.5, 52.75}},
		{Name: "x", Type: udf.DimSpatial, Extent: []float64{7, 8}, Resolution: 0.5},
	}, arr)
	require.NoError(t, err)
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	cube.StartTimes = []time.Time{t0, t0.Add(24 * time.Hour)}
	cube.EndTimes = []time.Time{t0.Add(time.Hour), t0.Add(25 * time.Hour)}
	cube.Extra = map[string]any{"nodata": int64(-9999)}
	require.NoError(t, env.AddArrayCube(cube))

	ints, err := udf.FromInts(udf.Uint16, []int{3}, []int64{1, 65535, 42})
	require.NoError(t, err)
	bands, err := udf.NewArrayCube("bands", []udf.Dimension{{Name: "band", Type: udf.DimBands, Coordinates: []any{"B02", "B03", "B04"}}}, ints)
	require.NoError(t, err)
	require.NoError(t, env.AddArrayCube(bands))

	fc, err := udf.NewFeatureCollection("fields", []udf.Feature{
		{ID: "a", Geometry: orb.Polygon{{{7, 52}, {8, 52}, {8, 53}, {7, 52}}}, Properties: map[string]any{"crop": "maize", "area": 1.5}},
		{ID: "b", Geometry: orb.Point{7.5, 52.5}, Properties: map[string]any{"crop": "wheat", "area": int64(2)}},
		{ID: "c", Geometry: orb.Bound{Min: orb.Point{7, 52}, Max: orb.Point{7.5, 52.5}}, Properties: map[string]any{"crop": "rye", "area": 0.5}},
		{ID: "d", Geometry: orb.Ring{{7.5, 52.5}, {8, 52.5}, {8, 53}, {7.5, 52.5}}, Properties: map[string]any{"crop": "oat", "area": 0.25}},
	})
	require.NoError(t, err)
	fc.StartTimes = []time.Time{t0, t0, t0, t0}
	require.NoError(t, env.AddFeatureCollection(fc))

	s, err := udf.NewStructuredResult("stats", udf.StructuredDict, map[string]any{"mean": 4.5, "n": 12})
	require.NoError(t, err)
	require.NoError(t, env.AddStructuredResult(s))
	tbl, err := udf.NewStructuredResult("", udf.StructuredTable, []any{[]any{"x", "y"}, []any{1, 2.5}})
	require.NoError(t, err)
	require.NoError(t, env.AddStructuredResult(tbl))

	m := udf.NewInlineModel("rf", []byte("model-bytes"), nil)
	m.Framework = "sklearn"
	require.NoError(t, env.AddMLModel(m))
	require.NoError(t, env.AddMLModel(&udf.MLModel{ID: "ref", ContentHash: udf.MD5Hex([]byte("stored"))}))
	return env
}

func TestRoundTripBothFormats(t *testing.T) {
	env := sampleEnvelope(t)
	for _, format := range []Format{FormatJSON, FormatPack} {
		t.Run(string(format), func(t *testing.T) {
			c := newCodec(t, Options{ValidateSchema: true})
			payload, err := c.Encode(env, format)
			require.NoError(t, err)
			assert.Equal(t, format, DetectFormat(payload))

			got, err := c.Decode(payload, format)
			require.NoError(t, err)
			assert.True(t, env.Equal(got), "round trip changed the envelope")

			again, err := c.Encode(got, format)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, again), "encoding is not deterministic")
		})
	}
}

func TestRoundTripZstd(t *testing.T) {
	env := sampleEnvelope(t)
	c := newCodec(t, Options{Compression: CompressionZstd})
	payload, err := c.Encode(env, FormatPack)
	require.NoError(t, err)
	assert.Equal(t, flagZstd, payload[5])

	plain := newCodec(t, Options{})
	got, err := plain.Decode(payload, FormatPack)
	require.NoError(t, err)
	assert.True(t, env.Equal(got))
}

func TestPackPreservesDType(t *testing.T) {
	env := sampleEnvelope(t)
	c := newCodec(t, Options{})
	for _, format := range []Format{FormatJSON, FormatPack} {
		payload, err := c.Encode(env, format)
		require.NoError(t, err)
		got, err := c.Decode(payload, format)
		require.NoError(t, err)
		assert.Equal(t, udf.Float32, got.ArrayCubes["temperature"].Array.DType())
		assert.Equal(t, udf.Uint16, got.ArrayCubes["bands"].Array.DType())
	}
}

func TestEmptyEnvelopeKeepsEmptyContainers(t *testing.T) {
	c := newCodec(t, Options{})
	payload, err := c.Encode(udf.NewEnvelope(), FormatJSON)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"hypercubes":[]`)
	assert.Contains(t, string(payload), `"user_context":{}`)

	got, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	assert.NotNil(t, got.ArrayCubes)
	assert.NotNil(t, got.StructuredResults)
	assert.Empty(t, got.ArrayCubes)
	assert.True(t, udf.NewEnvelope().Equal(got))
}

func TestDecodeMissingFieldsDefaults(t *testing.T) {
	c := newCodec(t, Options{})
	got, err := c.Decode([]byte(`{}`), FormatJSON)
	require.NoError(t, err)
	assert.NotNil(t, got.MLModels)
	assert.NotNil(t, got.UserContext)
	assert.Nil(t, got.Extent)
}

func TestDecodeShapeMismatchIsSchemaError(t *testing.T) {
	payload := []byte(`{"data": {"hypercubes": [{
		"id": "c",
		"dimensions": [{"name": "t", "size": 2}, {"name": "x", "size": 2}],
		"array": [[1, 2, 3], [4, 5, 6], [7, 8, 9]]
	}]}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.Error(t, err)
	assert.Nil(t, env)
	var se *udf.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Path, "data.hypercubes[0]")
}

func TestDecodeUnknownKeysGoToMetadata(t *testing.T) {
	payload := []byte(`{"proj": "EPSG:4326", "data": {"rasters": [1]}, "metadata": {"a": 1}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:4326", env.Metadata["proj"])
	assert.Equal(t, []any{int64(1)}, env.Metadata["data.rasters"])
	assert.Equal(t, int64(1), env.Metadata["a"])
}

func TestDecodeLegacyCollectionNames(t *testing.T) {
	payload := []byte(`{"datacubes": [{"id": "c", "dimensions": [{"name": "x"}], "array": [1, 2]}],
		"machine_learn_models": [{"id": "m", "md5_hash": "` + udf.MD5Hex([]byte("x")) + `"}]}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	require.Contains(t, env.ArrayCubes, "c")
	assert.Equal(t, udf.Int64, env.ArrayCubes["c"].Array.DType())
	assert.Equal(t, udf.MD5Hex([]byte("x")), env.MLModels["m"].ContentHash)
}

func TestDecodeListStructuredWrapper(t *testing.T) {
	payload := []byte(`{"data": {"structured_data_list": [{"description": "d", "type": "list", "data": {"list": [1, 2]}}]}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	require.Len(t, env.StructuredResults, 1)
	assert.Equal(t, []any{int64(1), int64(2)}, env.StructuredResults[0].Data)
}

func TestDecodeGeometryEncodings(t *testing.T) {
	payload := []byte(`{"data": {"feature_collection_tiles": [{"id": "f", "data": {"type": "FeatureCollection", "features": [
		{"geometry": "POINT (1 2)", "properties": {}},
		{"geometry": {"type": "Point", "coordinates": [3, 4]}, "properties": {}}
	]}}]}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	fs := env.FeatureCollections["f"].Features
	require.Len(t, fs, 2)
	assert.Equal(t, orb.Point{1, 2}, fs[0].Geometry)
	assert.Equal(t, orb.Point{3, 4}, fs[1].Geometry)
}

func TestDecodeRejectsBlobHashMismatch(t *testing.T) {
	payload := []byte(`{"data": {"machine_learn_models": [{"id": "m", "blob": "eA==", "content_hash": "` + udf.SHA256Hex([]byte("y")) + `"}]}}`)
	c := newCodec(t, Options{})
	_, err := c.Decode(payload, FormatJSON)
	assert.True(t, udf.IsSchemaError(err))
}

func TestDecodeRejectsMisalignedTimes(t *testing.T) {
	payload := []byte(`{"data": {"hypercubes": [{"id": "c",
		"dimensions": [{"name": "t", "type": "temporal"}],
		"array": [1, 2],
		"start_times": ["2024-01-01T00:00:00Z"]}]}}`)
	c := newCodec(t, Options{})
	_, err := c.Decode(payload, FormatJSON)
	assert.True(t, udf.IsSchemaError(err))
}

func TestSchemaValidation(t *testing.T) {
	payload := []byte(`{"data": {"hypercubes": [{"dimensions": [], "array": []}]}}`)
	c := newCodec(t, Options{ValidateSchema: true})
	_, err := c.Decode(payload, FormatJSON)
	var se *udf.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Reason, "id")
}

func TestDecodeCorruptPack(t *testing.T) {
	c := newCodec(t, Options{})
	for _, payload := range [][]byte{
		[]byte("UDFP"),
		{'U', 'D', 'F', 'P', 9, 0, 0x80},
		{'U', 'D', 'F', 'P', 1, 7, 0x80},
		{'U', 'D', 'F', 'P', 1, 0, 0x93},
	} {
		_, err := c.Decode(payload, FormatPack)
		assert.True(t, udf.IsSchemaError(err), "payload %v", payload)
	}
}

func TestModelsAreBoundToResolver(t *testing.T) {
	hash := udf.SHA256Hex([]byte("stored"))
	c := newCodec(t, Options{Models: staticResolver{hash: []byte("stored")}})
	env, err := c.Decode([]byte(`{"data": {"machine_learn_models": [{"id": "m", "content_hash": "`+hash+`"}]}}`), FormatJSON)
	require.NoError(t, err)
	b, err := env.MLModels["m"].Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored", string(b))
}

type staticResolver map[string][]byte

func (s staticResolver) Resolve(_ context.Context, hash string) ([]byte, error) {
	if b, ok := s[hash]; ok {
		return b, nil
	}
	return nil, &udf.NotFoundError{Hash: hash}
}

func TestDecodeOverflowingShapeIsSchemaError(t *testing.T) {
	payload := []byte(`{"data": {"hypercubes": [{
		"id": "c",
		"dimensions": [{"name": "y"}, {"name": "x"}],
		"array": {"dtype": "float64", "shape": [4611686018427387904, 4], "data": ""}
	}]}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.Error(t, err)
	assert.Nil(t, env)
	assert.True(t, udf.IsSchemaError(err), "got %v", err)
}

func TestBoundAndRingDecodeAsPolygons(t *testing.T) {
	env := sampleEnvelope(t)
	fc := env.FeatureCollections["fields"]
	assert.IsType(t, orb.Polygon{}, fc.Features[2].Geometry)
	assert.IsType(t, orb.Polygon{}, fc.Features[3].Geometry)

	c := newCodec(t, Options{})
	for _, format := range []Format{FormatJSON, FormatPack} {
		payload, err := c.Encode(env, format)
		require.NoError(t, err)
		got, err := c.Decode(payload, format)
		require.NoError(t, err)
		assert.True(t, orb.Equal(fc.Features[2].Geometry, got.FeatureCollections["fields"].Features[2].Geometry), format)
	}
}

func TestUnknownKeysDoNotOverwriteMetadata(t *testing.T) {
	payload := []byte(`{"metadata": {"producer": "openeo", "zeta": 1}, "producer": "stray", "zeta": 2, "data": {"extra": 3}}`)
	c := newCodec(t, Options{})
	env, err := c.Decode(payload, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "openeo", env.Metadata["producer"])
	assert.Equal(t, int64(1), env.Metadata["zeta"])
	assert.Equal(t, int64(3), env.Metadata["data.extra"])
}
