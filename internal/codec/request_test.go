package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

func TestRequestRoundTrip(t *testing.T) {
	c := newCodec(t, Options{})
	req := &Request{Language: "starlark", Source: "def udf(data):\n    pass\n", EntryPoint: "udf", Data: sampleEnvelope(t)}
	for _, format := range []Format{FormatJSON, FormatPack} {
		payload, err := c.EncodeRequest(req, format)
		require.NoError(t, err)
		got, err := c.DecodeRequest(payload, format)
		require.NoError(t, err)
		assert.Equal(t, req.Language, got.Language)
		assert.Equal(t, req.Source, got.Source)
		assert.Equal(t, req.EntryPoint, got.EntryPoint)
		assert.True(t, req.Data.Equal(got.Data))
	}
}

func TestDecodeRequestRequiresSource(t *testing.T) {
	c := newCodec(t, Options{})
	_, err := c.DecodeRequest([]byte(`{"code": {"language": "starlark"}, "data": {}}`), FormatJSON)
	var se *udf.SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "code.source", se.Path)

	_, err = c.DecodeRequest([]byte(`{"data": {}}`), FormatJSON)
	assert.True(t, udf.IsSchemaError(err))
}

func TestDecodeResponse(t *testing.T) {
	c := newCodec(t, Options{})
	payload, err := c.EncodeError(&ErrorResponse{Message: "boom", Traceback: "line 1"}, FormatPack)
	require.NoError(t, err)
	_, err = c.DecodeResponse(payload, FormatPack)
	var remote *ErrorResponse
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "line 1", remote.Traceback)

	payload, err = c.Encode(sampleEnvelope(t), FormatJSON)
	require.NoError(t, err)
	env, err := c.DecodeResponse(payload, FormatJSON)
	require.NoError(t, err)
	assert.Len(t, env.ArrayCubes, 2)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("application/msgpack")
	require.NoError(t, err)
	assert.Equal(t, FormatPack, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
