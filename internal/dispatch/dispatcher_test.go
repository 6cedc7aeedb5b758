package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

type staticResolver map[string][]byte

func (r staticResolver) Resolve(_ context.Context, hash string) ([]byte, error) {
	if b, ok := r[hash]; ok {
		return b, nil
	}
	return nil, &udf.NotFoundError{Hash: hash}
}

func newDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

func onesEnvelope(t *testing.T) *udf.Envelope {
	t.Helper()
	arr, err := udf.Full(udf.Float64, []int{2, 2}, 1)
	require.NoError(t, err)
	c, err := udf.NewArrayCube("c", []udf.Dimension{
		{Name: "y", Type: udf.DimSpatial},
		{Name: "x", Type: udf.DimSpatial},
	}, arr)
	require.NoError(t, err)
	env := udf.NewEnvelope()
	require.NoError(t, env.AddArrayCube(c))
	env.UserContext["k"] = "v"
	return env
}

func run(t *testing.T, d *Dispatcher, src string, env *udf.Envelope) (*udf.Envelope, error) {
	t.Helper()
	return d.Run(context.Background(), Code{Source: src}, env)
}

func TestDoubleEveryCube(t *testing.T) {
	m := metrics.New()
	d := newDispatcher(t, Options{Metrics: m})
	env := onesEnvelope(t)

	out, err := run(t, d, `
def apply_udf_data(data):
    for cube in data.array_cubes.values():
        cube.array = cube.array * 2
`, env)
	require.NoError(t, err)
	assert.Same(t, env, out)

	twos, err := udf.Full(udf.Float64, []int{2, 2}, 2)
	require.NoError(t, err)
	assert.True(t, env.ArrayCubes["c"].Array.Equal(twos))
	assert.Equal(t, "v", env.UserContext["k"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues(LanguageStarlark, metrics.OutcomeOK)))
}

func TestElementAssignmentWritesThrough(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	_, err := run(t, d, `
def udf(data):
    a = data.array_cubes["c"].array
    a[(0, 1)] = 5
    a[1] = [7, 8]
`, env)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 5, 7, 8}, env.ArrayCubes["c"].Array.Floats())
}

func TestChainedIndexAssignmentWritesThrough(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	_, err := run(t, d, `
def apply_udf_data(data):
    a = data.array_cubes["c"].array
    a[0][1] = 5
    row = a[1]
    row[0] = 7
    a[(1, 1)] = 8
    data.user_context["row"] = row.tolist()
    for r in a:
        r[0] = r[0] + 10
`, env)
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 5, 17, 8}, env.ArrayCubes["c"].Array.Floats())
	assert.Equal(t, []any{7.0, 8.0}, env.UserContext["row"])
}

func TestFailingCodeLeavesInputUntouched(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	before := env.Clone()

	_, err := run(t, d, `
def udf(data):
    data.metadata["touched"] = True
    data.array_cubes["c"].array[(0, 0)] = 99
    fail("boom")
`, env)
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Contains(t, ue.Message, "boom")
	assert.Contains(t, ue.Traceback, "udf")
	assert.True(t, before.Equal(env))
}

func TestInvalidResultIsUserError(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	before := env.Clone()

	_, err := run(t, d, `
def udf(data):
    data.array_cubes["c"].start_times = ["2020-01-01T00:00:00Z"]
`, env)
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.True(t, udf.IsSchemaError(err))
	assert.True(t, before.Equal(env))
}

func TestArrayAssignmentIsShapeChecked(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := run(t, d, `
def apply_udf_data(data):
    data.array_cubes["c"].array = udf.zeros(4)
`, onesEnvelope(t))
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Contains(t, ue.Message, "rank")
}

func TestEntryPointResolution(t *testing.T) {
	d := newDispatcher(t, Options{})

	t.Run("ambiguous", func(t *testing.T) {
		_, err := run(t, d, `
def a(data):
    pass

def b(data):
    pass
`, onesEnvelope(t))
		var ep *EntryPointNotFoundError
		require.True(t, errors.As(err, &ep), "got %v", err)
		assert.Equal(t, []string{"a", "b"}, ep.Candidates)
		assert.Empty(t, ep.Name)
	})

	t.Run("explicit", func(t *testing.T) {
		env := onesEnvelope(t)
		_, err := d.Run(context.Background(), Code{EntryPoint: "b", Source: `
def a(data):
    data.metadata["ran"] = "a"

def b(data):
    data.metadata["ran"] = "b"
`}, env)
		require.NoError(t, err)
		assert.Equal(t, "b", env.Metadata["ran"])
	})

	t.Run("missing explicit", func(t *testing.T) {
		_, err := d.Run(context.Background(), Code{EntryPoint: "nope", Source: "def a(data):\n    pass\n"}, onesEnvelope(t))
		var ep *EntryPointNotFoundError
		require.True(t, errors.As(err, &ep), "got %v", err)
		assert.Equal(t, "nope", ep.Name)
		assert.Equal(t, []string{"a"}, ep.Candidates)
	})

	t.Run("conventional order", func(t *testing.T) {
		env := onesEnvelope(t)
		_, err := run(t, d, `
def transform(data):
    data.metadata["ran"] = "transform"

def udf(data):
    data.metadata["ran"] = "udf"
`, env)
		require.NoError(t, err)
		assert.Equal(t, "udf", env.Metadata["ran"])
	})

	t.Run("sole candidate", func(t *testing.T) {
		env := onesEnvelope(t)
		_, err := run(t, d, `
def helper(x, y):
    return x + y

def _private(data):
    pass

def only(data, scale=3):
    data.metadata["v"] = helper(scale, 1)
`, env)
		require.NoError(t, err)
		assert.Equal(t, int64(4), env.Metadata["v"])
	})

	t.Run("none", func(t *testing.T) {
		_, err := run(t, d, "x = 1\n", onesEnvelope(t))
		var ep *EntryPointNotFoundError
		require.True(t, errors.As(err, &ep), "got %v", err)
		assert.Empty(t, ep.Candidates)
	})
}

func TestCodeLoadErrors(t *testing.T) {
	d := newDispatcher(t, Options{})
	for name, code := range map[string]Code{
		"syntax":   {Source: "def (:\n"},
		"resolve":  {Source: "def udf(data):\n    return undefined_name\n"},
		"toplevel": {Source: "fail(\"at load\")\n"},
		"language": {Language: "cobol", Source: "def udf(data):\n    pass\n"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := d.Run(context.Background(), code, onesEnvelope(t))
			var le *CodeLoadError
			assert.True(t, errors.As(err, &le), "got %v", err)
		})
	}
}

func TestReturnNewEnvelope(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	_, err := run(t, d, `
def apply_udf_data(data):
    out = udf.envelope(user_context = data.user_context)
    out.add_array_cube(udf.cube("z", ["t"], udf.zeros(3)))
    return out
`, env)
	require.NoError(t, err)
	require.Len(t, env.ArrayCubes, 1)
	assert.Equal(t, []int{3}, env.ArrayCubes["z"].Array.Shape())
	assert.Equal(t, "v", env.UserContext["k"])
	assert.NotNil(t, env.FeatureCollections)
}

func TestReturnWrongType(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := run(t, d, "def udf(data):\n    return 5\n", onesEnvelope(t))
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Contains(t, ue.Message, "want envelope or None")
}

func TestCancellation(t *testing.T) {
	d := newDispatcher(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	env := onesEnvelope(t)
	before := env.Clone()
	_, err := d.Run(ctx, Code{Source: `
def udf(data):
    while True:
        pass
`}, env)
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, before.Equal(env))
}

func TestMaxSteps(t *testing.T) {
	d := newDispatcher(t, Options{MaxSteps: 10000})
	_, err := run(t, d, `
def udf(data):
    n = 0
    while True:
        n += 1
`, onesEnvelope(t))
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Contains(t, ue.Message, "too many steps")
}

func TestModelLoad(t *testing.T) {
	blob := []byte("serialized forest")
	hash := udf.SHA256Hex(blob)
	d := newDispatcher(t, Options{Models: staticResolver{hash: blob}})

	env := onesEnvelope(t)
	require.NoError(t, env.AddMLModel(&udf.MLModel{ID: "rf", Framework: "sklearn", ContentHash: hash}))
	_, err := run(t, d, `
def udf(data):
    m = data.ml_models["rf"]
    data.metadata["size"] = len(m.load())
    data.metadata["framework"] = m.framework
`, env)
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), env.Metadata["size"])
	assert.Equal(t, "sklearn", env.Metadata["framework"])

	missing := onesEnvelope(t)
	require.NoError(t, missing.AddMLModel(&udf.MLModel{ID: "gone", ContentHash: udf.SHA256Hex([]byte("other"))}))
	_, err = run(t, d, "def udf(data):\n    data.ml_models[\"gone\"].load()\n", missing)
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.ErrorIs(t, err, udf.ErrNotFound)
}

func TestFeatureCollectionEdits(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := udf.NewEnvelope()
	fc, err := udf.NewFeatureCollection("pts", []udf.Feature{
		{Geometry: orb.Point{1, 2}, Properties: map[string]any{"v": int64(1)}},
		{Geometry: orb.Point{3, 4}, Properties: map[string]any{"v": int64(2)}},
	})
	require.NoError(t, err)
	require.NoError(t, env.AddFeatureCollection(fc))

	_, err = run(t, d, `
def apply_udf_data(data):
    fc = data.feature_collections["pts"]
    for f in fc.features:
        f["properties"]["v"] = f["properties"]["v"] * 10
    fc.features.append(udf.feature("POINT (5 5)", {"v": 30}))
    data.metadata["columns"] = fc.columns
    data.metadata["right"] = fc.bounds["right"]
`, env)
	require.NoError(t, err)
	got := env.FeatureCollections["pts"]
	require.Len(t, got.Features, 3)
	for i, want := range []int64{10, 20, 30} {
		assert.Equal(t, want, got.Features[i].Properties["v"])
	}
	assert.Equal(t, orb.Point{5, 5}, got.Features[2].Geometry)
	assert.Equal(t, []any{"v"}, env.Metadata["columns"])
	assert.Equal(t, 5.0, env.Metadata["right"])
}

func TestStructuredAndReduce(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	_, err := run(t, d, `
def apply_udf_data(data):
    c = data.array_cubes["c"]
    data.add_structured_result(udf.structured({"mean": nd.mean(c.array)}, description = "stats"))
    data.array_cubes["c"] = c.reduce("sum", "x")
`, env)
	require.NoError(t, err)
	require.Len(t, env.StructuredResults, 1)
	s := env.StructuredResults[0]
	assert.Equal(t, udf.StructuredDict, s.Type)
	assert.Equal(t, "stats", s.Description)
	assert.Equal(t, map[string]any{"mean": 1.0}, s.Data)

	c := env.ArrayCubes["c"]
	require.Len(t, c.Dimensions, 1)
	assert.Equal(t, "y", c.Dimensions[0].Name)
	assert.Equal(t, []float64{2, 2}, c.Array.Floats())
}

func TestFrozenGlobalsRejectWrites(t *testing.T) {
	d := newDispatcher(t, Options{})
	_, err := run(t, d, `
SHARED = udf.envelope()

def apply_udf_data(data):
    SHARED.metadata["x"] = 1
`, onesEnvelope(t))
	var ue *UserCodeError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Contains(t, ue.Message, "frozen")
}

func TestPrintSinkAndProgramCache(t *testing.T) {
	var lines []string
	d := newDispatcher(t, Options{Print: func(msg string) { lines = append(lines, msg) }})
	src := "def udf(data):\n    print(\"cubes:\", len(data.array_cubes))\n"
	for i := 0; i < 2; i++ {
		_, err := run(t, d, src, onesEnvelope(t))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"cubes: 1", "cubes: 1"}, lines)
	assert.Equal(t, 1, d.starlark.programs.Len())
}

func TestCELExpression(t *testing.T) {
	d := newDispatcher(t, Options{})
	env := onesEnvelope(t)
	_, err := d.Run(context.Background(), Code{
		Language: "cel",
		Source:   `{"metadata": {"cubes": size(data.data.hypercubes)}, "data": data.data}`,
	}, env)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.Metadata["cubes"])
	assert.Contains(t, env.ArrayCubes, "c")
	assert.Equal(t, "v", env.UserContext["k"], "contexts pass through")
}

func TestCELResultModelsUseConfiguredStore(t *testing.T) {
	stored := []byte("stored model")
	d := newDispatcher(t, Options{
		Hash:   udf.MD5Hex,
		Models: staticResolver{udf.MD5Hex(stored): stored},
	})
	env := onesEnvelope(t)
	_, err := d.Run(context.Background(), Code{
		Language: "cel",
		Source: `{"data": {"machine_learn_models": [
			{"id": "inline", "blob": "bW9kZWw="},
			{"id": "ref", "content_hash": "` + udf.MD5Hex(stored) + `"}
		]}}`,
	}, env)
	require.NoError(t, err)
	assert.Equal(t, udf.MD5Hex([]byte("model")), env.MLModels["inline"].ContentHash)

	got, err := env.MLModels["ref"].Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stored, got)
}

func TestStarlarkInlineModelUsesConfiguredHash(t *testing.T) {
	d := newDispatcher(t, Options{Hash: udf.MD5Hex})
	env := onesEnvelope(t)
	_, err := run(t, d, `
def apply_udf_data(data):
    data.ml_models["m"] = udf.model("m", blob = b"model")
`, env)
	require.NoError(t, err)
	assert.Equal(t, udf.MD5Hex([]byte("model")), env.MLModels["m"].ContentHash)
}

func TestCELErrors(t *testing.T) {
	d := newDispatcher(t, Options{})

	_, err := d.Run(context.Background(), Code{Language: "cel", Source: "data.", EntryPoint: ""}, onesEnvelope(t))
	var le *CodeLoadError
	assert.True(t, errors.As(err, &le), "got %v", err)

	_, err = d.Run(context.Background(), Code{Language: "cel", Source: "data", EntryPoint: "main"}, onesEnvelope(t))
	var ep *EntryPointNotFoundError
	assert.True(t, errors.As(err, &ep), "got %v", err)

	_, err = d.Run(context.Background(), Code{Language: "cel", Source: "1 + 1"}, onesEnvelope(t))
	var ue *UserCodeError
	assert.True(t, errors.As(err, &ue), "got %v", err)
}

func TestParseLanguage(t *testing.T) {
	for in, want := range map[string]string{"": LanguageStarlark, "Python": LanguageStarlark, "starlark": LanguageStarlark, "CEL": LanguageCEL} {
		got, err := ParseLanguage(in)
		if in == "" {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
