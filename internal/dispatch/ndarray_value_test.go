package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func evalStar(t *testing.T, expr string) (starlark.Value, error) {
	t.Helper()
	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, "test.star", "r = "+expr+"\n", predeclared)
	if err != nil {
		return nil, err
	}
	return globals["r"], nil
}

func TestNDArrayExpressions(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{`udf.array([[1, 2], [3, 4]]).tolist()`, `[[1, 2], [3, 4]]`},
		{`(udf.array([1, 2]) * 2).tolist()`, `[2, 4]`},
		{`(2 * udf.array([1, 2])).tolist()`, `[2, 4]`},
		{`(10 - udf.array([1, 2])).tolist()`, `[9, 8]`},
		{`(udf.array([1.0, 3.0]) / 2).tolist()`, `[0.5, 1.5]`},
		{`(udf.array([1, 2]) / 2).dtype`, `"float64"`},
		{`(udf.array([1, 2]) + udf.array([10, 20])).tolist()`, `[11, 22]`},
		{`(udf.array([1, 2]) + [0.5, 0.5]).tolist()`, `[1.5, 2.5]`},
		{`(-udf.array([1.5, -2.0])).tolist()`, `[-1.5, 2.0]`},
		{`udf.array([[1, 2], [3, 4]])[1].tolist()`, `[3, 4]`},
		{`udf.array([[1, 2], [3, 4]])[(1, 0)]`, `3`},
		{`udf.array([[1, 2], [3, 4]])[-1].tolist()`, `[3, 4]`},
		{`udf.array([[1, 2], [3, 4]]).shape`, `(2, 2)`},
		{`udf.array([[1, 2], [3, 4]]).ndim`, `2`},
		{`udf.array([1, 2], dtype = "uint8").dtype`, `"uint8"`},
		{`udf.array([[1, 2], [3, 4]]).sum()`, `10.0`},
		{`udf.array([[1, 2], [3, 4]]).mean(axis = 0).tolist()`, `[2.0, 3.0]`},
		{`udf.array([[1, 2], [3, 4]]).reduce("max", 1).tolist()`, `[2.0, 4.0]`},
		{`udf.array([3, 1, 2]).median()`, `2.0`},
		{`udf.array([1, 2, 3, 4, 5, 6]).reshape(2, 3).shape`, `(2, 3)`},
		{`udf.array([1, 2, 3, 4, 5, 6]).reshape((3, 2)).tolist()`, `[[1, 2], [3, 4], [5, 6]]`},
		{`udf.array([1.7]).astype("int32").tolist()`, `[1]`},
		{`[x for x in udf.array([[1, 2], [3, 4]])][1].tolist()`, `[3, 4]`},
		{`len(udf.array([[1, 2], [3, 4], [5, 6]]))`, `3`},
		{`udf.zeros((2, 1)).tolist()`, `[[0.0], [0.0]]`},
		{`udf.full(2, 7, dtype = "int16").tolist()`, `[7, 7]`},
		{`nd.abs(udf.array([-1.0, 2.0])).tolist()`, `[1.0, 2.0]`},
		{`nd.sqrt(udf.array([4.0, 9.0])).tolist()`, `[2.0, 3.0]`},
		{`nd.where(udf.array([1, 0, 1]), udf.array([1, 2, 3]), 0).tolist()`, `[1, 0, 3]`},
		{`nd.max(udf.array([[1, 5], [3, 4]]), axis = 1).tolist()`, `[5.0, 4.0]`},
		{`nd.mean([1, 2, 3])`, `2.0`},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			v, err := evalStar(t, tc.expr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.String())
		})
	}
}

func TestNDArrayCopyIsIndependentAndRowsAreViews(t *testing.T) {
	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, "test.star", `
a = udf.array([[1, 2], [3, 4]])
b = a.copy()
b[(0, 0)] = 9
row = a[0]
row[0] = 7
a[(0, 1)] = 8
seen = row.tolist()
`, predeclared)
	require.NoError(t, err)
	a := globals["a"].(*ndarrayValue).arr
	assert.Equal(t, []int64{7, 8, 3, 4}, a.Ints())
	assert.Equal(t, []int64{9, 2, 3, 4}, globals["b"].(*ndarrayValue).arr.Ints())
	assert.Equal(t, "[7, 8]", globals["seen"].String())
}

func TestNDArrayErrors(t *testing.T) {
	for _, expr := range []string{
		`udf.array([[1, 2], [3]])`,
		`udf.array([1, 2]) + udf.array([1, 2, 3])`,
		`udf.array([1, 2])[(0, 0)]`,
		`udf.array([1, 2])[5]`,
		`udf.array([1, 2])["x"]`,
		`udf.array([1, 2]).reshape(3)`,
		`udf.array([1, 2]).reduce("mode")`,
		`udf.array([1, 2]).sum(axis = 2)`,
		`udf.array([1], dtype = "complex128")`,
		`{udf.array([1]): 1}`,
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := evalStar(t, expr)
			assert.Error(t, err)
		})
	}
}

func TestFrozenNDArrayRejectsWrites(t *testing.T) {
	v, err := evalStar(t, `udf.array([1, 2])`)
	require.NoError(t, err)
	v.Freeze()
	err = v.(starlark.HasSetKey).SetKey(starlark.MakeInt(0), starlark.MakeInt(5))
	assert.ErrorContains(t, err, "frozen")

	m, err := evalStar(t, `udf.array([[1, 2], [3, 4]])`)
	require.NoError(t, err)
	row, _, err := m.(starlark.Mapping).Get(starlark.MakeInt(1))
	require.NoError(t, err)
	m.Freeze()
	err = row.(starlark.HasSetKey).SetKey(starlark.MakeInt(0), starlark.MakeInt(5))
	assert.ErrorContains(t, err, "frozen", "a view of a frozen array is read-only")
}

func TestAcceptsEnvelope(t *testing.T) {
	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFileOptions(fileOptions, thread, "test.star", `
def one(data): pass
def defaults(data, k = 1): pass
def kwargs(data, **kw): pass
def none(): pass
def two(a, b): pass
def varargs(data, *rest): pass
def optional(data = None): pass
`, predeclared)
	require.NoError(t, err)
	for name, want := range map[string]bool{
		"one": true, "defaults": true, "kwargs": true,
		"none": false, "two": false, "varargs": false, "optional": false,
	} {
		assert.Equal(t, want, acceptsEnvelope(globals[name].(*starlark.Function)), name)
	}
}
