package dispatch

import (
	"fmt"
	"math"
	"time"

	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// toStarlark converts a free-form Go value into a fresh Starlark value.
func toStarlark(v any) (starlark.Value, error) {
	if a, ok := v.(*udf.NDArray); ok {
		return newNDArrayValue(a), nil
	}
	switch x := udf.NormalizeValue(v).(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []byte:
		return starlark.Bytes(x), nil
	case []any:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		return mapToDict(x)
	default:
		return nil, fmt.Errorf("cannot convert %T to a starlark value", v)
	}
}

// mapToDict builds a dict with keys inserted in lexical order so iteration
// is deterministic.
func mapToDict(m map[string]any) (*starlark.Dict, error) {
	d := starlark.NewDict(len(m))
	for _, k := range udf.SortedKeys(m) {
		sv, err := toStarlark(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if err := d.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// fromStarlark converts a Starlark value into the free-form Go model.
// Arrays become nested lists.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i, nil
		}
		f := float64(x.Float())
		if math.IsInf(f, 0) {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return f, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case starlark.Bytes:
		return []byte(x), nil
	case *ndarrayValue:
		return x.array().Nested(), nil
	case *starlark.Dict:
		return dictToMap(x)
	case starlark.Iterable:
		switch v.(type) {
		case *starlark.List, starlark.Tuple, *starlark.Set:
		default:
			return nil, fmt.Errorf("cannot convert %s to a plain value", v.Type())
		}
		out := []any{}
		it := x.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			gv, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot convert %s to a plain value", v.Type())
}

// dictToMap requires string keys.
func dictToMap(d *starlark.Dict) (map[string]any, error) {
	out := make(map[string]any, d.Len())
	for _, item := range d.Items() {
		k, ok := item[0].(starlark.String)
		if !ok {
			return nil, fmt.Errorf("dict key %s is %s, want string", item[0], item[0].Type())
		}
		gv, err := fromStarlark(item[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", string(k), err)
		}
		out[string(k)] = gv
	}
	return out, nil
}

// mapValue converts v and requires a mapping.
func mapValue(what string, v starlark.Value) (map[string]any, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s must be a dict, got %s", what, v.Type())
	}
	return dictToMap(d)
}

// optionalString reads a string attribute value; None becomes "".
func optionalString(what string, v starlark.Value) (string, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.String:
		return string(x), nil
	}
	return "", fmt.Errorf("%s must be a string, got %s", what, v.Type())
}

// toArray converts an ndarray, a (nested) list or a number into an NDArray.
// A number is broadcast to shape.
func toArray(v starlark.Value, dtype udf.DType, shape []int) (*udf.NDArray, error) {
	switch x := v.(type) {
	case *ndarrayValue:
		if dtype != "" && dtype != x.arr.DType() {
			return x.array().AsType(dtype)
		}
		return x.array(), nil
	case starlark.Int, starlark.Float:
		f, _ := starlark.AsFloat(x)
		if dtype == "" {
			dtype = udf.Float64
			if _, isInt := x.(starlark.Int); isInt {
				dtype = udf.Int64
			}
		}
		return udf.Full(dtype, shape, f)
	case *starlark.List, starlark.Tuple:
		nested, err := fromStarlark(v)
		if err != nil {
			return nil, err
		}
		return udf.ArrayFromNested(nested, dtype)
	}
	return nil, fmt.Errorf("cannot use %s as an array", v.Type())
}

func extentValue(e *udf.SpatialExtent) (starlark.Value, error) {
	if e == nil {
		return starlark.None, nil
	}
	return mapToDict(codec.ExtentTree(*e))
}

func extentFromValue(path string, v starlark.Value) (*udf.SpatialExtent, error) {
	if v == starlark.None {
		return nil, nil
	}
	m, err := mapValue(path, v)
	if err != nil {
		return nil, err
	}
	e, err := codec.ExtentFromTree(path, m)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func timesValue(ts []time.Time) starlark.Value {
	elems := make([]starlark.Value, len(ts))
	for i, t := range codec.TimesTree(ts) {
		elems[i] = starlark.String(t.(string))
	}
	return starlark.NewList(elems)
}

func timesFromValue(path string, v starlark.Value) ([]time.Time, error) {
	if v == starlark.None {
		return nil, nil
	}
	raw, err := fromStarlark(v)
	if err != nil {
		return nil, err
	}
	return codec.TimesFromTree(path, raw)
}
