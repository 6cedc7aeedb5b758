package dispatch

import (
	"fmt"
	"math"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// predeclared is the global environment of every Starlark UDF.
var predeclared = starlark.StringDict{
	"udf": udfModule,
	"nd":  ndModule,
}

var udfModule = &starlarkstruct.Module{
	Name: "udf",
	Members: starlark.StringDict{
		"envelope":           starlark.NewBuiltin("udf.envelope", udfEnvelope),
		"cube":               starlark.NewBuiltin("udf.cube", udfCube),
		"dimension":          starlark.NewBuiltin("udf.dimension", udfDimension),
		"array":              starlark.NewBuiltin("udf.array", udfArray),
		"zeros":              starlark.NewBuiltin("udf.zeros", udfZeros),
		"full":               starlark.NewBuiltin("udf.full", udfFull),
		"feature_collection": starlark.NewBuiltin("udf.feature_collection", udfFeatureCollection),
		"feature":            starlark.NewBuiltin("udf.feature", udfFeature),
		"structured":         starlark.NewBuiltin("udf.structured", udfStructured),
		"extent":             starlark.NewBuiltin("udf.extent", udfExtent),
		"model":              starlark.NewBuiltin("udf.model", udfModel),
	},
}

var ndModule = &starlarkstruct.Module{
	Name: "nd",
	Members: starlark.StringDict{
		"abs":    starlark.NewBuiltin("nd.abs", ndMap(math.Abs)),
		"sqrt":   starlark.NewBuiltin("nd.sqrt", ndMap(math.Sqrt)),
		"exp":    starlark.NewBuiltin("nd.exp", ndMap(math.Exp)),
		"log":    starlark.NewBuiltin("nd.log", ndMap(math.Log)),
		"where":  starlark.NewBuiltin("nd.where", ndWhere),
		"sum":    starlark.NewBuiltin("nd.sum", ndReduce(udf.ReduceSum)),
		"mean":   starlark.NewBuiltin("nd.mean", ndReduce(udf.ReduceMean)),
		"min":    starlark.NewBuiltin("nd.min", ndReduce(udf.ReduceMin)),
		"max":    starlark.NewBuiltin("nd.max", ndReduce(udf.ReduceMax)),
		"median": starlark.NewBuiltin("nd.median", ndReduce(udf.ReduceMedian)),
	},
}

func udfEnvelope(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var metadata, extent, server, user starlark.Value = starlark.None, starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"metadata?", &metadata, "extent?", &extent, "server_context?", &server, "user_context?", &user); err != nil {
		return nil, err
	}
	env := udf.NewEnvelope()
	for _, f := range []struct {
		name string
		v    starlark.Value
		dst  *map[string]any
	}{
		{"metadata", metadata, &env.Metadata},
		{"server_context", server, &env.ServerContext},
		{"user_context", user, &env.UserContext},
	} {
		if f.v == starlark.None {
			continue
		}
		m, err := mapValue(f.name, f.v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		*f.dst = m
	}
	ext, err := extentFromValue("extent", extent)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	env.Extent = ext
	return newEnvelopeValue(env, sessionOf(thread)), nil
}

func parseDType(s string) (udf.DType, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return udf.ParseDType(s)
}

func udfCube(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		id, dtype, description string
		dims, array            starlark.Value
		start, end, extent     starlark.Value = starlark.None, starlark.None, starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &id, "dimensions", &dims, "array", &array, "dtype?", &dtype,
		"start_times?", &start, "end_times?", &end, "extent?", &extent, "description?", &description); err != nil {
		return nil, err
	}
	c := &udf.ArrayCube{ID: strings.TrimSpace(id), Description: description}
	var err error
	if c.Dimensions, err = dimensionsFromValue("dimensions", dims); err != nil {
		return nil, err
	}
	d, err := parseDType(dtype)
	if err != nil {
		return nil, err
	}
	if c.Array, err = toArray(array, d, nil); err != nil {
		return nil, err
	}
	if _, shared := array.(*ndarrayValue); shared {
		c.Array = c.Array.Clone()
	}
	if c.StartTimes, err = timesFromValue("start_times", start); err != nil {
		return nil, err
	}
	if c.EndTimes, err = timesFromValue("end_times", end); err != nil {
		return nil, err
	}
	if c.Extent, err = extentFromValue("extent", extent); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return &cubeValue{cube: c}, nil
}

func udfDimension(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, typ, unit, description string
		size                         int
		coordinates, extent, refsys  starlark.Value = starlark.None, starlark.None, starlark.None
		resolution                   starlark.Value = starlark.MakeInt(0)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "type?", &typ, "unit?", &unit, "size?", &size,
		"coordinates?", &coordinates, "extent?", &extent, "resolution?", &resolution,
		"description?", &description, "reference_system?", &refsys); err != nil {
		return nil, err
	}
	m := map[string]any{"name": name, "type": typ, "unit": unit, "description": description, "size": int64(size)}
	for key, v := range map[string]starlark.Value{
		"coordinates": coordinates, "extent": extent, "resolution": resolution, "reference_system": refsys,
	} {
		gv, err := fromStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", b.Name(), key, err)
		}
		m[key] = gv
	}
	d, err := codec.DimensionFromTree("dimension", m)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return mapToDict(codec.DimensionTree(d))
}

func shapeArg(v starlark.Value) ([]int, error) {
	switch x := v.(type) {
	case starlark.Int:
		n, err := starlark.AsInt32(x)
		if err != nil {
			return nil, err
		}
		return []int{n}, nil
	case starlark.Tuple:
		return intList(x)
	case *starlark.List:
		t := make(starlark.Tuple, x.Len())
		for i := range t {
			t[i] = x.Index(i)
		}
		return intList(t)
	}
	return nil, fmt.Errorf("shape must be an int or a tuple of ints, got %s", v.Type())
}

func udfArray(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var values starlark.Value
	var dtype string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &values, "dtype?", &dtype); err != nil {
		return nil, err
	}
	d, err := parseDType(dtype)
	if err != nil {
		return nil, err
	}
	arr, err := toArray(values, d, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if _, shared := values.(*ndarrayValue); shared {
		arr = arr.Clone()
	}
	return newNDArrayValue(arr), nil
}

func udfZeros(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var shape starlark.Value
	dtype := string(udf.Float64)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "shape", &shape, "dtype?", &dtype); err != nil {
		return nil, err
	}
	return filled(b.Name(), shape, 0, dtype)
}

func udfFull(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var shape starlark.Value
	var value starlark.Value
	dtype := string(udf.Float64)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "shape", &shape, "value", &value, "dtype?", &dtype); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(value)
	if !ok {
		return nil, fmt.Errorf("%s: value must be a number, got %s", b.Name(), value.Type())
	}
	return filled(b.Name(), shape, f, dtype)
}

func filled(fn string, shape starlark.Value, v float64, dtype string) (starlark.Value, error) {
	dims, err := shapeArg(shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	d, err := udf.ParseDType(dtype)
	if err != nil {
		return nil, err
	}
	arr, err := udf.Full(d, dims, v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return newNDArrayValue(arr), nil
}

func udfFeature(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var geometry starlark.Value
	var properties, id starlark.Value = starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "geometry", &geometry, "properties?", &properties, "id?", &id); err != nil {
		return nil, err
	}
	d := starlark.NewDict(3)
	_ = d.SetKey(starlark.String("geometry"), geometry)
	_ = d.SetKey(starlark.String("properties"), properties)
	_ = d.SetKey(starlark.String("id"), id)
	ft, err := featureFromValue("feature", d)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return featureDict(ft)
}

func udfFeatureCollection(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	var features starlark.Value = starlark.NewList(nil)
	var start, end, extent starlark.Value = starlark.None, starlark.None, starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &id, "features?", &features, "start_times?", &start, "end_times?", &end, "extent?", &extent); err != nil {
		return nil, err
	}
	fc := &udf.FeatureCollection{ID: strings.TrimSpace(id)}
	var err error
	if fc.Features, err = featuresFromValue("features", features); err != nil {
		return nil, err
	}
	if fc.StartTimes, err = timesFromValue("start_times", start); err != nil {
		return nil, err
	}
	if fc.EndTimes, err = timesFromValue("end_times", end); err != nil {
		return nil, err
	}
	if fc.Extent, err = extentFromValue("extent", extent); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return newFeatureCollectionValue(fc, sessionOf(thread)), nil
}

// udfStructured infers the type tag from the data when none is given.
func udfStructured(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	var typ, description string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "data", &data, "type?", &typ, "description?", &description); err != nil {
		return nil, err
	}
	if typ == "" {
		switch data.(type) {
		case *starlark.Dict:
			typ = string(udf.StructuredDict)
		case *ndarrayValue:
			typ = string(udf.StructuredArray)
		default:
			typ = string(udf.StructuredList)
		}
	}
	gv, err := fromStarlark(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	r, err := udf.NewStructuredResult(description, udf.StructuredType(typ), gv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return &structuredValue{r: r}, nil
}

func udfExtent(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var top, bottom, left, right starlark.Value
	var height, width starlark.Value = starlark.MakeInt(0), starlark.MakeInt(0)
	var crs string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"top", &top, "bottom", &bottom, "left", &left, "right", &right,
		"crs?", &crs, "height?", &height, "width?", &width); err != nil {
		return nil, err
	}
	m := map[string]any{"crs": crs}
	for key, v := range map[string]starlark.Value{
		"top": top, "bottom": bottom, "left": left, "right": right, "height": height, "width": width,
	} {
		f, ok := starlark.AsFloat(v)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a number, got %s", b.Name(), key, v.Type())
		}
		m[key] = f
	}
	e, err := codec.ExtentFromTree("extent", m)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return extentValue(&e)
}

func udfModel(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id, hash, path, framework, name, description string
	var blob starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"id", &id, "content_hash?", &hash, "path?", &path, "framework?", &framework,
		"name?", &name, "description?", &description, "blob?", &blob); err != nil {
		return nil, err
	}
	m := &udf.MLModel{
		ID:          strings.TrimSpace(id),
		Framework:   framework,
		Name:        name,
		Description: description,
		Path:        path,
		ContentHash: strings.ToLower(strings.TrimSpace(hash)),
	}
	s := sessionOf(thread)
	if blob != starlark.None {
		raw, ok := blob.(starlark.Bytes)
		if !ok {
			return nil, fmt.Errorf("%s: blob must be bytes, got %s", b.Name(), blob.Type())
		}
		if m.ContentHash == "" {
			m.ContentHash = s.hashOf([]byte(raw))
		}
		if err := m.SetBlob([]byte(raw)); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	m.Bind(s.models, s.files)
	return &modelValue{m: m, s: s}, nil
}

// ndMap applies fn element-wise; plain numbers give a float.
func ndMap(fn func(float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		if f, ok := starlark.AsFloat(x); ok {
			return starlark.Float(fn(f)), nil
		}
		arr, err := toArray(x, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return newNDArrayValue(arr.Map(fn)), nil
	}
}

// ndWhere picks x where cond is non-zero and y elsewhere. x and y may be
// numbers or arrays shaped like cond.
func ndWhere(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var condV, xV, yV starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cond", &condV, "x", &xV, "y", &yV); err != nil {
		return nil, err
	}
	cond, err := toArray(condV, "", nil)
	if err != nil {
		return nil, fmt.Errorf("%s: cond: %w", b.Name(), err)
	}
	shape := cond.Shape()
	x, err := toArray(xV, "", shape)
	if err != nil {
		return nil, fmt.Errorf("%s: x: %w", b.Name(), err)
	}
	y, err := toArray(yV, "", shape)
	if err != nil {
		return nil, fmt.Errorf("%s: y: %w", b.Name(), err)
	}
	if x.Size() != cond.Size() || y.Size() != cond.Size() {
		return nil, fmt.Errorf("%s: x %v and y %v must match cond %v", b.Name(), x.Shape(), y.Shape(), shape)
	}
	dtype := udf.Float64
	if x.DType() == y.DType() {
		dtype = x.DType()
	}
	out := make([]float64, cond.Size())
	for i := range out {
		if c := cond.Float(i); c != 0 && !math.IsNaN(c) {
			out[i] = x.Float(i)
		} else {
			out[i] = y.Float(i)
		}
	}
	arr, err := udf.FromFloats(dtype, shape, out)
	if err != nil {
		return nil, err
	}
	return newNDArrayValue(arr), nil
}

func ndReduce(r udf.Reducer) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		var axis starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &x, "axis?", &axis); err != nil {
			return nil, err
		}
		arr, err := toArray(x, "", nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return reduceArray(arr, r, axis)
	}
}
