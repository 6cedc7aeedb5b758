package dispatch

import (
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// cubeValue exposes an ArrayCube. The array is shared by reference; the
// other attributes are returned as copies and replaced on assignment.
type cubeValue struct {
	cube   *udf.ArrayCube
	frozen bool
}

var (
	_ starlark.HasAttrs    = (*cubeValue)(nil)
	_ starlark.HasSetField = (*cubeValue)(nil)
)

func (c *cubeValue) String() string {
	return fmt.Sprintf("cube(id=%q, shape=%v)", c.cube.ID, c.shape())
}
func (c *cubeValue) Type() string          { return "cube" }
func (c *cubeValue) Truth() starlark.Bool  { return true }
func (c *cubeValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: cube") }

func (c *cubeValue) Freeze() {
	c.frozen = true
}

func (c *cubeValue) shape() []int {
	if c.cube.Array == nil {
		return nil
	}
	return c.cube.Array.Shape()
}

var cubeMethods = map[string]*starlark.Builtin{
	"dimension_index": starlark.NewBuiltin("dimension_index", cubeDimensionIndex),
	"reduce":          starlark.NewBuiltin("reduce", cubeReduce),
}

func (c *cubeValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(c.cube.ID), nil
	case "description":
		return starlark.String(c.cube.Description), nil
	case "dimensions":
		return dimensionsValue(c.cube.Dimensions)
	case "array":
		if c.cube.Array == nil {
			return starlark.None, nil
		}
		a := newNDArrayValue(c.cube.Array)
		a.frozen = c.frozen
		return a, nil
	case "shape":
		return shapeTuple(c.shape()), nil
	case "dtype":
		if c.cube.Array == nil {
			return starlark.None, nil
		}
		return starlark.String(c.cube.Array.DType()), nil
	case "start_times":
		return timesValue(c.cube.StartTimes), nil
	case "end_times":
		return timesValue(c.cube.EndTimes), nil
	case "extent":
		return extentValue(c.cube.Extent)
	}
	if b, ok := cubeMethods[name]; ok {
		return b.BindReceiver(c), nil
	}
	return nil, nil
}

func (c *cubeValue) AttrNames() []string {
	return []string{
		"array", "description", "dimension_index", "dimensions", "dtype", "end_times",
		"extent", "id", "reduce", "shape", "start_times",
	}
}

func (c *cubeValue) SetField(name string, v starlark.Value) error {
	if c.frozen {
		return frozenErr("cube")
	}
	switch name {
	case "id":
		id, err := optionalString("cube.id", v)
		if err != nil {
			return err
		}
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("cube.id must not be empty")
		}
		c.cube.ID = strings.TrimSpace(id)
	case "description":
		d, err := optionalString("cube.description", v)
		if err != nil {
			return err
		}
		c.cube.Description = d
	case "dimensions":
		dims, err := dimensionsFromValue("cube.dimensions", v)
		if err != nil {
			return err
		}
		c.cube.Dimensions = dims
	case "array":
		arr, err := toArray(v, "", nil)
		if err != nil {
			return err
		}
		if _, shared := v.(*ndarrayValue); shared {
			arr = arr.Clone()
		}
		if err := c.cube.CheckArray(arr); err != nil {
			return err
		}
		c.cube.Array = arr
	case "start_times":
		ts, err := timesFromValue("cube.start_times", v)
		if err != nil {
			return err
		}
		c.cube.StartTimes = ts
	case "end_times":
		ts, err := timesFromValue("cube.end_times", v)
		if err != nil {
			return err
		}
		c.cube.EndTimes = ts
	case "extent":
		e, err := extentFromValue("cube.extent", v)
		if err != nil {
			return err
		}
		c.cube.Extent = e
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("cube has no settable field %q", name))
	}
	return nil
}

func dimensionsValue(dims []udf.Dimension) (starlark.Value, error) {
	elems := make([]starlark.Value, len(dims))
	for i, d := range dims {
		dv, err := mapToDict(codec.DimensionTree(d))
		if err != nil {
			return nil, err
		}
		elems[i] = dv
	}
	return starlark.NewList(elems), nil
}

// dimensionsFromValue accepts dimension dicts or bare names.
func dimensionsFromValue(path string, v starlark.Value) ([]udf.Dimension, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", path, v.Type())
	}
	dims := []udf.Dimension{}
	it := iter.Iterate()
	defer it.Done()
	var e starlark.Value
	for i := 0; it.Next(&e); i++ {
		elemPath := fmt.Sprintf("%s[%d]", path, i)
		if name, ok := e.(starlark.String); ok {
			dims = append(dims, udf.Dimension{Name: string(name)})
			continue
		}
		m, err := mapValue(elemPath, e)
		if err != nil {
			return nil, err
		}
		d, err := codec.DimensionFromTree(elemPath, m)
		if err != nil {
			return nil, err
		}
		dims = append(dims, d)
	}
	return dims, nil
}

func cubeDimensionIndex(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return starlark.MakeInt(b.Receiver().(*cubeValue).cube.DimensionIndex(name)), nil
}

// cubeReduce aggregates along a named dimension and returns a new cube that
// keeps the id. Reducing the temporal dimension drops the timestamps.
func cubeReduce(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reducer, dim string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reducer", &reducer, "dimension", &dim); err != nil {
		return nil, err
	}
	r, err := udf.ParseReducer(reducer)
	if err != nil {
		return nil, err
	}
	src := b.Receiver().(*cubeValue).cube
	axis := src.DimensionIndex(dim)
	if axis < 0 {
		return nil, fmt.Errorf("cube %s has no dimension %q", src.ID, dim)
	}
	if src.Array == nil {
		return nil, fmt.Errorf("cube %s has no array", src.ID)
	}
	arr, err := src.Array.Reduce(r, axis)
	if err != nil {
		return nil, err
	}
	out := &udf.ArrayCube{ID: src.ID, Description: src.Description, Array: arr}
	for i, d := range src.Dimensions {
		if i != axis {
			out.Dimensions = append(out.Dimensions, d)
		}
	}
	if src.Extent != nil {
		e := *src.Extent
		out.Extent = &e
	}
	if axis != src.TemporalAxis() {
		out.StartTimes = append([]time.Time(nil), src.StartTimes...)
		out.EndTimes = append([]time.Time(nil), src.EndTimes...)
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &cubeValue{cube: out}, nil
}
