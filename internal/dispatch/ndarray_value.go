package dispatch

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// ndarrayValue exposes an NDArray to Starlark. It wraps the array by
// reference, so element assignments write through to the owning cube.
// A partial index yields a view: it reads its block from the base array on
// every access and its assignments land in the base.
type ndarrayValue struct {
	arr    *udf.NDArray
	base   *ndarrayValue
	prefix []int
	frozen bool
}

var (
	_ starlark.HasAttrs  = (*ndarrayValue)(nil)
	_ starlark.HasBinary = (*ndarrayValue)(nil)
	_ starlark.HasUnary  = (*ndarrayValue)(nil)
	_ starlark.Mapping   = (*ndarrayValue)(nil)
	_ starlark.HasSetKey = (*ndarrayValue)(nil)
	_ starlark.Sequence  = (*ndarrayValue)(nil)
)

func newNDArrayValue(a *udf.NDArray) *ndarrayValue { return &ndarrayValue{arr: a} }

func (n *ndarrayValue) String() string        { return n.array().String() }
func (n *ndarrayValue) Type() string          { return "ndarray" }
func (n *ndarrayValue) Freeze()               { n.frozen = true }
func (n *ndarrayValue) Truth() starlark.Bool  { return n.arr.Size() > 0 }
func (n *ndarrayValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: ndarray") }

func (n *ndarrayValue) Len() int {
	if n.arr.Rank() == 0 {
		return n.arr.Size()
	}
	return n.arr.Shape()[0]
}

func (n *ndarrayValue) Iterate() starlark.Iterator {
	return &ndarrayIterator{n: n}
}

type ndarrayIterator struct {
	n *ndarrayValue
	i int
}

func (it *ndarrayIterator) Next(p *starlark.Value) bool {
	if it.i >= it.n.Len() {
		return false
	}
	v, _, err := it.n.Get(starlark.MakeInt(it.i))
	if err != nil {
		return false
	}
	*p = v
	it.i++
	return true
}

func (it *ndarrayIterator) Done() {}

// scalarValue returns element i in the array's number kind.
func scalarValue(a *udf.NDArray, i int) starlark.Value {
	switch v := a.Value(i).(type) {
	case int64:
		return starlark.MakeInt64(v)
	case float64:
		return starlark.Float(v)
	}
	return starlark.None
}

// indexOf accepts an int or a tuple of ints.
func indexOf(k starlark.Value) ([]int, error) {
	switch x := k.(type) {
	case starlark.Int:
		i, err := starlark.AsInt32(x)
		if err != nil {
			return nil, err
		}
		return []int{i}, nil
	case starlark.Tuple:
		idx := make([]int, len(x))
		for j, e := range x {
			i, err := starlark.AsInt32(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", j, err)
			}
			idx[j] = i
		}
		return idx, nil
	}
	return nil, fmt.Errorf("ndarray index must be int or tuple of ints, got %s", k.Type())
}

// array returns the wrapped array, or the current contents of a view. The
// shape and dtype of a view are fixed, so n.arr answers those directly.
func (n *ndarrayValue) array() *udf.NDArray {
	if n.base == nil {
		return n.arr
	}
	a, err := n.base.arr.Sub(n.prefix...)
	if err != nil {
		return n.arr
	}
	return a
}

func (n *ndarrayValue) isFrozen() bool {
	return n.frozen || (n.base != nil && n.base.frozen)
}

// view addresses the block at idx below n.
func (n *ndarrayValue) view(idx []int) (*ndarrayValue, error) {
	base, prefix := n, idx
	if n.base != nil {
		base = n.base
		prefix = append(append([]int{}, n.prefix...), idx...)
	}
	snapshot, err := base.arr.Sub(prefix...)
	if err != nil {
		return nil, err
	}
	return &ndarrayValue{arr: snapshot, base: base, prefix: prefix, frozen: n.frozen}, nil
}

func (n *ndarrayValue) Get(k starlark.Value) (starlark.Value, bool, error) {
	idx, err := indexOf(k)
	if err != nil {
		return nil, false, err
	}
	if len(idx) > n.arr.Rank() {
		return nil, false, fmt.Errorf("too many indices: %d for rank %d", len(idx), n.arr.Rank())
	}
	if len(idx) == n.arr.Rank() {
		a := n.arr
		if n.base != nil {
			a = n.base.arr
			idx = append(append([]int{}, n.prefix...), idx...)
		}
		f, err := a.At(idx...)
		if err != nil {
			return nil, false, err
		}
		if a.DType().IsFloat() {
			return starlark.Float(f), true, nil
		}
		return starlark.MakeInt64(int64(f)), true, nil
	}
	v, err := n.view(idx)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (n *ndarrayValue) SetKey(k, v starlark.Value) error {
	if n.isFrozen() {
		return fmt.Errorf("cannot assign to frozen ndarray")
	}
	idx, err := indexOf(k)
	if err != nil {
		return err
	}
	if len(idx) > n.arr.Rank() {
		return fmt.Errorf("too many indices: %d for rank %d", len(idx), n.arr.Rank())
	}
	target := n.arr
	if n.base != nil {
		target = n.base.arr
		idx = append(append([]int{}, n.prefix...), idx...)
	}
	if len(idx) == target.Rank() {
		f, ok := starlark.AsFloat(v)
		if !ok {
			return fmt.Errorf("cannot assign %s to an ndarray element", v.Type())
		}
		return target.Set(f, idx...)
	}
	src, err := toArray(v, "", target.Shape()[len(idx):])
	if err != nil {
		return err
	}
	return target.SetSub(src, idx...)
}

var binaryOps = map[syntax.Token]udf.Op{
	syntax.PLUS:  udf.OpAdd,
	syntax.MINUS: udf.OpSub,
	syntax.STAR:  udf.OpMul,
	syntax.SLASH: udf.OpDiv,
}

func (n *ndarrayValue) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	o, ok := binaryOps[op]
	if !ok {
		return nil, nil
	}
	switch other := y.(type) {
	case *ndarrayValue:
		l, r := n.array(), other.array()
		if side == starlark.Right {
			l, r = r, l
		}
		out, err := l.Binary(o, r)
		if err != nil {
			return nil, err
		}
		return newNDArrayValue(out), nil
	case starlark.Int, starlark.Float:
		f, _ := starlark.AsFloat(other)
		out, err := n.array().Scalar(o, f, side == starlark.Right)
		if err != nil {
			return nil, err
		}
		return newNDArrayValue(out), nil
	case *starlark.List, starlark.Tuple:
		arr, err := toArray(other, "", nil)
		if err != nil {
			return nil, err
		}
		return n.Binary(op, newNDArrayValue(arr), side)
	}
	return nil, nil
}

func (n *ndarrayValue) Unary(op syntax.Token) (starlark.Value, error) {
	switch op {
	case syntax.MINUS:
		out, err := n.array().Scalar(udf.OpSub, 0, true)
		if err != nil {
			return nil, err
		}
		return newNDArrayValue(out), nil
	case syntax.PLUS:
		return newNDArrayValue(n.array().Clone()), nil
	}
	return nil, nil
}

func shapeTuple(shape []int) starlark.Tuple {
	t := make(starlark.Tuple, len(shape))
	for i, s := range shape {
		t[i] = starlark.MakeInt(s)
	}
	return t
}

var ndarrayMethods = map[string]*starlark.Builtin{
	"tolist":  starlark.NewBuiltin("tolist", ndarrayToList),
	"astype":  starlark.NewBuiltin("astype", ndarrayAsType),
	"reduce":  starlark.NewBuiltin("reduce", ndarrayReduce),
	"sum":     starlark.NewBuiltin("sum", ndarrayReducer(udf.ReduceSum)),
	"mean":    starlark.NewBuiltin("mean", ndarrayReducer(udf.ReduceMean)),
	"min":     starlark.NewBuiltin("min", ndarrayReducer(udf.ReduceMin)),
	"max":     starlark.NewBuiltin("max", ndarrayReducer(udf.ReduceMax)),
	"median":  starlark.NewBuiltin("median", ndarrayReducer(udf.ReduceMedian)),
	"reshape": starlark.NewBuiltin("reshape", ndarrayReshape),
	"copy":    starlark.NewBuiltin("copy", ndarrayCopy),
}

func (n *ndarrayValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "shape":
		return shapeTuple(n.arr.Shape()), nil
	case "dtype":
		return starlark.String(n.arr.DType()), nil
	case "size":
		return starlark.MakeInt(n.arr.Size()), nil
	case "ndim":
		return starlark.MakeInt(n.arr.Rank()), nil
	}
	if b, ok := ndarrayMethods[name]; ok {
		return b.BindReceiver(n), nil
	}
	return nil, nil
}

func (n *ndarrayValue) AttrNames() []string {
	names := []string{"dtype", "ndim", "shape", "size"}
	for k := range ndarrayMethods {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func ndarrayToList(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return toStarlark(b.Receiver().(*ndarrayValue).array().Nested())
}

func ndarrayAsType(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dtype", &name); err != nil {
		return nil, err
	}
	d, err := udf.ParseDType(name)
	if err != nil {
		return nil, err
	}
	out, err := b.Receiver().(*ndarrayValue).array().AsType(d)
	if err != nil {
		return nil, err
	}
	return newNDArrayValue(out), nil
}

// reduceArray aggregates everything when axis is None.
func reduceArray(a *udf.NDArray, r udf.Reducer, axis starlark.Value) (starlark.Value, error) {
	if axis == nil || axis == starlark.None {
		return starlark.Float(a.ReduceAll(r)), nil
	}
	ax, err := starlark.AsInt32(axis)
	if err != nil {
		return nil, fmt.Errorf("axis: %w", err)
	}
	out, err := a.Reduce(r, ax)
	if err != nil {
		return nil, err
	}
	return newNDArrayValue(out), nil
}

func ndarrayReduce(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var axis starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reducer", &name, "axis?", &axis); err != nil {
		return nil, err
	}
	r, err := udf.ParseReducer(name)
	if err != nil {
		return nil, err
	}
	return reduceArray(b.Receiver().(*ndarrayValue).array(), r, axis)
}

func ndarrayReducer(r udf.Reducer) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var axis starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "axis?", &axis); err != nil {
			return nil, err
		}
		return reduceArray(b.Receiver().(*ndarrayValue).array(), r, axis)
	}
}

// ndarrayReshape accepts reshape(2, 3) as well as reshape((2, 3)).
func ndarrayReshape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	dims := args
	if len(args) == 1 {
		if t, ok := args[0].(starlark.Tuple); ok {
			dims = t
		} else if l, ok := args[0].(*starlark.List); ok {
			dims = make(starlark.Tuple, l.Len())
			for i := range dims {
				dims[i] = l.Index(i)
			}
		}
	}
	shape, err := intList(dims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	out, err := b.Receiver().(*ndarrayValue).array().Reshape(shape)
	if err != nil {
		return nil, err
	}
	return newNDArrayValue(out), nil
}

func ndarrayCopy(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return newNDArrayValue(b.Receiver().(*ndarrayValue).array().Clone()), nil
}

func intList(vals starlark.Tuple) ([]int, error) {
	out := make([]int, len(vals))
	for i, v := range vals {
		n, err := starlark.AsInt32(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
