package udf

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DType names the element type of an NDArray.
type DType string

const (
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

var dtypeSizes = map[DType]int{
	Int8: 1, Int16: 2, Int32: 4, Int64: 8,
	Uint8: 1, Uint16: 2, Uint32: 4,
	Float32: 4, Float64: 8,
}

// ParseDType accepts the canonical names plus a few common aliases.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float64", "float", "double", "f8":
		return Float64, nil
	case "float32", "f4", "single":
		return Float32, nil
	case "int", "int64", "i8":
		return Int64, nil
	}
	d := DType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := dtypeSizes[d]; !ok {
		return "", Schemaf("dtype", "unsupported dtype %q", s)
	}
	return d, nil
}

// IsFloat reports whether the dtype stores floating point values.
func (d DType) IsFloat() bool { return d == Float32 || d == Float64 }

// ItemSize is the number of bytes one element occupies in a binary run.
func (d DType) ItemSize() int { return dtypeSizes[d] }

// NDArray is a typed N-dimensional numeric buffer in row-major order.
// Integer dtypes keep their values in ints, float dtypes in floats.
type NDArray struct {
	dtype  DType
	shape  []int
	ints   []int64
	floats []float64
}

// MaxElements bounds the element count of any single array.
const MaxElements = 1 << 30

func shapeSize(shape []int) (int, error) {
	n := 1
	for i, s := range shape {
		if s < 0 {
			return 0, Schemaf("shape", "axis %d has negative size %d", i, s)
		}
		if s != 0 && n > MaxElements/s {
			return 0, Schemaf("shape", "shape %v exceeds %d elements", shape, MaxElements)
		}
		n *= s
	}
	if n > MaxElements {
		return 0, Schemaf("shape", "shape %v exceeds %d elements", shape, MaxElements)
	}
	return n, nil
}

// FromFloats builds an array of dtype from row-major values.
func FromFloats(dtype DType, shape []int, values []float64) (*NDArray, error) {
	n, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, Schemaf("array", "shape %v needs %d values, got %d", shape, n, len(values))
	}
	a := alloc(dtype, shape)
	for i, v := range values {
		a.setFloat(i, v)
	}
	return a, nil
}

// FromInts builds an array of dtype from row-major integer values.
func FromInts(dtype DType, shape []int, values []int64) (*NDArray, error) {
	n, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, Schemaf("array", "shape %v needs %d values, got %d", shape, n, len(values))
	}
	a := alloc(dtype, shape)
	for i, v := range values {
		if a.dtype.IsFloat() {
			a.setFloat(i, float64(v))
		} else {
			a.ints[i] = wrapInt(a.dtype, v)
		}
	}
	return a, nil
}

// NewFloat64 is shorthand for FromFloats(Float64, ...).
func NewFloat64(shape []int, values []float64) (*NDArray, error) {
	return FromFloats(Float64, shape, values)
}

// Zeros returns a zero-filled array.
func Zeros(dtype DType, shape []int) (*NDArray, error) {
	return Full(dtype, shape, 0)
}

// Full returns an array with every element set to v.
func Full(dtype DType, shape []int, v float64) (*NDArray, error) {
	if _, ok := dtypeSizes[dtype]; !ok {
		return nil, Schemaf("dtype", "unsupported dtype %q", dtype)
	}
	if _, err := shapeSize(shape); err != nil {
		return nil, err
	}
	a := alloc(dtype, shape)
	for i := 0; i < a.Size(); i++ {
		a.setFloat(i, v)
	}
	return a, nil
}

func alloc(dtype DType, shape []int) *NDArray {
	if _, ok := dtypeSizes[dtype]; !ok {
		dtype = Float64
	}
	n, _ := shapeSize(shape)
	a := &NDArray{dtype: dtype, shape: append([]int{}, shape...)}
	if dtype.IsFloat() {
		a.floats = make([]float64, n)
	} else {
		a.ints = make([]int64, n)
	}
	return a
}

// ArrayFromNested builds an array from rectangular nested slices of numbers.
// An empty dtype infers int64 when every leaf is an integer, float64 otherwise.
func ArrayFromNested(v any, dtype DType) (*NDArray, error) {
	var shape []int
	var leaves []any
	if err := walkNested(NormalizeValue(v), 0, &shape, &leaves); err != nil {
		return nil, err
	}
	if dtype == "" {
		dtype = Int64
		for _, l := range leaves {
			if _, ok := l.(int64); !ok {
				dtype = Float64
				break
			}
		}
	}
	if _, ok := dtypeSizes[dtype]; !ok {
		return nil, Schemaf("dtype", "unsupported dtype %q", dtype)
	}
	a := alloc(dtype, shape)
	for i, l := range leaves {
		switch x := l.(type) {
		case int64:
			if dtype.IsFloat() {
				a.setFloat(i, float64(x))
			} else {
				a.ints[i] = wrapInt(dtype, x)
			}
		case float64:
			a.setFloat(i, x)
		case bool:
			if x {
				a.setFloat(i, 1)
			}
		case nil:
			a.setFloat(i, math.NaN())
		default:
			return nil, Schemaf("array", "element %d is %T, not a number", i, l)
		}
	}
	return a, nil
}

func walkNested(v any, depth int, shape *[]int, leaves *[]any) error {
	list, isList := v.([]any)
	if depth == len(*shape) {
		if isList {
			if len(*leaves) > 0 {
				return Schemaf("array", "ragged nesting at depth %d", depth)
			}
			*shape = append(*shape, len(list))
		} else {
			*leaves = append(*leaves, v)
			return nil
		}
	} else if !isList || len(list) != (*shape)[depth] {
		return Schemaf("array", "ragged nesting at depth %d", depth)
	}
	for _, e := range list {
		if err := walkNested(e, depth+1, shape, leaves); err != nil {
			return err
		}
	}
	return nil
}

func wrapInt(d DType, v int64) int64 {
	switch d {
	case Int8:
		return int64(int8(v))
	case Int16:
		return int64(int16(v))
	case Int32:
		return int64(int32(v))
	case Uint8:
		return int64(uint8(v))
	case Uint16:
		return int64(uint16(v))
	case Uint32:
		return int64(uint32(v))
	}
	return v
}

func (a *NDArray) setFloat(i int, v float64) {
	switch {
	case a.dtype == Float32:
		a.floats[i] = float64(float32(v))
	case a.dtype.IsFloat():
		a.floats[i] = v
	default:
		if math.IsNaN(v) {
			v = 0
		}
		a.ints[i] = wrapInt(a.dtype, int64(v))
	}
}

// DType returns the element type.
func (a *NDArray) DType() DType { return a.dtype }

// Shape returns a copy of the shape.
func (a *NDArray) Shape() []int { return append([]int{}, a.shape...) }

// Rank is the number of axes.
func (a *NDArray) Rank() int { return len(a.shape) }

// Size is the total number of elements.
func (a *NDArray) Size() int {
	if a.dtype.IsFloat() {
		return len(a.floats)
	}
	return len(a.ints)
}

// Float returns element i (row-major) as float64.
func (a *NDArray) Float(i int) float64 {
	if a.dtype.IsFloat() {
		return a.floats[i]
	}
	return float64(a.ints[i])
}

// Value returns element i as int64 or float64 depending on the dtype.
func (a *NDArray) Value(i int) any {
	if a.dtype.IsFloat() {
		return a.floats[i]
	}
	return a.ints[i]
}

// Floats returns a copy of the elements as float64.
func (a *NDArray) Floats() []float64 {
	if a.dtype.IsFloat() {
		return append([]float64(nil), a.floats...)
	}
	out := make([]float64, len(a.ints))
	for i, v := range a.ints {
		out[i] = float64(v)
	}
	return out
}

// Ints returns a copy of the elements truncated to int64.
func (a *NDArray) Ints() []int64 {
	if !a.dtype.IsFloat() {
		return append([]int64(nil), a.ints...)
	}
	out := make([]int64, len(a.floats))
	for i, v := range a.floats {
		out[i] = int64(v)
	}
	return out
}

func (a *NDArray) offset(idx []int) (int, error) {
	if len(idx) != len(a.shape) {
		return 0, fmt.Errorf("index has %d axes, array has %d", len(idx), len(a.shape))
	}
	off := 0
	for axis, i := range idx {
		n := a.shape[axis]
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return 0, fmt.Errorf("index %d out of range for axis %d with size %d", idx[axis], axis, n)
		}
		off = off*n + i
	}
	return off, nil
}

// At returns the element at the given multi-index. Negative indices count from the end.
func (a *NDArray) At(idx ...int) (float64, error) {
	off, err := a.offset(idx)
	if err != nil {
		return 0, err
	}
	return a.Float(off), nil
}

// Set assigns v at the given multi-index, converting to the array dtype.
func (a *NDArray) Set(v float64, idx ...int) error {
	off, err := a.offset(idx)
	if err != nil {
		return err
	}
	a.setFloat(off, v)
	return nil
}

// Slice returns the sub-array at position i of the first axis.
func (a *NDArray) Slice(i int) (*NDArray, error) {
	if len(a.shape) == 0 {
		return nil, fmt.Errorf("cannot index a 0-d array")
	}
	return a.Sub(i)
}

// SetSlice overwrites position i of the first axis with sub, converting to
// the array dtype. sub must have the shape of one slice.
func (a *NDArray) SetSlice(i int, sub *NDArray) error {
	if len(a.shape) == 0 {
		return fmt.Errorf("cannot index a 0-d array")
	}
	return a.SetSub(sub, i)
}

// block locates the contiguous run addressed by a leading partial index.
func (a *NDArray) block(idx []int) (int, int, error) {
	if len(idx) > len(a.shape) {
		return 0, 0, fmt.Errorf("too many indices: %d for rank %d", len(idx), len(a.shape))
	}
	off := 0
	for axis, i := range idx {
		n := a.shape[axis]
		if i < 0 {
			i += n
		}
		if i < 0 || i >= n {
			return 0, 0, fmt.Errorf("index %d out of range for axis %d with size %d", idx[axis], axis, n)
		}
		off = off*n + i
	}
	size, _ := shapeSize(a.shape[len(idx):])
	return off * size, size, nil
}

// Sub returns a copy of the sub-array addressed by a leading partial index.
func (a *NDArray) Sub(idx ...int) (*NDArray, error) {
	off, size, err := a.block(idx)
	if err != nil {
		return nil, err
	}
	out := alloc(a.dtype, a.shape[len(idx):])
	if a.dtype.IsFloat() {
		copy(out.floats, a.floats[off:off+size])
	} else {
		copy(out.ints, a.ints[off:off+size])
	}
	return out, nil
}

// SetSub overwrites the sub-array addressed by a leading partial index,
// converting to the array dtype.
func (a *NDArray) SetSub(sub *NDArray, idx ...int) error {
	off, size, err := a.block(idx)
	if err != nil {
		return err
	}
	if !intsEqual(sub.shape, a.shape[len(idx):]) {
		return Schemaf("shape", "cannot assign shape %v into slice of shape %v", sub.shape, a.shape[len(idx):])
	}
	for k := 0; k < size; k++ {
		if a.dtype.IsFloat() || sub.dtype.IsFloat() {
			a.setFloat(off+k, sub.Float(k))
		} else {
			a.ints[off+k] = wrapInt(a.dtype, sub.ints[k])
		}
	}
	return nil
}

// Reshape returns a copy with a new shape holding the same number of elements.
func (a *NDArray) Reshape(shape []int) (*NDArray, error) {
	n, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if n != a.Size() {
		return nil, Schemaf("shape", "cannot reshape %v into %v", a.shape, shape)
	}
	out := a.Clone()
	out.shape = append([]int{}, shape...)
	return out, nil
}

// Clone returns a deep copy.
func (a *NDArray) Clone() *NDArray {
	if a == nil {
		return nil
	}
	return &NDArray{
		dtype:  a.dtype,
		shape:  append([]int{}, a.shape...),
		ints:   append([]int64(nil), a.ints...),
		floats: append([]float64(nil), a.floats...),
	}
}

// Equal reports element-wise equality with identical dtype and shape.
// NaN compares equal to NaN.
func (a *NDArray) Equal(b *NDArray) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.dtype != b.dtype || !intsEqual(a.shape, b.shape) {
		return false
	}
	if !a.dtype.IsFloat() {
		for i := range a.ints {
			if a.ints[i] != b.ints[i] {
				return false
			}
		}
		return true
	}
	return floats.Same(a.floats, b.floats)
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// AsType converts to another dtype. Float to integer conversion truncates.
func (a *NDArray) AsType(d DType) (*NDArray, error) {
	if _, ok := dtypeSizes[d]; !ok {
		return nil, Schemaf("dtype", "unsupported dtype %q", d)
	}
	if d == a.dtype {
		return a.Clone(), nil
	}
	out := alloc(d, a.shape)
	for i := 0; i < a.Size(); i++ {
		if !a.dtype.IsFloat() && !d.IsFloat() {
			out.ints[i] = wrapInt(d, a.ints[i])
			continue
		}
		out.setFloat(i, a.Float(i))
	}
	return out, nil
}

// Nested returns the elements as nested []any following the shape.
func (a *NDArray) Nested() any {
	if len(a.shape) == 0 {
		if a.Size() == 0 {
			return []any{}
		}
		return a.Value(0)
	}
	pos := 0
	var build func(axis int) []any
	build = func(axis int) []any {
		out := make([]any, a.shape[axis])
		for i := range out {
			if axis == len(a.shape)-1 {
				out[i] = a.Value(pos)
				pos++
			} else {
				out[i] = build(axis + 1)
			}
		}
		return out
	}
	return build(0)
}

// Map applies fn to every element. Integer arrays produce float64 results.
func (a *NDArray) Map(fn func(float64) float64) *NDArray {
	d := a.dtype
	if !d.IsFloat() {
		d = Float64
	}
	out := alloc(d, a.shape)
	for i := 0; i < a.Size(); i++ {
		out.setFloat(i, fn(a.Float(i)))
	}
	return out
}

// Op is an element-wise binary operator.
type Op byte

const (
	OpAdd Op = '+'
	OpSub Op = '-'
	OpMul Op = '*'
	OpDiv Op = '/'
)

func resultType(a, b DType, op Op) DType {
	switch {
	case a == Float32 && b == Float32:
		return Float32
	case a.IsFloat() || b.IsFloat() || op == OpDiv:
		return Float64
	case a == b:
		return a
	}
	return Int64
}

// Binary combines two arrays of identical shape element-wise.
func (a *NDArray) Binary(op Op, b *NDArray) (*NDArray, error) {
	if !intsEqual(a.shape, b.shape) {
		return nil, fmt.Errorf("shape mismatch: %v %c %v", a.shape, op, b.shape)
	}
	d := resultType(a.dtype, b.dtype, op)
	if !d.IsFloat() {
		out := alloc(d, a.shape)
		for i := range out.ints {
			out.ints[i] = wrapInt(d, intOp(op, a.ints[i], b.ints[i]))
		}
		return out, nil
	}
	xs, ys := a.Floats(), b.Floats()
	switch op {
	case OpAdd:
		floats.Add(xs, ys)
	case OpSub:
		floats.Sub(xs, ys)
	case OpMul:
		floats.Mul(xs, ys)
	case OpDiv:
		floats.Div(xs, ys)
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	return FromFloats(d, a.shape, xs)
}

// Scalar combines every element with s. When left is true the scalar is the
// left operand (s - a, s / a).
func (a *NDArray) Scalar(op Op, s float64, left bool) (*NDArray, error) {
	sd := Float64
	if s == math.Trunc(s) && !math.IsInf(s, 0) && op != OpDiv {
		sd = a.dtype
	}
	d := resultType(a.dtype, sd, op)
	if a.dtype == Float32 && sd == Float64 {
		d = Float32
	}
	if !d.IsFloat() {
		out := alloc(d, a.shape)
		si := int64(s)
		for i := range out.ints {
			x, y := a.ints[i], si
			if left {
				x, y = y, x
			}
			out.ints[i] = wrapInt(d, intOp(op, x, y))
		}
		return out, nil
	}
	xs := a.Floats()
	switch {
	case op == OpAdd:
		floats.AddConst(s, xs)
	case op == OpMul:
		floats.Scale(s, xs)
	case op == OpSub && !left:
		floats.AddConst(-s, xs)
	case op == OpSub && left:
		floats.Scale(-1, xs)
		floats.AddConst(s, xs)
	case op == OpDiv && !left:
		floats.Scale(1/s, xs)
	case op == OpDiv && left:
		for i, x := range xs {
			xs[i] = s / x
		}
	default:
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	return FromFloats(d, a.shape, xs)
}

func intOp(op Op, x, y int64) int64 {
	switch op {
	case OpAdd:
		return x + y
	case OpSub:
		return x - y
	case OpMul:
		return x * y
	}
	return 0
}

// Reducer names an aggregation.
type Reducer string

const (
	ReduceSum    Reducer = "sum"
	ReduceMean   Reducer = "mean"
	ReduceMin    Reducer = "min"
	ReduceMax    Reducer = "max"
	ReduceMedian Reducer = "median"
)

// ParseReducer validates an aggregation name.
func ParseReducer(s string) (Reducer, error) {
	r := Reducer(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ReduceSum, ReduceMean, ReduceMin, ReduceMax, ReduceMedian:
		return r, nil
	}
	return "", fmt.Errorf("unknown reducer %q", s)
}

func reduceFloats(r Reducer, xs []float64) float64 {
	if r == ReduceSum {
		return floats.Sum(xs)
	}
	if len(xs) == 0 {
		return math.NaN()
	}
	switch r {
	case ReduceMean:
		return stat.Mean(xs, nil)
	case ReduceMin:
		return floats.Min(xs)
	case ReduceMax:
		return floats.Max(xs)
	case ReduceMedian:
		s := append([]float64(nil), xs...)
		sort.Float64s(s)
		m := len(s) / 2
		if len(s)%2 == 1 {
			return s[m]
		}
		return (s[m-1] + s[m]) / 2
	}
	return math.NaN()
}

// ReduceAll aggregates every element into one value.
func (a *NDArray) ReduceAll(r Reducer) float64 {
	return reduceFloats(r, a.Floats())
}

// Reduce aggregates along axis, dropping it from the shape. The result is float64.
func (a *NDArray) Reduce(r Reducer, axis int) (*NDArray, error) {
	rank := len(a.shape)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	outer, _ := shapeSize(a.shape[:axis])
	inner, _ := shapeSize(a.shape[axis+1:])
	n := a.shape[axis]
	outShape := append(append([]int{}, a.shape[:axis]...), a.shape[axis+1:]...)
	out := alloc(Float64, outShape)
	lane := make([]float64, n)
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			for k := 0; k < n; k++ {
				lane[k] = a.Float((o*n+k)*inner + in)
			}
			out.floats[o*inner+in] = reduceFloats(r, lane)
		}
	}
	return out, nil
}

// MarshalBinaryRun encodes the elements as a little-endian run of the array dtype.
func (a *NDArray) MarshalBinaryRun() []byte {
	size := a.dtype.ItemSize()
	buf := make([]byte, a.Size()*size)
	for i := 0; i < a.Size(); i++ {
		b := buf[i*size:]
		switch a.dtype {
		case Int8, Uint8:
			b[0] = byte(a.ints[i])
		case Int16, Uint16:
			binary.LittleEndian.PutUint16(b, uint16(a.ints[i]))
		case Int32, Uint32:
			binary.LittleEndian.PutUint32(b, uint32(a.ints[i]))
		case Int64:
			binary.LittleEndian.PutUint64(b, uint64(a.ints[i]))
		case Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(float32(a.floats[i])))
		case Float64:
			binary.LittleEndian.PutUint64(b, math.Float64bits(a.floats[i]))
		}
	}
	return buf
}

// ArrayFromBinaryRun decodes a little-endian run produced by MarshalBinaryRun.
func ArrayFromBinaryRun(dtype DType, shape []int, data []byte) (*NDArray, error) {
	if _, ok := dtypeSizes[dtype]; !ok {
		return nil, Schemaf("dtype", "unsupported dtype %q", dtype)
	}
	n, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	size := dtype.ItemSize()
	if len(data) != n*size {
		return nil, Schemaf("array", "binary run of %d bytes does not hold %d %s values", len(data), n, dtype)
	}
	a := alloc(dtype, shape)
	for i := 0; i < n; i++ {
		b := data[i*size:]
		switch dtype {
		case Int8:
			a.ints[i] = int64(int8(b[0]))
		case Uint8:
			a.ints[i] = int64(b[0])
		case Int16:
			a.ints[i] = int64(int16(binary.LittleEndian.Uint16(b)))
		case Uint16:
			a.ints[i] = int64(binary.LittleEndian.Uint16(b))
		case Int32:
			a.ints[i] = int64(int32(binary.LittleEndian.Uint32(b)))
		case Uint32:
			a.ints[i] = int64(binary.LittleEndian.Uint32(b))
		case Int64:
			a.ints[i] = int64(binary.LittleEndian.Uint64(b))
		case Float32:
			a.floats[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		case Float64:
			a.floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
	}
	return a, nil
}

func (a *NDArray) String() string {
	return fmt.Sprintf("ndarray(%s, shape=%v)", a.dtype, a.shape)
}
