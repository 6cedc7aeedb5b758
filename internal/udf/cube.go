package udf

import (
	"fmt"
	"strings"
	"time"
)

// Dimension types understood by the data model.
const (
	DimSpatial  = "spatial"
	DimTemporal = "temporal"
	DimBands    = "bands"
	DimOther    = "other"
)

// Dimension describes one axis of an ArrayCube. A dimension carries either
// explicit Coordinates (labels) or an Extent range, or neither.
type Dimension struct {
	Name            string
	Description     string
	Type            string
	Unit            string
	Resolution      float64
	Size            int
	Coordinates     []any
	Extent          []float64
	ReferenceSystem any
}

// DeclaredSize is the axis length the dimension commits to, or 0 if none.
func (d Dimension) DeclaredSize() int {
	if d.Size > 0 {
		return d.Size
	}
	return len(d.Coordinates)
}

// Validate checks the dimension on its own, outside any cube.
func (d Dimension) Validate() error { return d.validate() }

func (d Dimension) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return Schemaf("name", "dimension name is required")
	}
	switch d.Type {
	case "", DimSpatial, DimTemporal, DimBands, DimOther:
	default:
		return Schemaf("type", "unknown dimension type %q", d.Type)
	}
	if d.Size > 0 && len(d.Coordinates) > 0 && d.Size != len(d.Coordinates) {
		return Schemaf("coordinates", "%d coordinates for size %d", len(d.Coordinates), d.Size)
	}
	if len(d.Extent) != 0 && len(d.Extent) != 2 {
		return Schemaf("extent", "dimension extent needs [min, max], got %d values", len(d.Extent))
	}
	return nil
}

func (d Dimension) equal(o Dimension) bool {
	return d.Name == o.Name && d.Description == o.Description && d.Type == o.Type &&
		d.Unit == o.Unit && d.Resolution == o.Resolution && d.Size == o.Size &&
		ValuesEqual(d.Coordinates, o.Coordinates) && ValuesEqual(d.Extent, o.Extent) &&
		ValuesEqual(d.ReferenceSystem, o.ReferenceSystem)
}

func (d Dimension) clone() Dimension {
	c := d
	if d.Coordinates != nil {
		c.Coordinates, _ = cloneValue(d.Coordinates).([]any)
	}
	if d.Extent != nil {
		c.Extent = append([]float64(nil), d.Extent...)
	}
	c.ReferenceSystem = cloneValue(d.ReferenceSystem)
	return c
}

// ArrayCube is a named multi-dimensional array with labelled dimensions.
type ArrayCube struct {
	ID          string
	Description string
	Dimensions  []Dimension
	Array       *NDArray
	Extent      *SpatialExtent
	StartTimes  []time.Time
	EndTimes    []time.Time
	Extra       map[string]any
}

// NewArrayCube validates and returns a cube.
func NewArrayCube(id string, dims []Dimension, arr *NDArray) (*ArrayCube, error) {
	c := &ArrayCube{ID: strings.TrimSpace(id), Dimensions: dims, Array: arr}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// TemporalAxis returns the index of the temporal dimension, or -1.
func (c *ArrayCube) TemporalAxis() int {
	return temporalAxis(c.Dimensions)
}

func temporalAxis(dims []Dimension) int {
	for i, d := range dims {
		if d.Type == DimTemporal {
			return i
		}
	}
	for i, d := range dims {
		if d.Name == "t" || d.Name == "time" {
			return i
		}
	}
	return -1
}

// DimensionIndex returns the axis of the named dimension, or -1.
func (c *ArrayCube) DimensionIndex(name string) int {
	for i, d := range c.Dimensions {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// CheckArray verifies that arr fits the cube's dimensions without changing the cube.
func (c *ArrayCube) CheckArray(arr *NDArray) error {
	if arr == nil {
		return Schemaf("array", "array is required")
	}
	if arr.Rank() != len(c.Dimensions) {
		return Schemaf("array", "array rank %d does not match %d dimensions", arr.Rank(), len(c.Dimensions))
	}
	for i, d := range c.Dimensions {
		if n := d.DeclaredSize(); n > 0 && n != arr.shape[i] {
			return Schemaf(fmt.Sprintf("dimensions[%d]", i), "dimension %q declares size %d, array has %d", d.Name, n, arr.shape[i])
		}
	}
	return nil
}

// Validate checks the cube invariants.
func (c *ArrayCube) Validate() error {
	if c == nil {
		return Schemaf("", "cube is nil")
	}
	if c.ID == "" {
		return Schemaf("id", "cube id is required")
	}
	seen := make(map[string]struct{}, len(c.Dimensions))
	for i, d := range c.Dimensions {
		if err := d.validate(); err != nil {
			return prefixPath(fmt.Sprintf("dimensions[%d]", i), err)
		}
		if _, dup := seen[d.Name]; dup {
			return Schemaf(fmt.Sprintf("dimensions[%d]", i), "duplicate dimension %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	if err := c.CheckArray(c.Array); err != nil {
		return err
	}
	if c.Extent != nil {
		if err := c.Extent.Validate(); err != nil {
			return err
		}
	}
	axis := c.TemporalAxis()
	n := -1
	if axis >= 0 {
		n = c.Array.shape[axis]
	}
	return checkTimes(c.StartTimes, c.EndTimes, n, "temporal dimension")
}

// checkTimes enforces that end times imply start times and that both match n.
// n < 0 means no timestamps are allowed.
func checkTimes(start, end []time.Time, n int, what string) error {
	if len(start) == 0 && len(end) == 0 {
		return nil
	}
	if n < 0 {
		return Schemaf("start_times", "timestamps given but there is no %s", what)
	}
	if len(end) > 0 && len(start) == 0 {
		return Schemaf("end_times", "end times require start times")
	}
	if len(start) != n {
		return Schemaf("start_times", "%d start times for %s of length %d", len(start), what, n)
	}
	if len(end) > 0 && len(end) != n {
		return Schemaf("end_times", "%d end times for %s of length %d", len(end), what, n)
	}
	for i := range end {
		if end[i].Before(start[i]) {
			return Schemaf(fmt.Sprintf("end_times[%d]", i), "end time precedes start time")
		}
	}
	return nil
}

// Equal compares every field structurally.
func (c *ArrayCube) Equal(o *ArrayCube) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	if c.ID != o.ID || c.Description != o.Description || len(c.Dimensions) != len(o.Dimensions) {
		return false
	}
	for i := range c.Dimensions {
		if !c.Dimensions[i].equal(o.Dimensions[i]) {
			return false
		}
	}
	return c.Array.Equal(o.Array) && extentPtrEqual(c.Extent, o.Extent) &&
		timesEqual(c.StartTimes, o.StartTimes) && timesEqual(c.EndTimes, o.EndTimes) &&
		mapsEqual(c.Extra, o.Extra)
}

// Clone returns a deep copy.
func (c *ArrayCube) Clone() *ArrayCube {
	if c == nil {
		return nil
	}
	out := &ArrayCube{
		ID:          c.ID,
		Description: c.Description,
		Array:       c.Array.Clone(),
		Extent:      cloneExtent(c.Extent),
		StartTimes:  cloneTimes(c.StartTimes),
		EndTimes:    cloneTimes(c.EndTimes),
		Extra:       cloneMap(c.Extra),
	}
	if c.Dimensions != nil {
		out.Dimensions = make([]Dimension, len(c.Dimensions))
		for i, d := range c.Dimensions {
			out.Dimensions[i] = d.clone()
		}
	}
	return out
}
