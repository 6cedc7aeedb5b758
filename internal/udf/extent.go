package udf

import (
	"regexp"
	"strings"

	"github.com/paulmach/orb"
)

// SpatialExtent is an axis-aligned bounding box in a coordinate reference system.
// Height and Width are the optional north-south and east-west resolutions.
type SpatialExtent struct {
	Top    float64
	Bottom float64
	Left   float64
	Right  float64
	CRS    string
	Height float64
	Width  float64
}

var epsgCode = regexp.MustCompile(`^(?i:epsg):\d+$`)

// NewSpatialExtent validates the bounding box and returns it.
func NewSpatialExtent(top, bottom, left, right float64, crs string) (SpatialExtent, error) {
	e := SpatialExtent{Top: top, Bottom: bottom, Left: left, Right: right, CRS: strings.TrimSpace(crs)}
	if err := e.Validate(); err != nil {
		return SpatialExtent{}, err
	}
	return e, nil
}

// AxisStandard reports whether the CRS orders its axes so that top >= bottom
// and right >= left. Empty and EPSG codes count as standard.
func (e SpatialExtent) AxisStandard() bool {
	crs := strings.TrimSpace(e.CRS)
	return crs == "" || epsgCode.MatchString(crs)
}

// Validate checks the ordering invariant for axis-standard reference systems.
func (e SpatialExtent) Validate() error {
	if !e.AxisStandard() {
		return nil
	}
	if e.Top < e.Bottom {
		return Schemaf("extent", "top %v is below bottom %v", e.Top, e.Bottom)
	}
	if e.Right < e.Left {
		return Schemaf("extent", "right %v is left of left %v", e.Right, e.Left)
	}
	if e.Height < 0 || e.Width < 0 {
		return Schemaf("extent", "resolution must not be negative")
	}
	return nil
}

// Bound returns the extent as an orb bound.
func (e SpatialExtent) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.Left, e.Bottom}, Max: orb.Point{e.Right, e.Top}}
}

// Polygon returns the extent as a closed ring polygon.
func (e SpatialExtent) Polygon() orb.Polygon {
	return e.Bound().ToPolygon()
}

// Contains reports whether (x, y) lies inside the extent, edges included.
func (e SpatialExtent) Contains(x, y float64) bool {
	return e.Bound().Contains(orb.Point{x, y})
}

// ExtentFromGeometry derives the extent of a geometry's bounding box.
func ExtentFromGeometry(g orb.Geometry, crs string) SpatialExtent {
	b := g.Bound()
	return SpatialExtent{Top: b.Top(), Bottom: b.Bottom(), Left: b.Left(), Right: b.Right(), CRS: crs}
}

func extentPtrEqual(a, b *SpatialExtent) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneExtent(e *SpatialExtent) *SpatialExtent {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
