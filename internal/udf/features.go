package udf

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Feature is one geometry with its attribute row.
type Feature struct {
	ID         any
	Geometry   orb.Geometry
	Properties map[string]any
}

// FeatureCollection is a set of vector features sharing one attribute schema.
type FeatureCollection struct {
	ID         string
	Features   []Feature
	Extent     *SpatialExtent
	StartTimes []time.Time
	EndTimes   []time.Time
	Extra      map[string]any
}

// NewFeatureCollection validates and returns a collection.
func NewFeatureCollection(id string, features []Feature) (*FeatureCollection, error) {
	fc := &FeatureCollection{ID: strings.TrimSpace(id), Features: features}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Columns returns the shared attribute names in lexical order.
func (fc *FeatureCollection) Columns() []string {
	if fc == nil || len(fc.Features) == 0 {
		return []string{}
	}
	return SortedKeys(fc.Features[0].Properties)
}

// Validate checks geometry presence, attribute uniformity and time alignment.
// Bound and Ring geometries are rewritten as the Polygon they encode to.
func (fc *FeatureCollection) Validate() error {
	if fc == nil {
		return Schemaf("", "feature collection is nil")
	}
	if fc.ID == "" {
		return Schemaf("id", "feature collection id is required")
	}
	var cols []string
	for i, f := range fc.Features {
		path := fmt.Sprintf("features[%d]", i)
		if f.Geometry == nil {
			return Schemaf(path, "geometry is required")
		}
		fc.Features[i].Geometry = canonicalGeometry(f.Geometry)
		keys := SortedKeys(f.Properties)
		if i == 0 {
			cols = keys
			continue
		}
		if strings.Join(keys, "\x00") != strings.Join(cols, "\x00") {
			return Schemaf(path, "attribute columns %v differ from %v", keys, cols)
		}
	}
	if fc.Extent != nil {
		if err := fc.Extent.Validate(); err != nil {
			return err
		}
	}
	return checkTimes(fc.StartTimes, fc.EndTimes, len(fc.Features), "feature list")
}

// canonicalGeometry maps geometries that have no wire form of their own onto
// the type they decode back as.
func canonicalGeometry(g orb.Geometry) orb.Geometry {
	switch x := g.(type) {
	case orb.Bound:
		return x.ToPolygon()
	case orb.Ring:
		return orb.Polygon{x}
	case orb.Collection:
		out := make(orb.Collection, len(x))
		for i, e := range x {
			out[i] = canonicalGeometry(e)
		}
		return out
	}
	return g
}

// Bounds derives the extent covering every geometry. It returns nil for an
// empty collection.
func (fc *FeatureCollection) Bounds(crs string) *SpatialExtent {
	if fc == nil || len(fc.Features) == 0 {
		return nil
	}
	b := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		b = b.Union(f.Geometry.Bound())
	}
	e := SpatialExtent{Top: b.Top(), Bottom: b.Bottom(), Left: b.Left(), Right: b.Right(), CRS: crs}
	return &e
}

// Equal compares every field structurally. Geometries compare with orb.Equal.
func (fc *FeatureCollection) Equal(o *FeatureCollection) bool {
	if fc == nil || o == nil {
		return fc == nil && o == nil
	}
	if fc.ID != o.ID || len(fc.Features) != len(o.Features) {
		return false
	}
	for i := range fc.Features {
		a, b := fc.Features[i], o.Features[i]
		if !ValuesEqual(a.ID, b.ID) || !orb.Equal(a.Geometry, b.Geometry) || !mapsEqual(a.Properties, b.Properties) {
			return false
		}
	}
	return extentPtrEqual(fc.Extent, o.Extent) &&
		timesEqual(fc.StartTimes, o.StartTimes) && timesEqual(fc.EndTimes, o.EndTimes) &&
		mapsEqual(fc.Extra, o.Extra)
}

// Clone returns a deep copy. Geometries are cloned with orb.Clone.
func (fc *FeatureCollection) Clone() *FeatureCollection {
	if fc == nil {
		return nil
	}
	out := &FeatureCollection{
		ID:         fc.ID,
		Extent:     cloneExtent(fc.Extent),
		StartTimes: cloneTimes(fc.StartTimes),
		EndTimes:   cloneTimes(fc.EndTimes),
		Extra:      cloneMap(fc.Extra),
	}
	if fc.Features != nil {
		out.Features = make([]Feature, len(fc.Features))
		for i, f := range fc.Features {
			out.Features[i] = Feature{ID: cloneValue(f.ID), Geometry: orb.Clone(f.Geometry), Properties: cloneMap(f.Properties)}
		}
	}
	return out
}
