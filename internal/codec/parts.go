package codec

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// The functions below expose the JSON-mode tree form of single envelope parts
// for callers that build or inspect entities piecemeal.

// DimensionTree renders d the way it appears inside a hypercube.
func DimensionTree(d udf.Dimension) map[string]any { return dimensionTree(d) }

// DimensionFromTree parses one dimension object.
func DimensionFromTree(path string, v any) (udf.Dimension, error) {
	return dimensionFromTree(path, udf.NormalizeValue(v))
}

// ExtentTree renders a spatial extent.
func ExtentTree(e udf.SpatialExtent) map[string]any { return extentTree(e) }

// ExtentFromTree parses and validates a spatial extent object.
func ExtentFromTree(path string, v any) (udf.SpatialExtent, error) {
	return extentFromTree(path, udf.NormalizeValue(v))
}

// TimesTree renders timestamps as RFC 3339 strings in UTC.
func TimesTree(ts []time.Time) []any { return timesTree(ts) }

// TimesFromTree parses a list of RFC 3339 strings. A nil list yields nil.
func TimesFromTree(path string, v any) ([]time.Time, error) {
	return timesFromTree(path, udf.NormalizeValue(v))
}

// GeometryTree renders g as GeoJSON.
func GeometryTree(g orb.Geometry) (any, error) { return encoder{}.geometry(g) }

// GeometryFromTree accepts WKB bytes, a WKT string or a GeoJSON geometry object.
func GeometryFromTree(path string, v any) (orb.Geometry, error) {
	return geometryFromTree(path, udf.NormalizeValue(v))
}
