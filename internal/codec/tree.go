package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/Open-EO/openeo-udf/internal/udf"
	"github.com/Open-EO/openeo-udf/internal/util/jsonutil"
)

// Wire keys of the envelope tree.
const (
	keyMetadata      = "metadata"
	keyExtent        = "extent"
	keyData          = "data"
	keyServerContext = "server_context"
	keyUserContext   = "user_context"

	keyHypercubes = "hypercubes"
	keyFeatures   = "feature_collection_tiles"
	keyStructured = "structured_data_list"
	keyModels     = "machine_learn_models"
)

// Older producers used these names for the entity collections.
var collectionAliases = map[string]string{
	"datacubes":               keyHypercubes,
	"feature_collection_list": keyFeatures,
}

func canonicalCollection(key string) (string, bool) {
	if alias, ok := collectionAliases[key]; ok {
		return alias, true
	}
	switch key {
	case keyHypercubes, keyFeatures, keyStructured, keyModels:
		return key, true
	}
	return "", false
}

// encoder renders an envelope into a tree. Binary mode keeps arrays, WKB
// geometries and model blobs as raw bytes; JSON mode uses JSON-safe forms.
type encoder struct {
	binary bool
}

func (w encoder) envelope(env *udf.Envelope) (map[string]any, error) {
	data := map[string]any{
		keyHypercubes: []any{},
		keyFeatures:   []any{},
		keyStructured: []any{},
		keyModels:     []any{},
	}
	cubes := make([]any, 0, len(env.ArrayCubes))
	for _, id := range udf.SortedKeys(env.ArrayCubes) {
		t, err := w.cube(env.ArrayCubes[id])
		if err != nil {
			return nil, fmt.Errorf("encode cube %s: %w", id, err)
		}
		cubes = append(cubes, t)
	}
	data[keyHypercubes] = cubes

	tiles := make([]any, 0, len(env.FeatureCollections))
	for _, id := range udf.SortedKeys(env.FeatureCollections) {
		t, err := w.tile(env.FeatureCollections[id])
		if err != nil {
			return nil, fmt.Errorf("encode feature collection %s: %w", id, err)
		}
		tiles = append(tiles, t)
	}
	data[keyFeatures] = tiles

	structured := make([]any, 0, len(env.StructuredResults))
	for _, s := range env.StructuredResults {
		structured = append(structured, structuredTree(s))
	}
	data[keyStructured] = structured

	models := make([]any, 0, len(env.MLModels))
	for _, id := range udf.SortedKeys(env.MLModels) {
		models = append(models, w.model(env.MLModels[id]))
	}
	data[keyModels] = models

	out := map[string]any{
		keyMetadata:      mapOrEmpty(env.Metadata),
		keyData:          data,
		keyServerContext: mapOrEmpty(env.ServerContext),
		keyUserContext:   mapOrEmpty(env.UserContext),
	}
	if env.Extent != nil {
		out[keyExtent] = extentTree(*env.Extent)
	}
	return out, nil
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return udf.NormalizeMap(m)
}

func extentTree(e udf.SpatialExtent) map[string]any {
	out := map[string]any{
		"top":    e.Top,
		"bottom": e.Bottom,
		"left":   e.Left,
		"right":  e.Right,
	}
	if e.CRS != "" {
		out["crs"] = e.CRS
	}
	if e.Height != 0 {
		out["height"] = e.Height
	}
	if e.Width != 0 {
		out["width"] = e.Width
	}
	return out
}

func timesTree(ts []time.Time) []any {
	out := make([]any, len(ts))
	for i, t := range ts {
		out[i] = t.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func withExtra(extra map[string]any) map[string]any {
	out := make(map[string]any, len(extra)+8)
	for k, v := range extra {
		out[k] = udf.NormalizeValue(v)
	}
	return out
}

func (w encoder) cube(c *udf.ArrayCube) (map[string]any, error) {
	out := withExtra(c.Extra)
	out["id"] = c.ID
	if c.Description != "" {
		out["description"] = c.Description
	}
	dims := make([]any, len(c.Dimensions))
	for i, d := range c.Dimensions {
		dims[i] = dimensionTree(d)
	}
	out["dimensions"] = dims
	out["dtype"] = string(c.Array.DType())
	out["array"] = w.array(c.Array)
	if c.Extent != nil {
		out[keyExtent] = extentTree(*c.Extent)
	}
	if len(c.StartTimes) > 0 {
		out["start_times"] = timesTree(c.StartTimes)
	}
	if len(c.EndTimes) > 0 {
		out["end_times"] = timesTree(c.EndTimes)
	}
	return out, nil
}

func dimensionTree(d udf.Dimension) map[string]any {
	out := map[string]any{"name": d.Name}
	if d.Description != "" {
		out["description"] = d.Description
	}
	if d.Type != "" {
		out["type"] = d.Type
	}
	if d.Unit != "" {
		out["unit"] = d.Unit
	}
	if d.Resolution != 0 {
		out["resolution"] = d.Resolution
	}
	if d.Size > 0 {
		out["size"] = int64(d.Size)
	}
	if len(d.Coordinates) > 0 {
		out["coordinates"] = udf.NormalizeValue(d.Coordinates)
	}
	if len(d.Extent) > 0 {
		out["extent"] = udf.NormalizeValue(d.Extent)
	}
	if d.ReferenceSystem != nil {
		out["reference_system"] = udf.NormalizeValue(d.ReferenceSystem)
	}
	return out
}

// array emits nested lists where JSON can carry them losslessly and a typed
// binary run otherwise.
func (w encoder) array(a *udf.NDArray) any {
	if !w.binary && a.Size() > 0 && finite(a) {
		return a.Nested()
	}
	shape := make([]any, a.Rank())
	for i, n := range a.Shape() {
		shape[i] = int64(n)
	}
	run := a.MarshalBinaryRun()
	var data any = run
	if !w.binary {
		data = base64.StdEncoding.EncodeToString(run)
	}
	return map[string]any{"dtype": string(a.DType()), "shape": shape, "data": data}
}

func finite(a *udf.NDArray) bool {
	if !a.DType().IsFloat() {
		return true
	}
	for i := 0; i < a.Size(); i++ {
		f := a.Float(i)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func (w encoder) tile(fc *udf.FeatureCollection) (map[string]any, error) {
	features := make([]any, len(fc.Features))
	for i, f := range fc.Features {
		g, err := w.geometry(f.Geometry)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		ft := map[string]any{
			"type":       "Feature",
			"geometry":   g,
			"properties": mapOrEmpty(f.Properties),
		}
		if f.ID != nil {
			ft["id"] = udf.NormalizeValue(f.ID)
		}
		features[i] = ft
	}
	out := withExtra(fc.Extra)
	out["id"] = fc.ID
	out[keyData] = map[string]any{"type": "FeatureCollection", "features": features}
	if fc.Extent != nil {
		out[keyExtent] = extentTree(*fc.Extent)
	}
	if len(fc.StartTimes) > 0 {
		out["start_times"] = timesTree(fc.StartTimes)
	}
	if len(fc.EndTimes) > 0 {
		out["end_times"] = timesTree(fc.EndTimes)
	}
	return out, nil
}

func (w encoder) geometry(g orb.Geometry) (any, error) {
	if w.binary {
		return wkb.Marshal(g)
	}
	v, err := jsonutil.Reencode(geojson.NewGeometry(g))
	if err != nil {
		return nil, err
	}
	return udf.NormalizeValue(v), nil
}

func structuredTree(s *udf.StructuredResult) map[string]any {
	return map[string]any{
		"description": s.Description,
		"type":        string(s.Type),
		"data":        udf.NormalizeValue(s.Data),
	}
}

func (w encoder) model(m *udf.MLModel) map[string]any {
	out := withExtra(m.Extra)
	out["id"] = m.ID
	for k, v := range map[string]string{
		"framework":    m.Framework,
		"name":         m.Name,
		"description":  m.Description,
		"path":         m.Path,
		"content_hash": m.ContentHash,
	} {
		if v != "" {
			out[k] = v
		}
	}
	if m.HasBlob() {
		if w.binary {
			out["blob"] = append([]byte{}, m.Blob()...)
		} else {
			out["blob"] = base64.StdEncoding.EncodeToString(m.Blob())
		}
	}
	return out
}

// decoder builds an envelope from a normalized tree.
type decoder struct {
	hash   udf.HashFunc
	models udf.ModelResolver
	files  udf.FileResolver
}

func (r decoder) envelope(tree map[string]any) (*udf.Envelope, error) {
	env := udf.NewEnvelope()
	collections := map[string]any{}
	// Unknown keys are kept in metadata unless metadata already names them.
	unknown := map[string]any{}

	for _, key := range udf.SortedKeys(tree) {
		v := tree[key]
		switch key {
		case keyMetadata:
			m, err := asMap(key, v)
			if err != nil {
				return nil, err
			}
			for k, mv := range m {
				env.Metadata[k] = mv
			}
		case keyServerContext:
			m, err := asMap(key, v)
			if err != nil {
				return nil, err
			}
			env.ServerContext = m
		case keyUserContext:
			m, err := asMap(key, v)
			if err != nil {
				return nil, err
			}
			env.UserContext = m
		case keyExtent:
			if v == nil {
				continue
			}
			e, err := extentFromTree(key, v)
			if err != nil {
				return nil, err
			}
			env.Extent = &e
		case keyData:
			data, err := asMap(key, v)
			if err != nil {
				return nil, err
			}
			for _, dk := range udf.SortedKeys(data) {
				if canon, ok := canonicalCollection(dk); ok {
					collections[canon] = data[dk]
					continue
				}
				unknown[keyData+"."+dk] = data[dk]
			}
		default:
			if canon, ok := canonicalCollection(key); ok {
				if _, set := collections[canon]; !set {
					collections[canon] = v
				}
				continue
			}
			unknown[key] = v
		}
	}
	for k, v := range unknown {
		if _, taken := env.Metadata[k]; !taken {
			env.Metadata[k] = v
		}
	}
	env.Init()

	if err := eachEntity(collections[keyHypercubes], keyData+"."+keyHypercubes, func(path string, m map[string]any) error {
		c, err := r.cube(path, m)
		if err != nil {
			return err
		}
		if _, dup := env.ArrayCubes[c.ID]; dup {
			return udf.Schemaf(path, "duplicate cube id %q", c.ID)
		}
		env.ArrayCubes[c.ID] = c
		return nil
	}); err != nil {
		return nil, err
	}
	if err := eachEntity(collections[keyFeatures], keyData+"."+keyFeatures, func(path string, m map[string]any) error {
		fc, err := r.tile(path, m)
		if err != nil {
			return err
		}
		if _, dup := env.FeatureCollections[fc.ID]; dup {
			return udf.Schemaf(path, "duplicate feature collection id %q", fc.ID)
		}
		env.FeatureCollections[fc.ID] = fc
		return nil
	}); err != nil {
		return nil, err
	}
	if err := eachEntity(collections[keyStructured], keyData+"."+keyStructured, func(path string, m map[string]any) error {
		s, err := structuredFromTree(path, m)
		if err != nil {
			return err
		}
		env.StructuredResults = append(env.StructuredResults, s)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := eachEntity(collections[keyModels], keyData+"."+keyModels, func(path string, m map[string]any) error {
		model, err := r.model(path, m)
		if err != nil {
			return err
		}
		if _, dup := env.MLModels[model.ID]; dup {
			return udf.Schemaf(path, "duplicate model id %q", model.ID)
		}
		env.MLModels[model.ID] = model
		return nil
	}); err != nil {
		return nil, err
	}
	return env, nil
}

func eachEntity(v any, path string, fn func(string, map[string]any) error) error {
	if v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return udf.Schemaf(path, "expected a list, got %T", v)
	}
	for i, e := range list {
		p := fmt.Sprintf("%s[%d]", path, i)
		m, ok := e.(map[string]any)
		if !ok {
			return udf.Schemaf(p, "expected an object, got %T", e)
		}
		if err := fn(p, m); err != nil {
			return err
		}
	}
	return nil
}

func asMap(path string, v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, udf.Schemaf(path, "expected an object, got %T", v)
	}
	return m, nil
}

func asString(path string, v any, required bool) (string, error) {
	if v == nil {
		if required {
			return "", udf.Schemaf(path, "is required")
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", udf.Schemaf(path, "expected a string, got %T", v)
	}
	if required && s == "" {
		return "", udf.Schemaf(path, "is required")
	}
	return s, nil
}

func asFloat(path string, v any) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, udf.Schemaf(path, "expected a number, got %T", v)
}

func asInt(path string, v any) (int, error) {
	switch x := v.(type) {
	case int64:
		return int(x), nil
	case float64:
		if x == math.Trunc(x) {
			return int(x), nil
		}
	}
	return 0, udf.Schemaf(path, "expected an integer, got %v", v)
}

func asBytes(path string, v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(x)
		if err != nil {
			return nil, udf.Schemaf(path, "invalid base64: %v", err)
		}
		return b, nil
	}
	return nil, udf.Schemaf(path, "expected bytes, got %T", v)
}

func extentFromTree(path string, v any) (udf.SpatialExtent, error) {
	m, err := asMap(path, v)
	if err != nil {
		return udf.SpatialExtent{}, err
	}
	var e udf.SpatialExtent
	for _, f := range []struct {
		key string
		dst *float64
		opt bool
	}{
		{"top", &e.Top, false},
		{"bottom", &e.Bottom, false},
		{"left", &e.Left, false},
		{"right", &e.Right, false},
		{"height", &e.Height, true},
		{"width", &e.Width, true},
	} {
		raw, ok := m[f.key]
		if !ok || raw == nil {
			if f.opt {
				continue
			}
			return e, udf.Schemaf(path+"."+f.key, "is required")
		}
		if *f.dst, err = asFloat(path+"."+f.key, raw); err != nil {
			return e, err
		}
	}
	if e.CRS, err = asString(path+".crs", m["crs"], false); err != nil {
		return e, err
	}
	if err := e.Validate(); err != nil {
		var se *udf.SchemaError
		if errors.As(err, &se) {
			return e, udf.Schemaf(path, "%s", se.Reason)
		}
		return e, err
	}
	return e, nil
}

func timesFromTree(path string, v any) ([]time.Time, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, udf.Schemaf(path, "expected a list of timestamps, got %T", v)
	}
	out := make([]time.Time, len(list))
	for i, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, udf.Schemaf(fmt.Sprintf("%s[%d]", path, i), "expected an RFC 3339 string, got %T", e)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, udf.Schemaf(fmt.Sprintf("%s[%d]", path, i), "invalid timestamp %q", s)
		}
		out[i] = t.UTC()
	}
	return out, nil
}

var cubeKeys = map[string]bool{
	"id": true, "description": true, "dimensions": true, "dtype": true, "array": true,
	keyExtent: true, "start_times": true, "end_times": true,
}

func (r decoder) cube(path string, m map[string]any) (*udf.ArrayCube, error) {
	id, err := asString(path+".id", m["id"], true)
	if err != nil {
		return nil, err
	}
	c := &udf.ArrayCube{ID: id}
	if c.Description, err = asString(path+".description", m["description"], false); err != nil {
		return nil, err
	}
	if raw := m["dimensions"]; raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return nil, udf.Schemaf(path+".dimensions", "expected a list, got %T", raw)
		}
		for i, e := range list {
			d, err := dimensionFromTree(fmt.Sprintf("%s.dimensions[%d]", path, i), e)
			if err != nil {
				return nil, err
			}
			c.Dimensions = append(c.Dimensions, d)
		}
	}
	var dtype udf.DType
	if raw, ok := m["dtype"]; ok && raw != nil {
		s, err := asString(path+".dtype", raw, false)
		if err != nil {
			return nil, err
		}
		if dtype, err = udf.ParseDType(s); err != nil {
			return nil, udf.Schemaf(path+".dtype", "unsupported dtype %q", s)
		}
	}
	if c.Array, err = arrayFromTree(path+".array", m["array"], dtype); err != nil {
		return nil, err
	}
	if raw := m[keyExtent]; raw != nil {
		e, err := extentFromTree(path+"."+keyExtent, raw)
		if err != nil {
			return nil, err
		}
		c.Extent = &e
	}
	if c.StartTimes, err = timesFromTree(path+".start_times", m["start_times"]); err != nil {
		return nil, err
	}
	if c.EndTimes, err = timesFromTree(path+".end_times", m["end_times"]); err != nil {
		return nil, err
	}
	c.Extra = extras(m, cubeKeys)
	if err := c.Validate(); err != nil {
		return nil, rebase(path, err)
	}
	return c, nil
}

func dimensionFromTree(path string, v any) (udf.Dimension, error) {
	m, err := asMap(path, v)
	if err != nil {
		return udf.Dimension{}, err
	}
	var d udf.Dimension
	if d.Name, err = asString(path+".name", m["name"], true); err != nil {
		return d, err
	}
	if d.Description, err = asString(path+".description", m["description"], false); err != nil {
		return d, err
	}
	if d.Type, err = asString(path+".type", m["type"], false); err != nil {
		return d, err
	}
	if d.Unit, err = asString(path+".unit", m["unit"], false); err != nil {
		return d, err
	}
	if raw := m["resolution"]; raw != nil {
		if d.Resolution, err = asFloat(path+".resolution", raw); err != nil {
			return d, err
		}
	}
	if raw := m["size"]; raw != nil {
		if d.Size, err = asInt(path+".size", raw); err != nil {
			return d, err
		}
	}
	if raw := m["coordinates"]; raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return d, udf.Schemaf(path+".coordinates", "expected a list, got %T", raw)
		}
		d.Coordinates = list
	}
	if raw := m["extent"]; raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return d, udf.Schemaf(path+".extent", "expected [min, max], got %T", raw)
		}
		for i, e := range list {
			f, err := asFloat(fmt.Sprintf("%s.extent[%d]", path, i), e)
			if err != nil {
				return d, err
			}
			d.Extent = append(d.Extent, f)
		}
	}
	d.ReferenceSystem = m["reference_system"]
	return d, nil
}

func arrayFromTree(path string, v any, dtype udf.DType) (*udf.NDArray, error) {
	if v == nil {
		return nil, udf.Schemaf(path, "is required")
	}
	if run, ok := v.(map[string]any); ok {
		s, err := asString(path+".dtype", run["dtype"], false)
		if err != nil {
			return nil, err
		}
		d := dtype
		if s != "" {
			if d, err = udf.ParseDType(s); err != nil {
				return nil, udf.Schemaf(path+".dtype", "unsupported dtype %q", s)
			}
		}
		if d == "" {
			d = udf.Float64
		}
		rawShape, ok := run["shape"].([]any)
		if !ok {
			return nil, udf.Schemaf(path+".shape", "expected a list of integers")
		}
		shape := make([]int, len(rawShape))
		for i, e := range rawShape {
			if shape[i], err = asInt(fmt.Sprintf("%s.shape[%d]", path, i), e); err != nil {
				return nil, err
			}
		}
		data, err := asBytes(path+".data", run["data"])
		if err != nil {
			return nil, err
		}
		a, err := udf.ArrayFromBinaryRun(d, shape, data)
		if err != nil {
			return nil, rebase(path, err)
		}
		return a, nil
	}
	a, err := udf.ArrayFromNested(v, dtype)
	if err != nil {
		return nil, rebase(path, err)
	}
	return a, nil
}

var tileKeys = map[string]bool{
	"id": true, keyData: true, keyExtent: true, "start_times": true, "end_times": true,
}

func (r decoder) tile(path string, m map[string]any) (*udf.FeatureCollection, error) {
	id, err := asString(path+".id", m["id"], true)
	if err != nil {
		return nil, err
	}
	fc := &udf.FeatureCollection{ID: id, Features: []udf.Feature{}}
	var rawFeatures any
	switch d := m[keyData].(type) {
	case map[string]any:
		rawFeatures = d["features"]
	case []any:
		rawFeatures = d
	case nil:
	default:
		return nil, udf.Schemaf(path+".data", "expected a GeoJSON FeatureCollection, got %T", d)
	}
	if rawFeatures != nil {
		list, ok := rawFeatures.([]any)
		if !ok {
			return nil, udf.Schemaf(path+".data.features", "expected a list, got %T", rawFeatures)
		}
		for i, e := range list {
			fp := fmt.Sprintf("%s.data.features[%d]", path, i)
			fm, ok := e.(map[string]any)
			if !ok {
				return nil, udf.Schemaf(fp, "expected an object, got %T", e)
			}
			g, err := geometryFromTree(fp+".geometry", fm["geometry"])
			if err != nil {
				return nil, err
			}
			props, err := asMap(fp+".properties", fm["properties"])
			if err != nil {
				return nil, err
			}
			fc.Features = append(fc.Features, udf.Feature{ID: fm["id"], Geometry: g, Properties: props})
		}
	}
	if raw := m[keyExtent]; raw != nil {
		e, err := extentFromTree(path+"."+keyExtent, raw)
		if err != nil {
			return nil, err
		}
		fc.Extent = &e
	}
	if fc.StartTimes, err = timesFromTree(path+".start_times", m["start_times"]); err != nil {
		return nil, err
	}
	if fc.EndTimes, err = timesFromTree(path+".end_times", m["end_times"]); err != nil {
		return nil, err
	}
	fc.Extra = extras(m, tileKeys)
	if err := fc.Validate(); err != nil {
		return nil, rebase(path, err)
	}
	return fc, nil
}

func geometryFromTree(path string, v any) (orb.Geometry, error) {
	switch x := v.(type) {
	case []byte:
		g, err := wkb.Unmarshal(x)
		if err != nil {
			return nil, udf.Schemaf(path, "invalid WKB: %v", err)
		}
		return g, nil
	case string:
		g, err := wkt.Unmarshal(x)
		if err != nil {
			return nil, udf.Schemaf(path, "invalid WKT: %v", err)
		}
		return g, nil
	case map[string]any:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, udf.Schemaf(path, "invalid GeoJSON geometry: %v", err)
		}
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, udf.Schemaf(path, "invalid GeoJSON geometry: %v", err)
		}
		if g.Geometry() == nil {
			return nil, udf.Schemaf(path, "empty GeoJSON geometry")
		}
		return g.Geometry(), nil
	case nil:
		return nil, udf.Schemaf(path, "is required")
	}
	return nil, udf.Schemaf(path, "unsupported geometry encoding %T", v)
}

func structuredFromTree(path string, m map[string]any) (*udf.StructuredResult, error) {
	desc, err := asString(path+".description", m["description"], false)
	if err != nil {
		return nil, err
	}
	typ, err := asString(path+".type", m["type"], true)
	if err != nil {
		return nil, err
	}
	s, err := udf.NewStructuredResult(desc, udf.StructuredType(typ), m["data"])
	if err != nil {
		return nil, rebase(path, err)
	}
	return s, nil
}

var modelKeys = map[string]bool{
	"id": true, "framework": true, "name": true, "description": true, "path": true,
	"content_hash": true, "md5_hash": true, "blob": true,
}

func (r decoder) model(path string, m map[string]any) (*udf.MLModel, error) {
	model := &udf.MLModel{}
	var err error
	for _, f := range []struct {
		key      string
		dst      *string
		required bool
	}{
		{"id", &model.ID, true},
		{"framework", &model.Framework, false},
		{"name", &model.Name, false},
		{"description", &model.Description, false},
		{"path", &model.Path, false},
		{"content_hash", &model.ContentHash, false},
	} {
		if *f.dst, err = asString(path+"."+f.key, m[f.key], f.required); err != nil {
			return nil, err
		}
	}
	if model.ContentHash == "" {
		if model.ContentHash, err = asString(path+".md5_hash", m["md5_hash"], false); err != nil {
			return nil, err
		}
	}
	if raw := m["blob"]; raw != nil {
		blob, err := asBytes(path+".blob", raw)
		if err != nil {
			return nil, err
		}
		if model.ContentHash == "" && r.hash != nil {
			model.ContentHash = r.hash(blob)
		}
		if err := model.SetBlob(blob); err != nil {
			return nil, rebase(path, err)
		}
	}
	model.Extra = extras(m, modelKeys)
	if err := model.Validate(); err != nil {
		return nil, rebase(path, err)
	}
	model.Bind(r.models, r.files)
	return model, nil
}

func extras(m map[string]any, known map[string]bool) map[string]any {
	var out map[string]any
	for k, v := range m {
		if known[k] {
			continue
		}
		if out == nil {
			out = map[string]any{}
		}
		out[k] = v
	}
	return out
}

// rebase prefixes a SchemaError path with the entity path.
func rebase(path string, err error) error {
	var se *udf.SchemaError
	if !errors.As(err, &se) {
		return err
	}
	if se.Path == "" {
		return udf.Schemaf(path, "%s", se.Reason)
	}
	return udf.Schemaf(path+"."+se.Path, "%s", se.Reason)
}
