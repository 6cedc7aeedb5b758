package dispatch

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"
	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/udf"
)

// featureCollectionValue exposes a FeatureCollection. Features are handed out
// as a list of {id, geometry, properties} dicts with WKT geometries; the list
// is written back when the entry point returns or when a derived attribute
// is read.
type featureCollectionValue struct {
	fc       *udf.FeatureCollection
	s        *session
	features *starlark.List
	frozen   bool
}

var (
	_ starlark.HasAttrs    = (*featureCollectionValue)(nil)
	_ starlark.HasSetField = (*featureCollectionValue)(nil)
)

func newFeatureCollectionValue(fc *udf.FeatureCollection, s *session) *featureCollectionValue {
	return &featureCollectionValue{fc: fc, s: s}
}

func (f *featureCollectionValue) String() string {
	return fmt.Sprintf("feature_collection(id=%q, features=%d)", f.fc.ID, f.Len())
}
func (f *featureCollectionValue) Type() string          { return "feature_collection" }
func (f *featureCollectionValue) Truth() starlark.Bool  { return true }
func (f *featureCollectionValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: feature_collection") }

func (f *featureCollectionValue) Freeze() {
	f.frozen = true
	if f.features != nil {
		f.features.Freeze()
	}
}

func (f *featureCollectionValue) Len() int {
	if f.features != nil {
		return f.features.Len()
	}
	return len(f.fc.Features)
}

func (f *featureCollectionValue) featureList() (*starlark.List, error) {
	if f.features != nil {
		return f.features, nil
	}
	elems := make([]starlark.Value, len(f.fc.Features))
	for i, ft := range f.fc.Features {
		d, err := featureDict(ft)
		if err != nil {
			return nil, fmt.Errorf("features[%d]: %w", i, err)
		}
		elems[i] = d
	}
	f.features = starlark.NewList(elems)
	if f.frozen {
		f.features.Freeze()
	}
	f.s.track(f)
	return f.features, nil
}

func featureDict(ft udf.Feature) (*starlark.Dict, error) {
	props, err := mapToDict(udf.NormalizeMap(ft.Properties))
	if err != nil {
		return nil, err
	}
	id, err := toStarlark(ft.ID)
	if err != nil {
		return nil, err
	}
	d := starlark.NewDict(3)
	_ = d.SetKey(starlark.String("id"), id)
	_ = d.SetKey(starlark.String("geometry"), starlark.String(wkt.MarshalString(ft.Geometry)))
	_ = d.SetKey(starlark.String("properties"), props)
	return d, nil
}

func featureFromValue(path string, v starlark.Value) (udf.Feature, error) {
	m, err := mapValue(path, v)
	if err != nil {
		return udf.Feature{}, err
	}
	g, err := codec.GeometryFromTree(path+".geometry", m["geometry"])
	if err != nil {
		return udf.Feature{}, err
	}
	ft := udf.Feature{ID: m["id"], Geometry: g, Properties: map[string]any{}}
	if raw, ok := m["properties"]; ok && raw != nil {
		props, ok := raw.(map[string]any)
		if !ok {
			return udf.Feature{}, fmt.Errorf("%s.properties must be a dict, got %T", path, raw)
		}
		ft.Properties = props
	}
	return ft, nil
}

func featuresFromValue(path string, v starlark.Value) ([]udf.Feature, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", path, v.Type())
	}
	out := []udf.Feature{}
	it := iter.Iterate()
	defer it.Done()
	var e starlark.Value
	for i := 0; it.Next(&e); i++ {
		ft, err := featureFromValue(fmt.Sprintf("%s[%d]", path, i), e)
		if err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, nil
}

func (f *featureCollectionValue) sync() error {
	if f.features == nil {
		return nil
	}
	features, err := featuresFromValue(fmt.Sprintf("feature_collections[%q].features", f.fc.ID), f.features)
	if err != nil {
		return err
	}
	f.fc.Features = features
	return nil
}

func (f *featureCollectionValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(f.fc.ID), nil
	case "features":
		return f.featureList()
	case "columns", "bounds":
		if err := f.sync(); err != nil {
			return nil, err
		}
		if name == "columns" {
			return toStarlark(f.fc.Columns())
		}
		crs := ""
		if f.fc.Extent != nil {
			crs = f.fc.Extent.CRS
		}
		return extentValue(f.fc.Bounds(crs))
	case "extent":
		return extentValue(f.fc.Extent)
	case "start_times":
		return timesValue(f.fc.StartTimes), nil
	case "end_times":
		return timesValue(f.fc.EndTimes), nil
	}
	return nil, nil
}

func (f *featureCollectionValue) AttrNames() []string {
	return []string{"bounds", "columns", "end_times", "extent", "features", "id", "start_times"}
}

func (f *featureCollectionValue) SetField(name string, v starlark.Value) error {
	if f.frozen {
		return frozenErr("feature_collection")
	}
	switch name {
	case "id":
		id, err := optionalString("feature_collection.id", v)
		if err != nil {
			return err
		}
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("feature_collection.id must not be empty")
		}
		f.fc.ID = strings.TrimSpace(id)
	case "features":
		features, err := featuresFromValue("feature_collection.features", v)
		if err != nil {
			return err
		}
		f.fc.Features = features
		f.features = nil
	case "extent":
		e, err := extentFromValue("feature_collection.extent", v)
		if err != nil {
			return err
		}
		f.fc.Extent = e
	case "start_times":
		ts, err := timesFromValue("feature_collection.start_times", v)
		if err != nil {
			return err
		}
		f.fc.StartTimes = ts
	case "end_times":
		ts, err := timesFromValue("feature_collection.end_times", v)
		if err != nil {
			return err
		}
		f.fc.EndTimes = ts
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("feature_collection has no settable field %q", name))
	}
	return nil
}

// modelValue exposes an MLModel handle. load() fetches the bytes through
// the resolvers bound to the handle.
type modelValue struct {
	m      *udf.MLModel
	s      *session
	frozen bool
}

var (
	_ starlark.HasAttrs    = (*modelValue)(nil)
	_ starlark.HasSetField = (*modelValue)(nil)
)

func (m *modelValue) String() string        { return fmt.Sprintf("model(id=%q)", m.m.ID) }
func (m *modelValue) Type() string          { return "model" }
func (m *modelValue) Freeze()               { m.frozen = true }
func (m *modelValue) Truth() starlark.Bool  { return true }
func (m *modelValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: model") }

var modelLoad = starlark.NewBuiltin("load", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	mv := b.Receiver().(*modelValue)
	blob, err := mv.m.Load(mv.s.ctx)
	if err != nil {
		return nil, err
	}
	return starlark.Bytes(blob), nil
})

func (m *modelValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(m.m.ID), nil
	case "framework":
		return starlark.String(m.m.Framework), nil
	case "name":
		return starlark.String(m.m.Name), nil
	case "description":
		return starlark.String(m.m.Description), nil
	case "path":
		return starlark.String(m.m.Path), nil
	case "content_hash":
		return starlark.String(m.m.ContentHash), nil
	case "has_blob":
		return starlark.Bool(m.m.HasBlob()), nil
	case "load":
		return modelLoad.BindReceiver(m), nil
	}
	return nil, nil
}

func (m *modelValue) AttrNames() []string {
	return []string{"content_hash", "description", "framework", "has_blob", "id", "load", "name", "path"}
}

func (m *modelValue) SetField(name string, v starlark.Value) error {
	if m.frozen {
		return frozenErr("model")
	}
	s, err := optionalString("model."+name, v)
	if err != nil {
		return err
	}
	switch name {
	case "framework":
		m.m.Framework = s
	case "name":
		m.m.Name = s
	case "description":
		m.m.Description = s
	case "path":
		m.m.Path = s
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("model has no settable field %q", name))
	}
	return nil
}

// structuredValue exposes a StructuredResult. data is returned as a copy;
// assigning it re-checks the payload against the type tag.
type structuredValue struct {
	r      *udf.StructuredResult
	frozen bool
}

var (
	_ starlark.HasAttrs    = (*structuredValue)(nil)
	_ starlark.HasSetField = (*structuredValue)(nil)
)

func (s *structuredValue) String() string        { return fmt.Sprintf("structured(type=%s)", s.r.Type) }
func (s *structuredValue) Type() string          { return "structured" }
func (s *structuredValue) Freeze()               { s.frozen = true }
func (s *structuredValue) Truth() starlark.Bool  { return true }
func (s *structuredValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: structured") }

func (s *structuredValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "description":
		return starlark.String(s.r.Description), nil
	case "type":
		return starlark.String(s.r.Type), nil
	case "data":
		return toStarlark(s.r.Data)
	}
	return nil, nil
}

func (s *structuredValue) AttrNames() []string { return []string{"data", "description", "type"} }

func (s *structuredValue) SetField(name string, v starlark.Value) error {
	if s.frozen {
		return frozenErr("structured")
	}
	desc, typ, data := s.r.Description, s.r.Type, s.r.Data
	switch name {
	case "description":
		d, err := optionalString("structured.description", v)
		if err != nil {
			return err
		}
		desc = d
	case "type":
		t, err := optionalString("structured.type", v)
		if err != nil {
			return err
		}
		typ = udf.StructuredType(t)
	case "data":
		d, err := fromStarlark(v)
		if err != nil {
			return err
		}
		data = d
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("structured has no settable field %q", name))
	}
	r, err := udf.NewStructuredResult(desc, typ, data)
	if err != nil {
		return err
	}
	*s.r = *r
	return nil
}
