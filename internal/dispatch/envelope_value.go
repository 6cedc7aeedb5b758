package dispatch

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

// envelopeValue is the object handed to the entry point. Containers are
// materialized as Starlark dicts and lists on first access and written back
// into the envelope by sync.
type envelopeValue struct {
	env *udf.Envelope
	s   *session

	metadata      *starlark.Dict
	serverContext *starlark.Dict
	userContext   *starlark.Dict
	cubes         *starlark.Dict
	collections   *starlark.Dict
	models        *starlark.Dict
	structured    *starlark.List

	tracked bool
	frozen  bool
}

var (
	_ starlark.HasAttrs    = (*envelopeValue)(nil)
	_ starlark.HasSetField = (*envelopeValue)(nil)
)

func newEnvelopeValue(env *udf.Envelope, s *session) *envelopeValue {
	env.Init()
	return &envelopeValue{env: env, s: s}
}

func (e *envelopeValue) String() string        { return e.env.Summary() }
func (e *envelopeValue) Type() string          { return "envelope" }
func (e *envelopeValue) Truth() starlark.Bool  { return true }
func (e *envelopeValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: envelope") }

func (e *envelopeValue) Freeze() {
	if e.frozen {
		return
	}
	e.frozen = true
	for _, d := range []*starlark.Dict{e.metadata, e.serverContext, e.userContext, e.cubes, e.collections, e.models} {
		if d != nil {
			d.Freeze()
		}
	}
	if e.structured != nil {
		e.structured.Freeze()
	}
}

func (e *envelopeValue) track() {
	if !e.tracked {
		e.tracked = true
		e.s.track(e)
	}
}

func (e *envelopeValue) adopt(v starlark.Value) {
	if e.frozen {
		v.Freeze()
	}
	e.track()
}

func (e *envelopeValue) plainDict(slot **starlark.Dict, src map[string]any) (*starlark.Dict, error) {
	if *slot == nil {
		d, err := mapToDict(src)
		if err != nil {
			return nil, err
		}
		e.adopt(d)
		*slot = d
	}
	return *slot, nil
}

func (e *envelopeValue) cubeDict() *starlark.Dict {
	if e.cubes == nil {
		d := starlark.NewDict(len(e.env.ArrayCubes))
		for _, id := range udf.SortedKeys(e.env.ArrayCubes) {
			_ = d.SetKey(starlark.String(id), &cubeValue{cube: e.env.ArrayCubes[id]})
		}
		e.adopt(d)
		e.cubes = d
	}
	return e.cubes
}

func (e *envelopeValue) collectionDict() *starlark.Dict {
	if e.collections == nil {
		d := starlark.NewDict(len(e.env.FeatureCollections))
		for _, id := range udf.SortedKeys(e.env.FeatureCollections) {
			_ = d.SetKey(starlark.String(id), newFeatureCollectionValue(e.env.FeatureCollections[id], e.s))
		}
		e.adopt(d)
		e.collections = d
	}
	return e.collections
}

func (e *envelopeValue) modelDict() *starlark.Dict {
	if e.models == nil {
		d := starlark.NewDict(len(e.env.MLModels))
		for _, id := range udf.SortedKeys(e.env.MLModels) {
			_ = d.SetKey(starlark.String(id), &modelValue{m: e.env.MLModels[id], s: e.s})
		}
		e.adopt(d)
		e.models = d
	}
	return e.models
}

func (e *envelopeValue) structuredList() *starlark.List {
	if e.structured == nil {
		elems := make([]starlark.Value, len(e.env.StructuredResults))
		for i, r := range e.env.StructuredResults {
			elems[i] = &structuredValue{r: r}
		}
		l := starlark.NewList(elems)
		e.adopt(l)
		e.structured = l
	}
	return e.structured
}

var envelopeMethods = map[string]*starlark.Builtin{
	"get_array_cube":            starlark.NewBuiltin("get_array_cube", envelopeGet),
	"get_feature_collection":    starlark.NewBuiltin("get_feature_collection", envelopeGet),
	"get_ml_model":              starlark.NewBuiltin("get_ml_model", envelopeGet),
	"add_array_cube":            starlark.NewBuiltin("add_array_cube", envelopeAdd),
	"add_feature_collection":    starlark.NewBuiltin("add_feature_collection", envelopeAdd),
	"add_ml_model":              starlark.NewBuiltin("add_ml_model", envelopeAdd),
	"add_structured_result":     starlark.NewBuiltin("add_structured_result", envelopeAddStructured),
	"remove_array_cube":         starlark.NewBuiltin("remove_array_cube", envelopeRemove),
	"remove_feature_collection": starlark.NewBuiltin("remove_feature_collection", envelopeRemove),
	"remove_ml_model":           starlark.NewBuiltin("remove_ml_model", envelopeRemove),
}

func (e *envelopeValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "metadata":
		return e.plainDict(&e.metadata, e.env.Metadata)
	case "server_context":
		return e.plainDict(&e.serverContext, e.env.ServerContext)
	case "user_context":
		return e.plainDict(&e.userContext, e.env.UserContext)
	case "extent":
		return extentValue(e.env.Extent)
	case "array_cubes":
		return e.cubeDict(), nil
	case "feature_collections":
		return e.collectionDict(), nil
	case "ml_models":
		return e.modelDict(), nil
	case "structured_results":
		return e.structuredList(), nil
	}
	if b, ok := envelopeMethods[name]; ok {
		return b.BindReceiver(e), nil
	}
	return nil, nil
}

func (e *envelopeValue) AttrNames() []string {
	names := []string{
		"array_cubes", "extent", "feature_collections", "metadata", "ml_models",
		"server_context", "structured_results", "user_context",
	}
	for n := range envelopeMethods {
		names = append(names, n)
	}
	return names
}

func (e *envelopeValue) SetField(name string, v starlark.Value) error {
	if e.frozen {
		return frozenErr("envelope")
	}
	switch name {
	case "metadata", "server_context", "user_context":
		d, ok := v.(*starlark.Dict)
		if !ok {
			return fmt.Errorf("envelope.%s must be a dict, got %s", name, v.Type())
		}
		if _, err := dictToMap(d); err != nil {
			return fmt.Errorf("envelope.%s: %w", name, err)
		}
		switch name {
		case "metadata":
			e.metadata = d
		case "server_context":
			e.serverContext = d
		default:
			e.userContext = d
		}
		e.track()
	case "extent":
		ext, err := extentFromValue("envelope.extent", v)
		if err != nil {
			return err
		}
		e.env.Extent = ext
	case "array_cubes", "feature_collections", "ml_models":
		d, ok := v.(*starlark.Dict)
		if !ok {
			return fmt.Errorf("envelope.%s must be a dict, got %s", name, v.Type())
		}
		switch name {
		case "array_cubes":
			e.cubes = d
		case "feature_collections":
			e.collections = d
		default:
			e.models = d
		}
		e.track()
	case "structured_results":
		l, ok := v.(*starlark.List)
		if !ok {
			return fmt.Errorf("envelope.structured_results must be a list, got %s", v.Type())
		}
		e.structured = l
		e.track()
	default:
		return starlark.NoSuchAttrError(fmt.Sprintf("envelope has no settable field %q", name))
	}
	return nil
}

// sync writes the Starlark-side containers back into the envelope. Entity
// dicts must map each id to an entity of the matching kind.
func (e *envelopeValue) sync() error {
	var err error
	for _, c := range []struct {
		d   *starlark.Dict
		dst *map[string]any
	}{
		{e.metadata, &e.env.Metadata},
		{e.serverContext, &e.env.ServerContext},
		{e.userContext, &e.env.UserContext},
	} {
		if c.d == nil {
			continue
		}
		if *c.dst, err = dictToMap(c.d); err != nil {
			return err
		}
	}
	if e.cubes != nil {
		out := make(map[string]*udf.ArrayCube, e.cubes.Len())
		err := eachEntity(e.cubes, "array_cubes", func(id string, v starlark.Value) error {
			c, ok := v.(*cubeValue)
			if !ok {
				return fmt.Errorf("array_cubes[%q] is %s, want cube", id, v.Type())
			}
			out[id] = c.cube
			return nil
		})
		if err != nil {
			return err
		}
		e.env.ArrayCubes = out
	}
	if e.collections != nil {
		out := make(map[string]*udf.FeatureCollection, e.collections.Len())
		err := eachEntity(e.collections, "feature_collections", func(id string, v starlark.Value) error {
			fc, ok := v.(*featureCollectionValue)
			if !ok {
				return fmt.Errorf("feature_collections[%q] is %s, want feature_collection", id, v.Type())
			}
			if err := fc.sync(); err != nil {
				return err
			}
			out[id] = fc.fc
			return nil
		})
		if err != nil {
			return err
		}
		e.env.FeatureCollections = out
	}
	if e.models != nil {
		out := make(map[string]*udf.MLModel, e.models.Len())
		err := eachEntity(e.models, "ml_models", func(id string, v starlark.Value) error {
			m, ok := v.(*modelValue)
			if !ok {
				return fmt.Errorf("ml_models[%q] is %s, want model", id, v.Type())
			}
			out[id] = m.m
			return nil
		})
		if err != nil {
			return err
		}
		e.env.MLModels = out
	}
	if e.structured != nil {
		out := make([]*udf.StructuredResult, e.structured.Len())
		for i := range out {
			v := e.structured.Index(i)
			s, ok := v.(*structuredValue)
			if !ok {
				return fmt.Errorf("structured_results[%d] is %s, want structured", i, v.Type())
			}
			out[i] = s.r
		}
		e.env.StructuredResults = out
	}
	return nil
}

func eachEntity(d *starlark.Dict, what string, fn func(string, starlark.Value) error) error {
	for _, item := range d.Items() {
		id, ok := item[0].(starlark.String)
		if !ok {
			return fmt.Errorf("%s key %s is %s, want string", what, item[0], item[0].Type())
		}
		if err := fn(string(id), item[1]); err != nil {
			return err
		}
	}
	return nil
}

// entityKind maps a method name to the container it works on.
func (e *envelopeValue) entityKind(method string) (*starlark.Dict, string) {
	switch method {
	case "get_array_cube", "add_array_cube", "remove_array_cube":
		return e.cubeDict(), "cube"
	case "get_feature_collection", "add_feature_collection", "remove_feature_collection":
		return e.collectionDict(), "feature_collection"
	}
	return e.modelDict(), "model"
}

func entityID(v starlark.Value) (string, bool) {
	switch x := v.(type) {
	case *cubeValue:
		return x.cube.ID, true
	case *featureCollectionValue:
		return x.fc.ID, true
	case *modelValue:
		return x.m.ID, true
	}
	return "", false
}

func envelopeGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	d, _ := b.Receiver().(*envelopeValue).entityKind(b.Name())
	v, found, err := d.Get(starlark.String(id))
	if err != nil || !found {
		return starlark.None, err
	}
	return v, nil
}

func envelopeAdd(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	d, kind := b.Receiver().(*envelopeValue).entityKind(b.Name())
	if v.Type() != kind {
		return nil, fmt.Errorf("%s: want %s, got %s", b.Name(), kind, v.Type())
	}
	id, _ := entityID(v)
	if _, found, _ := d.Get(starlark.String(id)); found {
		return nil, fmt.Errorf("%s: duplicate id %q", b.Name(), id)
	}
	if err := d.SetKey(starlark.String(id), v); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func envelopeRemove(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var id string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "id", &id); err != nil {
		return nil, err
	}
	d, _ := b.Receiver().(*envelopeValue).entityKind(b.Name())
	_, found, err := d.Delete(starlark.String(id))
	if err != nil {
		return nil, err
	}
	return starlark.Bool(found), nil
}

func envelopeAddStructured(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	if _, ok := v.(*structuredValue); !ok {
		return nil, fmt.Errorf("%s: want structured, got %s", b.Name(), v.Type())
	}
	return starlark.None, b.Receiver().(*envelopeValue).structuredList().Append(v)
}
