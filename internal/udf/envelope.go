package udf

import "fmt"

// Envelope is the unit of exchange between a caller and a UDF. It owns every
// entity it contains; entities are keyed by their id.
type Envelope struct {
	Metadata           map[string]any
	Extent             *SpatialExtent
	ArrayCubes         map[string]*ArrayCube
	FeatureCollections map[string]*FeatureCollection
	StructuredResults  []*StructuredResult
	MLModels           map[string]*MLModel
	ServerContext      map[string]any
	UserContext        map[string]any
}

// NewEnvelope returns an envelope with empty, non-nil containers.
func NewEnvelope() *Envelope {
	return &Envelope{
		Metadata:           map[string]any{},
		ArrayCubes:         map[string]*ArrayCube{},
		FeatureCollections: map[string]*FeatureCollection{},
		StructuredResults:  []*StructuredResult{},
		MLModels:           map[string]*MLModel{},
		ServerContext:      map[string]any{},
		UserContext:        map[string]any{},
	}
}

// Init fills nil containers so callers never observe null collections.
func (e *Envelope) Init() {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.ArrayCubes == nil {
		e.ArrayCubes = map[string]*ArrayCube{}
	}
	if e.FeatureCollections == nil {
		e.FeatureCollections = map[string]*FeatureCollection{}
	}
	if e.StructuredResults == nil {
		e.StructuredResults = []*StructuredResult{}
	}
	if e.MLModels == nil {
		e.MLModels = map[string]*MLModel{}
	}
	if e.ServerContext == nil {
		e.ServerContext = map[string]any{}
	}
	if e.UserContext == nil {
		e.UserContext = map[string]any{}
	}
}

// AddArrayCube validates c and adds it under its id.
func (e *Envelope) AddArrayCube(c *ArrayCube) error {
	if err := c.Validate(); err != nil {
		return prefixPath("hypercubes", err)
	}
	e.Init()
	if _, dup := e.ArrayCubes[c.ID]; dup {
		return Schemaf("hypercubes", "duplicate cube id %q", c.ID)
	}
	e.ArrayCubes[c.ID] = c
	return nil
}

// AddFeatureCollection validates fc and adds it under its id.
func (e *Envelope) AddFeatureCollection(fc *FeatureCollection) error {
	if err := fc.Validate(); err != nil {
		return prefixPath("feature_collection_tiles", err)
	}
	e.Init()
	if _, dup := e.FeatureCollections[fc.ID]; dup {
		return Schemaf("feature_collection_tiles", "duplicate feature collection id %q", fc.ID)
	}
	e.FeatureCollections[fc.ID] = fc
	return nil
}

// AddStructuredResult validates and appends s.
func (e *Envelope) AddStructuredResult(s *StructuredResult) error {
	if err := s.Validate(); err != nil {
		return prefixPath("structured_data_list", err)
	}
	e.Init()
	e.StructuredResults = append(e.StructuredResults, s)
	return nil
}

// AddMLModel validates m and adds it under its id.
func (e *Envelope) AddMLModel(m *MLModel) error {
	if err := m.Validate(); err != nil {
		return prefixPath("machine_learn_models", err)
	}
	e.Init()
	if _, dup := e.MLModels[m.ID]; dup {
		return Schemaf("machine_learn_models", "duplicate model id %q", m.ID)
	}
	e.MLModels[m.ID] = m
	return nil
}

// Validate re-checks every contained entity and that map keys match ids.
func (e *Envelope) Validate() error {
	if e == nil {
		return Schemaf("", "envelope is nil")
	}
	if e.Extent != nil {
		if err := e.Extent.Validate(); err != nil {
			return err
		}
	}
	for _, key := range SortedKeys(e.ArrayCubes) {
		c := e.ArrayCubes[key]
		if err := c.Validate(); err != nil {
			return prefixPath(fmt.Sprintf("hypercubes[%s]", key), err)
		}
		if c.ID != key {
			return Schemaf("hypercubes", "cube stored under %q has id %q", key, c.ID)
		}
	}
	for _, key := range SortedKeys(e.FeatureCollections) {
		fc := e.FeatureCollections[key]
		if err := fc.Validate(); err != nil {
			return prefixPath(fmt.Sprintf("feature_collection_tiles[%s]", key), err)
		}
		if fc.ID != key {
			return Schemaf("feature_collection_tiles", "collection stored under %q has id %q", key, fc.ID)
		}
	}
	for i, s := range e.StructuredResults {
		if err := s.Validate(); err != nil {
			return prefixPath(fmt.Sprintf("structured_data_list[%d]", i), err)
		}
	}
	for _, key := range SortedKeys(e.MLModels) {
		m := e.MLModels[key]
		if err := m.Validate(); err != nil {
			return prefixPath(fmt.Sprintf("machine_learn_models[%s]", key), err)
		}
		if m.ID != key {
			return Schemaf("machine_learn_models", "model stored under %q has id %q", key, m.ID)
		}
	}
	return nil
}

// Equal reports structural equality: same entity sets by id with equal
// contents, equal extent, and equal free-form maps. Nil and empty
// containers are equal.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == nil && o == nil
	}
	if !extentPtrEqual(e.Extent, o.Extent) ||
		!mapsEqual(e.Metadata, o.Metadata) ||
		!mapsEqual(e.ServerContext, o.ServerContext) ||
		!mapsEqual(e.UserContext, o.UserContext) {
		return false
	}
	if len(e.ArrayCubes) != len(o.ArrayCubes) ||
		len(e.FeatureCollections) != len(o.FeatureCollections) ||
		len(e.StructuredResults) != len(o.StructuredResults) ||
		len(e.MLModels) != len(o.MLModels) {
		return false
	}
	for id, c := range e.ArrayCubes {
		if !c.Equal(o.ArrayCubes[id]) {
			return false
		}
	}
	for id, fc := range e.FeatureCollections {
		if !fc.Equal(o.FeatureCollections[id]) {
			return false
		}
	}
	for i, s := range e.StructuredResults {
		if !s.Equal(o.StructuredResults[i]) {
			return false
		}
	}
	for id, m := range e.MLModels {
		if !m.Equal(o.MLModels[id]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := &Envelope{
		Metadata:      cloneMap(e.Metadata),
		Extent:        cloneExtent(e.Extent),
		ServerContext: cloneMap(e.ServerContext),
		UserContext:   cloneMap(e.UserContext),
	}
	if e.ArrayCubes != nil {
		out.ArrayCubes = make(map[string]*ArrayCube, len(e.ArrayCubes))
		for id, c := range e.ArrayCubes {
			out.ArrayCubes[id] = c.Clone()
		}
	}
	if e.FeatureCollections != nil {
		out.FeatureCollections = make(map[string]*FeatureCollection, len(e.FeatureCollections))
		for id, fc := range e.FeatureCollections {
			out.FeatureCollections[id] = fc.Clone()
		}
	}
	if e.StructuredResults != nil {
		out.StructuredResults = make([]*StructuredResult, len(e.StructuredResults))
		for i, s := range e.StructuredResults {
			out.StructuredResults[i] = s.Clone()
		}
	}
	if e.MLModels != nil {
		out.MLModels = make(map[string]*MLModel, len(e.MLModels))
		for id, m := range e.MLModels {
			out.MLModels[id] = m.Clone()
		}
	}
	return out
}

// Replace overwrites e with the contents of src.
func (e *Envelope) Replace(src *Envelope) {
	*e = *src
	e.Init()
}

// BindModels attaches resolvers to every model handle.
func (e *Envelope) BindModels(models ModelResolver, files FileResolver) {
	for _, m := range e.MLModels {
		m.Bind(models, files)
	}
}

// Summary is a short description for logs.
func (e *Envelope) Summary() string {
	if e == nil {
		return "envelope(nil)"
	}
	return fmt.Sprintf("envelope(cubes=%d features=%d structured=%d models=%d)",
		len(e.ArrayCubes), len(e.FeatureCollections), len(e.StructuredResults), len(e.MLModels))
}
