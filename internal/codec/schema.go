package codec

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Open-EO/openeo-udf/internal/udf"
)

//go:embed schema/envelope.schema.json
var envelopeSchemaJSON string

type envelopeSchema struct {
	schema *gojsonschema.Schema
}

func loadEnvelopeSchema() (*envelopeSchema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchemaJSON))
	if err != nil {
		return nil, err
	}
	return &envelopeSchema{schema: s}, nil
}

// validate reports every violation in one SchemaError rooted at the first
// offending field.
func (s *envelopeSchema) validate(tree map[string]any) error {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(tree))
	if err != nil {
		return udf.Schemaf("", "schema validation: %v", err)
	}
	if result.Valid() {
		return nil
	}
	errs := result.Errors()
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return &udf.SchemaError{Path: errs[0].Field(), Reason: strings.Join(msgs, "; ")}
}

// EnvelopeSchema returns the JSON Schema of the envelope wire form.
func EnvelopeSchema() string {
	return envelopeSchemaJSON
}
