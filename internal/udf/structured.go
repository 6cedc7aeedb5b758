package udf

import "fmt"

// StructuredType tags the payload of a StructuredResult.
type StructuredType string

const (
	StructuredArray StructuredType = "array"
	StructuredList  StructuredType = "list"
	StructuredDict  StructuredType = "dict"
	StructuredTable StructuredType = "table"
)

// StructuredResult is a non-raster result: a numeric array, an ordered list,
// a key/value mapping or a table whose first row holds the column names.
type StructuredResult struct {
	Description string
	Type        StructuredType
	Data        any
}

// NewStructuredResult normalizes data and checks it matches the tag.
func NewStructuredResult(description string, typ StructuredType, data any) (*StructuredResult, error) {
	s := &StructuredResult{Description: description, Type: typ, Data: data}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StructuredResult) normalize() error {
	data := NormalizeValue(s.Data)
	switch s.Type {
	case StructuredArray:
		list, ok := data.([]any)
		if !ok && data != nil {
			return Schemaf("data", "array result needs a list of numbers, got %T", data)
		}
		out := make([]float64, len(list))
		for i, v := range list {
			switch x := v.(type) {
			case int64:
				out[i] = float64(x)
			case float64:
				out[i] = x
			default:
				return Schemaf(fmt.Sprintf("data[%d]", i), "array element is %T, not a number", v)
			}
		}
		s.Data = out
	case StructuredList:
		if m, ok := data.(map[string]any); ok && len(m) == 1 {
			if inner, ok := m["list"]; ok {
				data = inner
			}
		}
		list, ok := data.([]any)
		if !ok && data != nil {
			return Schemaf("data", "list result needs a list, got %T", data)
		}
		if list == nil {
			list = []any{}
		}
		s.Data = list
	case StructuredDict:
		m, ok := data.(map[string]any)
		if !ok && data != nil {
			return Schemaf("data", "dict result needs a mapping, got %T", data)
		}
		if m == nil {
			m = map[string]any{}
		}
		s.Data = m
	case StructuredTable:
		rows, ok := data.([]any)
		if !ok && data != nil {
			return Schemaf("data", "table result needs a list of rows, got %T", data)
		}
		table := make([][]any, len(rows))
		width := -1
		for i, r := range rows {
			row, ok := r.([]any)
			if !ok {
				return Schemaf(fmt.Sprintf("data[%d]", i), "table row is %T, not a list", r)
			}
			if width >= 0 && len(row) != width {
				return Schemaf(fmt.Sprintf("data[%d]", i), "row has %d cells, header has %d", len(row), width)
			}
			if i == 0 {
				width = len(row)
				for j, h := range row {
					if _, ok := h.(string); !ok {
						return Schemaf(fmt.Sprintf("data[0][%d]", j), "table header must be a string")
					}
				}
			}
			table[i] = row
		}
		s.Data = table
	default:
		return Schemaf("type", "unknown structured type %q", s.Type)
	}
	return nil
}

// Validate re-checks the tag against the payload.
func (s *StructuredResult) Validate() error {
	if s == nil {
		return Schemaf("", "structured result is nil")
	}
	return s.normalize()
}

// Equal compares tag, description and payload.
func (s *StructuredResult) Equal(o *StructuredResult) bool {
	if s == nil || o == nil {
		return s == nil && o == nil
	}
	return s.Type == o.Type && s.Description == o.Description && ValuesEqual(s.Data, o.Data)
}

// Clone returns a deep copy.
func (s *StructuredResult) Clone() *StructuredResult {
	if s == nil {
		return nil
	}
	out := &StructuredResult{Description: s.Description, Type: s.Type}
	switch d := s.Data.(type) {
	case []float64:
		out.Data = append([]float64(nil), d...)
	case [][]any:
		rows := make([][]any, len(d))
		for i, r := range d {
			rows[i], _ = cloneValue(r).([]any)
		}
		out.Data = rows
	default:
		out.Data = cloneValue(d)
	}
	return out
}
