package udf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every NotFoundError via errors.Is.
var ErrNotFound = errors.New("model not found")

// SchemaError reports a payload or entity that violates the data model.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e == nil {
		return "schema error"
	}
	if strings.TrimSpace(e.Path) == "" {
		return "schema error: " + e.Reason
	}
	return fmt.Sprintf("schema error at %s: %s", e.Path, e.Reason)
}

// Schemaf builds a SchemaError for path.
func Schemaf(path, format string, args ...any) *SchemaError {
	return &SchemaError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// IsSchemaError reports whether err wraps a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// NotFoundError is returned when a content hash is absent from the model store.
type NotFoundError struct {
	Hash string
}

func (e *NotFoundError) Error() string {
	if e == nil || e.Hash == "" {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("model %s not found", e.Hash)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// prefixPath re-roots a SchemaError under prefix; other errors pass through.
func prefixPath(prefix string, err error) error {
	var se *SchemaError
	if !errors.As(err, &se) {
		return err
	}
	p := prefix
	if se.Path != "" {
		if strings.HasPrefix(se.Path, "[") {
			p += se.Path
		} else {
			p += "." + se.Path
		}
	}
	return &SchemaError{Path: p, Reason: se.Reason}
}
