package udf

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashFunc computes the content address of a blob as lowercase hex.
type HashFunc func([]byte) string

// SHA256Hex is the default content address.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MD5Hex matches the md5_hash addresses written by older producers.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// HashFor picks the digest matching the length of an existing hex hash.
func HashFor(hash string) (HashFunc, bool) {
	switch len(hash) {
	case 2 * sha256.Size:
		return SHA256Hex, true
	case 2 * md5.Size:
		return MD5Hex, true
	}
	return nil, false
}

// ModelResolver fetches model bytes by content hash.
type ModelResolver interface {
	Resolve(ctx context.Context, hash string) ([]byte, error)
}

// FileResolver reads model bytes referenced by a local path.
type FileResolver interface {
	ReadFile(path string) ([]byte, error)
}

// MLModel is a handle to a serialized model. The bytes come from the inline
// blob, a path or the model store, in that order, and are only fetched on Load.
type MLModel struct {
	ID          string
	Framework   string
	Name        string
	Description string
	Path        string
	ContentHash string
	Extra       map[string]any

	blob   []byte
	models ModelResolver
	files  FileResolver
}

// NewInlineModel wraps blob and derives its content hash.
func NewInlineModel(id string, blob []byte, hash HashFunc) *MLModel {
	if hash == nil {
		hash = SHA256Hex
	}
	return &MLModel{ID: strings.TrimSpace(id), ContentHash: hash(blob), blob: append([]byte{}, blob...)}
}

// Blob returns the inline bytes, or nil when the handle is by reference.
func (m *MLModel) Blob() []byte { return m.blob }

// HasBlob reports whether the handle carries its bytes inline.
func (m *MLModel) HasBlob() bool { return m.blob != nil }

// SetBlob attaches inline bytes. A non-empty ContentHash must match them.
func (m *MLModel) SetBlob(blob []byte) error {
	if m.ContentHash != "" {
		hash, ok := HashFor(m.ContentHash)
		if !ok {
			return Schemaf("content_hash", "unrecognized hash %q", m.ContentHash)
		}
		if got := hash(blob); !strings.EqualFold(got, m.ContentHash) {
			return Schemaf("content_hash", "blob hashes to %s, handle says %s", got, m.ContentHash)
		}
	}
	m.blob = append([]byte{}, blob...)
	return nil
}

// Bind attaches the resolvers used by Load.
func (m *MLModel) Bind(models ModelResolver, files FileResolver) {
	m.models = models
	m.files = files
}

// Load materializes the model bytes.
func (m *MLModel) Load(ctx context.Context) ([]byte, error) {
	switch {
	case m.blob != nil:
		return append([]byte(nil), m.blob...), nil
	case m.Path != "" && m.files != nil:
		b, err := m.files.ReadFile(m.Path)
		if err != nil {
			return nil, fmt.Errorf("read model %s: %w", m.Path, err)
		}
		return b, nil
	case m.ContentHash != "":
		if m.models == nil {
			return nil, &NotFoundError{Hash: m.ContentHash}
		}
		return m.models.Resolve(ctx, m.ContentHash)
	}
	return nil, fmt.Errorf("model %s has no blob, path or content hash", m.ID)
}

// SameModel reports whether two handles address the same bytes.
func (m *MLModel) SameModel(o *MLModel) bool {
	if m == nil || o == nil || m.ContentHash == "" {
		return false
	}
	return strings.EqualFold(m.ContentHash, o.ContentHash)
}

// Validate checks that the handle can be resolved somehow.
func (m *MLModel) Validate() error {
	if m == nil {
		return Schemaf("", "model is nil")
	}
	if m.ID == "" {
		return Schemaf("id", "model id is required")
	}
	if m.blob == nil && m.Path == "" && m.ContentHash == "" {
		return Schemaf("", "model %s needs a blob, path or content hash", m.ID)
	}
	if m.ContentHash != "" {
		if _, ok := HashFor(m.ContentHash); !ok {
			return Schemaf("content_hash", "unrecognized hash %q", m.ContentHash)
		}
	}
	return nil
}

// Equal compares the handle fields and inline bytes; resolvers are ignored.
func (m *MLModel) Equal(o *MLModel) bool {
	if m == nil || o == nil {
		return m == nil && o == nil
	}
	return m.ID == o.ID && m.Framework == o.Framework && m.Name == o.Name &&
		m.Description == o.Description && m.Path == o.Path &&
		strings.EqualFold(m.ContentHash, o.ContentHash) &&
		(m.blob == nil) == (o.blob == nil) && bytes.Equal(m.blob, o.blob) &&
		mapsEqual(m.Extra, o.Extra)
}

// Clone returns a deep copy sharing the resolvers.
func (m *MLModel) Clone() *MLModel {
	if m == nil {
		return nil
	}
	c := *m
	c.Extra = cloneMap(m.Extra)
	if m.blob != nil {
		c.blob = append([]byte{}, m.blob...)
	}
	return &c
}
