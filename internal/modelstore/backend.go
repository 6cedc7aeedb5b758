package modelstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned by backends for an absent key.
var ErrObjectNotFound = errors.New("object not found")

// Backend persists opaque objects under slash-separated keys.
//
// Create must be atomic with respect to concurrent calls for the same key:
// exactly one caller observes created=true and the stored bytes are never a
// mix of two writers.
type Backend interface {
	Create(ctx context.Context, key string, blob []byte) (created bool, err error)
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) (removed bool, err error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// checkKey rejects keys that could escape a backend namespace.
func checkKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	return key, nil
}
