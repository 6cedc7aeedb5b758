package modelstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSBackend stores each key as a file under root. Creation writes a temp
// file and hard-links it into place, so a reader never sees a partial object
// and the first writer wins.
type FSBackend struct {
	root string
}

func NewFSBackend(root string) (*FSBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create model store root: %w", err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) Create(_ context.Context, key string, blob []byte) (bool, error) {
	fullPath, err := b.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fullPath); err == nil {
		return false, nil
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Link(tmpName, fullPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FSBackend) Read(_ context.Context, key string) ([]byte, error) {
	fullPath, err := b.pathFor(key)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrObjectNotFound
	}
	return raw, err
}

func (b *FSBackend) Remove(_ context.Context, key string) (bool, error) {
	fullPath, err := b.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FSBackend) List(_ context.Context, prefix string) ([]string, error) {
	if b == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	keys := make([]string, 0, 32)
	walkErr := filepath.WalkDir(b.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if walkErr != nil {
		if errors.Is(walkErr, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, walkErr
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FSBackend) Close() error { return nil }

func (b *FSBackend) pathFor(key string) (string, error) {
	if b == nil {
		return "", fmt.Errorf("backend is nil")
	}
	key, err := checkKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}
