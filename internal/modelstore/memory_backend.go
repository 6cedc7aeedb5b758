package modelstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string][]byte),
	}
}

func (b *MemoryBackend) Create(_ context.Context, key string, blob []byte) (bool, error) {
	if b == nil {
		return false, fmt.Errorf("backend is nil")
	}
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return false, nil
	}
	b.data[key] = append([]byte{}, blob...)
	return true, nil
}

func (b *MemoryBackend) Read(_ context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	key, err := checkKey(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	raw, ok := b.data[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte{}, raw...), nil
}

func (b *MemoryBackend) Remove(_ context.Context, key string) (bool, error) {
	if b == nil {
		return false, fmt.Errorf("backend is nil")
	}
	key, err := checkKey(key)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return false, nil
	}
	delete(b.data, key)
	return true, nil
}

func (b *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	if b == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, 16)
	for key := range b.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) Close() error { return nil }
