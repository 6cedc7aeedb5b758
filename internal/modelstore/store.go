package modelstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/udf"
	"github.com/Open-EO/openeo-udf/internal/util/jsonutil"
)

// ErrInvalidHash is returned for digests that are not 32 or 64 hex characters.
var ErrInvalidHash = errors.New("invalid model hash")

const (
	HashSHA256 = "sha256"
	HashMD5    = "md5"

	modelPrefix = "models/"
	metaPrefix  = "meta/"

	defaultCacheEntries = 128
)

var hashPattern = regexp.MustCompile(`^(?:[0-9a-f]{32}|[0-9a-f]{64})$`)

type Options struct {
	// Hash names the digest used by Put: "sha256" (default) or "md5".
	Hash string
	// CacheEntries bounds the read cache; negative disables it.
	CacheEntries int
	Metrics      *metrics.Metrics
}

// Info is the optional descriptive record kept next to a stored model.
type Info struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	Source      string    `json:"source,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Framework   string    `json:"framework,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is a content-addressed model store. It is safe for concurrent use.
type Store struct {
	backend Backend
	hash    udf.HashFunc
	cache   *lru.Cache[string, []byte]
	metrics *metrics.Metrics

	// epoch advances after every backend remove; reads started under an
	// older epoch do not populate the cache.
	epoch atomic.Uint64
}

func New(backend Backend, opts Options) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	s := &Store{backend: backend, metrics: opts.Metrics}
	switch strings.ToLower(strings.TrimSpace(opts.Hash)) {
	case "", HashSHA256:
		s.hash = udf.SHA256Hex
	case HashMD5:
		s.hash = udf.MD5Hex
	default:
		return nil, fmt.Errorf("unknown hash %q", opts.Hash)
	}
	size := opts.CacheEntries
	if size == 0 {
		size = defaultCacheEntries
	}
	if size > 0 {
		cache, err := lru.New[string, []byte](size)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Put stores blob and returns its digest. Storing identical bytes again keeps
// the existing object and returns the same digest.
func (s *Store) Put(ctx context.Context, blob []byte) (string, error) {
	hash, _, err := s.put(ctx, blob)
	s.metrics.ObserveStoreOp("put", err, nil)
	return hash, err
}

// PutWithInfo stores blob plus a descriptive sidecar. The first sidecar
// written for a digest wins.
func (s *Store) PutWithInfo(ctx context.Context, blob []byte, info Info) (string, error) {
	hash, err := s.putWithInfo(ctx, blob, info)
	s.metrics.ObserveStoreOp("put", err, nil)
	return hash, err
}

func (s *Store) putWithInfo(ctx context.Context, blob []byte, info Info) (string, error) {
	hash, _, err := s.put(ctx, blob)
	if err != nil {
		return "", err
	}
	info.Hash = hash
	info.Size = int64(len(blob))
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	raw, err := jsonutil.MarshalNoEscape(info)
	if err != nil {
		return "", fmt.Errorf("encode model info: %w", err)
	}
	if _, err := s.backend.Create(ctx, metaKey(hash), raw); err != nil {
		return "", fmt.Errorf("write model info: %w", err)
	}
	return hash, nil
}

func (s *Store) put(ctx context.Context, blob []byte) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	if blob == nil {
		blob = []byte{}
	}
	hash := s.hash(blob)
	epoch := s.epoch.Load()
	created, err := s.backend.Create(ctx, modelKey(hash), blob)
	if err != nil {
		return "", false, fmt.Errorf("store model %s: %w", hash, err)
	}
	s.remember(hash, blob, epoch)
	return hash, created, nil
}

// Get returns the bytes stored under hash or a *udf.NotFoundError.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	b, err := s.get(ctx, hash)
	s.metrics.ObserveStoreOp("get", err, udf.ErrNotFound)
	return b, err
}

// Resolve makes the store a udf.ModelResolver.
func (s *Store) Resolve(ctx context.Context, hash string) ([]byte, error) {
	return s.Get(ctx, hash)
}

func (s *Store) get(ctx context.Context, hash string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	hash, err := normalizeHash(hash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		raw, ok := s.cache.Get(hash)
		s.metrics.ObserveCache(ok)
		if ok {
			return append([]byte{}, raw...), nil
		}
	}
	epoch := s.epoch.Load()
	raw, err := s.backend.Read(ctx, modelKey(hash))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, &udf.NotFoundError{Hash: hash}
	}
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", hash, err)
	}
	s.remember(hash, raw, epoch)
	return append([]byte{}, raw...), nil
}

// Delete removes the object. It reports false for an unknown digest. After a
// successful delete, Get fails until the bytes are stored again.
func (s *Store) Delete(ctx context.Context, hash string) (bool, error) {
	ok, err := s.delete(ctx, hash)
	s.metrics.ObserveStoreOp("delete", err, nil)
	return ok, err
}

func (s *Store) delete(ctx context.Context, hash string) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("store is nil")
	}
	hash, err := normalizeHash(hash)
	if err != nil {
		return false, err
	}
	removed, err := s.backend.Remove(ctx, modelKey(hash))
	s.epoch.Add(1)
	if s.cache != nil {
		s.cache.Remove(hash)
	}
	if err != nil {
		return false, fmt.Errorf("delete model %s: %w", hash, err)
	}
	if _, err := s.backend.Remove(ctx, metaKey(hash)); err != nil {
		return removed, fmt.Errorf("delete model info %s: %w", hash, err)
	}
	return removed, nil
}

// Info returns the sidecar for hash. Models stored without one get a record
// carrying only the digest and size.
func (s *Store) Info(ctx context.Context, hash string) (Info, error) {
	info, err := s.info(ctx, hash)
	s.metrics.ObserveStoreOp("info", err, udf.ErrNotFound)
	return info, err
}

func (s *Store) info(ctx context.Context, hash string) (Info, error) {
	if s == nil {
		return Info{}, fmt.Errorf("store is nil")
	}
	hash, err := normalizeHash(hash)
	if err != nil {
		return Info{}, err
	}
	raw, err := s.backend.Read(ctx, metaKey(hash))
	switch {
	case err == nil:
		var info Info
		if err := json.Unmarshal(raw, &info); err != nil {
			return Info{}, fmt.Errorf("decode model info %s: %w", hash, err)
		}
		return info, nil
	case !errors.Is(err, ErrObjectNotFound):
		return Info{}, fmt.Errorf("read model info %s: %w", hash, err)
	}
	blob, err := s.get(ctx, hash)
	if err != nil {
		return Info{}, err
	}
	return Info{Hash: hash, Size: int64(len(blob))}, nil
}

// List returns the stored digests in lexical order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	keys, err := s.backend.List(ctx, modelPrefix)
	s.metrics.ObserveStoreOp("list", err, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, modelPrefix))
	}
	sort.Strings(out)
	return out, nil
}

// HashFunc is the digest used by Put.
func (s *Store) HashFunc() udf.HashFunc { return s.hash }

func (s *Store) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) remember(hash string, blob []byte, epoch uint64) {
	if s.cache == nil || s.epoch.Load() != epoch {
		return
	}
	s.cache.Add(hash, append([]byte{}, blob...))
	// A delete may have started between the check and the add.
	if s.epoch.Load() != epoch {
		s.cache.Remove(hash)
	}
}

func normalizeHash(hash string) (string, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return hash, nil
}

func modelKey(hash string) string { return modelPrefix + hash }

func metaKey(hash string) string { return metaPrefix + hash + ".json" }
