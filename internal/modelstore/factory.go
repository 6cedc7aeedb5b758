package modelstore

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/Open-EO/openeo-udf/internal/metrics"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory   = "memory"
	BackendFS       = "fs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
	BackendRedis    = "redis"
)

type Config struct {
	Backend      string      `yaml:"backend"`
	Root         string      `yaml:"root"`
	SQLitePath   string      `yaml:"sqlite_path"`
	PostgresDSN  string      `yaml:"postgres_dsn"`
	S3           S3Config    `yaml:"s3"`
	Redis        RedisConfig `yaml:"redis"`
	Hash         string      `yaml:"hash"`
	CacheEntries int         `yaml:"cache_entries"`
}

// NewBackend builds the backend named by cfg.Backend. An empty name picks
// the filesystem when a root is configured and memory otherwise.
func NewBackend(cfg Config) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if name == "" {
		name = BackendMemory
		if strings.TrimSpace(cfg.Root) != "" {
			name = BackendFS
		}
	}
	switch name {
	case BackendMemory:
		log.Printf("model store: in-memory")
		return NewMemoryBackend(), nil
	case BackendFS:
		b, err := NewFSBackend(cfg.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize fs model store: %w", err)
		}
		log.Printf("model store: fs root=%s", cfg.Root)
		return b, nil
	case BackendSQLite:
		path := strings.TrimSpace(cfg.SQLitePath)
		if path == "" && strings.TrimSpace(cfg.Root) != "" {
			path = filepath.Join(cfg.Root, "models.db")
		}
		b, err := NewSQLiteBackend(path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite model store: %w", err)
		}
		log.Printf("model store: sqlite path=%s", path)
		return b, nil
	case BackendPostgres:
		b, err := NewPostgresBackend(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres model store: %w", err)
		}
		log.Printf("model store: postgres")
		return b, nil
	case BackendS3:
		b, err := NewS3Backend(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 model store: %w", err)
		}
		log.Printf("model store: s3 bucket=%s endpoint=%s", cfg.S3.Bucket, cfg.S3.Endpoint)
		return b, nil
	case BackendRedis:
		b, err := NewRedisBackend(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis model store: %w", err)
		}
		log.Printf("model store: redis addr=%s db=%d", cfg.Redis.Address, cfg.Redis.DB)
		return b, nil
	}
	return nil, fmt.Errorf("unknown model store backend %q", cfg.Backend)
}

// Open builds the configured backend and wraps it in a Store.
func Open(cfg Config, m *metrics.Metrics) (*Store, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(backend, Options{Hash: cfg.Hash, CacheEntries: cfg.CacheEntries, Metrics: m})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}
