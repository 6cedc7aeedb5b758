package modelstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces every key, e.g. "udf:".
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisBackend stores objects as plain string values. SETNX gives
// create-if-absent without a transaction.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBackend{client: client, prefix: cfg.KeyPrefix}, nil
}

func (b *RedisBackend) Create(ctx context.Context, key string, blob []byte) (bool, error) {
	k, err := b.key(key)
	if err != nil {
		return false, err
	}
	if blob == nil {
		blob = []byte{}
	}
	return b.client.SetNX(ctx, k, blob, 0).Result()
}

func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	k, err := b.key(key)
	if err != nil {
		return nil, err
	}
	raw, err := b.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrObjectNotFound
	}
	return raw, err
}

func (b *RedisBackend) Remove(ctx context.Context, key string) (bool, error) {
	k, err := b.key(key)
	if err != nil {
		return false, err
	}
	n, err := b.client.Del(ctx, k).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	match := b.prefix + prefix + "*"
	keys := make([]string, 0, 32)
	var cursor uint64
	for {
		batch, next, err := b.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, b.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBackend) key(key string) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("backend is nil")
	}
	key, err := checkKey(key)
	if err != nil {
		return "", err
	}
	return b.prefix + key, nil
}
