// Package redis provides a prerender.Store backed by Redis. Each entry is a
// JSON document under "<prefix><key>" with no expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// DefaultPrefix namespaces cache keys when no prefix is configured.
const DefaultPrefix = "prerender:"

// Config captures the Redis connection and key layout.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type record struct {
	URL       string    `json:"url"`
	Payload   []byte    `json:"payload"`
	WrittenAt time.Time `json:"written_at"`
}

// Store implements prerender.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
	owned  bool
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	store := NewWithClient(client, cfg.Prefix)
	store.owned = true
	return store, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of it.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Get loads and decodes the entry for key.
func (s *Store) Get(ctx context.Context, key string) (prerender.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("redis get: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("%w: %v", prerender.ErrCorruptEntry, err)
	}
	if rec.WrittenAt.IsZero() {
		return prerender.CacheEntry{}, fmt.Errorf("%w: missing written_at", prerender.ErrCorruptEntry)
	}
	return prerender.CacheEntry{
		Key:       key,
		URL:       rec.URL,
		Payload:   rec.Payload,
		WrittenAt: rec.WrittenAt.UTC(),
	}, nil
}

// Put encodes and stores the entry without expiry.
func (s *Store) Put(ctx context.Context, entry prerender.CacheEntry) error {
	data, err := json.Marshal(record{URL: entry.URL, Payload: entry.Payload, WrittenAt: entry.WrittenAt.UTC()})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+entry.Key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
