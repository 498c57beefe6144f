// Package postgres provides a prerender.Store backed by a Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// DefaultTable is used when no table is configured.
const DefaultTable = "prerender_cache"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for cache rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store reads and upserts cache rows.
type Store struct {
	pool  pool
	table string
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("cache.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the cache table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	cache_key  TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	written_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create cache table: %w", err)
	}
	return nil
}

// Get loads the row for key.
func (s *Store) Get(ctx context.Context, key string) (prerender.CacheEntry, error) {
	query := fmt.Sprintf(`SELECT url, payload, written_at FROM %s WHERE cache_key = $1`, s.table)
	entry := prerender.CacheEntry{Key: key}
	err := s.pool.QueryRow(ctx, query, key).Scan(&entry.URL, &entry.Payload, &entry.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("select cache row: %w", err)
	}
	entry.WrittenAt = entry.WrittenAt.UTC()
	return entry, nil
}

// Put upserts the row for entry.Key.
func (s *Store) Put(ctx context.Context, entry prerender.CacheEntry) error {
	query := fmt.Sprintf(`
INSERT INTO %s (cache_key, url, payload, written_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (cache_key) DO UPDATE SET
	url = EXCLUDED.url,
	payload = EXCLUDED.payload,
	written_at = EXCLUDED.written_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, entry.Key, entry.URL, entry.Payload, entry.WrittenAt.UTC()); err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
