// Package gcs provides a prerender.Store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

const (
	metadataURL       = "prerender-url"
	metadataWrittenAt = "prerender-written-at"
)

// Config captures the parameters required to address the cache bucket.
type Config struct {
	Bucket string
	Prefix string
}

// Store keeps one object per cache key in a bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Get reads the object for key. The write time comes from object metadata,
// falling back to the object's update time.
func (s *Store) Get(ctx context.Context, key string) (prerender.CacheEntry, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("object attrs: %w", err)
	}

	reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return prerender.CacheEntry{}, prerender.ErrCacheMiss
	}
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read-only close

	data, err := io.ReadAll(reader)
	if err != nil {
		return prerender.CacheEntry{}, fmt.Errorf("read object: %w", err)
	}

	writtenAt := attrs.Updated
	if raw, ok := attrs.Metadata[metadataWrittenAt]; ok {
		if parsed, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			writtenAt = parsed
		}
	}
	return prerender.CacheEntry{
		Key:       key,
		URL:       attrs.Metadata[metadataURL],
		Payload:   data,
		WrittenAt: writtenAt.UTC(),
	}, nil
}

// Put uploads the payload, replacing any previous object.
func (s *Store) Put(ctx context.Context, entry prerender.CacheEntry) error {
	if strings.TrimSpace(entry.Key) == "" {
		return errors.New("cache key is required")
	}
	writer := s.client.Bucket(s.bucket).Object(s.objectName(entry.Key)).NewWriter(ctx)
	writer.ContentType = prerender.ContentTypeHTML
	writer.Metadata = map[string]string{
		metadataURL:       entry.URL,
		metadataWrittenAt: entry.WrittenAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := writer.Write(entry.Payload); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
