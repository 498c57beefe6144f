package prerender

import (
	"context"
	"time"

	"github.com/JakeFAU/prerender-gateway/internal/selector"
)

// Store persists rendered pages keyed by cache key.
// Get returns ErrCacheMiss when no entry exists for the key.
type Store interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// Renderer drives a browser through navigation and the readiness wait.
// An empty waitSelector means the page is ready once navigation completes.
type Renderer interface {
	Render(ctx context.Context, rawURL string, waitSelector string) (Page, error)
}

// Fetcher retrieves the server-side HTML of a URL without executing script.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Publisher pushes render notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// WaitResolver picks the readiness condition for a URL.
type WaitResolver interface {
	Resolve(rawURL string) selector.Decision
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
