package prerender

import "time"

// Response content types and the body served when nothing could be rendered.
const (
	ContentTypeHTML = "text/html;charset=UTF-8"
	ContentTypeText = "text/plain"
	FailureBody     = "Error"
)

// CacheEntry is one persisted render.
type CacheEntry struct {
	Key       string
	URL       string
	Payload   []byte
	WrittenAt time.Time
}

// LookupState tags the outcome of a cache lookup.
type LookupState int

// Lookup states. Only LookupFresh is served as a cache hit.
const (
	LookupAbsent LookupState = iota
	LookupFresh
	LookupStale
	LookupUnreadable
)

func (s LookupState) String() string {
	switch s {
	case LookupFresh:
		return "fresh"
	case LookupStale:
		return "stale"
	case LookupUnreadable:
		return "unreadable"
	default:
		return "absent"
	}
}

// Lookup is the tagged result of consulting the cache store for a key.
// Entry is populated for fresh and stale lookups, Err for unreadable ones.
type Lookup struct {
	State LookupState
	Entry CacheEntry
	Err   error
}

// Page is a successfully rendered (or fetched) document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Duration   time.Duration
}

// Source describes where a response body came from.
type Source string

// Response sources, exposed to clients in the X-Prerender-Source header.
const (
	SourceCache    Source = "cache"
	SourceRender   Source = "render"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
	SourceError    Source = "error"
	SourceInvalid  Source = "invalid"
)

// Response is what Handle produces for the HTTP layer.
type Response struct {
	Status      int
	ContentType string
	Body        string
	Source      Source
	Key         string
}

// RenderEvent is published after a rendered page has been written to the cache.
type RenderEvent struct {
	URL        string    `json:"url"`
	Key        string    `json:"key"`
	Bytes      int       `json:"bytes"`
	Selector   string    `json:"selector,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	RenderedAt time.Time `json:"rendered_at"`
	DurationMs int64     `json:"duration_ms"`
}
