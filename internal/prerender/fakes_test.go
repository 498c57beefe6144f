package prerender

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	getErr  error
	putErr  error
	gets    int
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]CacheEntry)}
}

func (s *fakeStore) Get(_ context.Context, key string) (CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return CacheEntry{}, s.getErr
	}
	entry, ok := s.entries[key]
	if !ok {
		return CacheEntry{}, ErrCacheMiss
	}
	return entry, nil
}

func (s *fakeStore) Put(_ context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.entries[entry.Key] = entry
	return nil
}

func (s *fakeStore) counts() (gets, puts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.puts
}

func (s *fakeStore) entry(key string) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	return entry, ok
}

type fakeRenderer struct {
	mu        sync.Mutex
	html      string
	err       error
	calls     int
	selectors []string
	release   chan struct{}
}

func (r *fakeRenderer) Render(ctx context.Context, rawURL string, waitSelector string) (Page, error) {
	r.mu.Lock()
	r.calls++
	r.selectors = append(r.selectors, waitSelector)
	release := r.release
	r.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return Page{}, &RenderFailure{Stage: StageCanceled, URL: rawURL, Err: ctx.Err()}
		}
	}
	if r.err != nil {
		return Page{}, r.err
	}
	return Page{URL: rawURL, FinalURL: rawURL, StatusCode: 200, HTML: r.html}, nil
}

func (r *fakeRenderer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *fakeRenderer) lastSelector() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.selectors) == 0 {
		return ""
	}
	return r.selectors[len(r.selectors)-1]
}

type fakeFetcher struct {
	html  string
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (Page, error) {
	f.calls++
	if f.err != nil {
		return Page{}, f.err
	}
	return Page{URL: rawURL, StatusCode: 200, HTML: f.html}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return "fake-1", nil
}

var errBoom = errors.New("boom")

// htmlOfSize builds a document of exactly n bytes containing line breaks.
func htmlOfSize(n int) string {
	const head = "<!DOCTYPE html>\n<html><body>\r\n"
	const tail = "\n</body></html>"
	if n < len(head)+len(tail) {
		return strings.Repeat("x", n)
	}
	return head + strings.Repeat("a", n-len(head)-len(tail)) + tail
}
