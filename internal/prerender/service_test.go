package prerender

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/clock/manual"
	"github.com/JakeFAU/prerender-gateway/internal/selector"
)

var epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	svc       *Service
	store     *fakeStore
	renderer  *fakeRenderer
	clock     *manual.Clock
	fallback  *fakeFetcher
	publisher *fakePublisher
}

func newHarness(t *testing.T, html string, opts ...func(*harness, *Config)) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		renderer: &fakeRenderer{html: html},
		clock:    manual.New(epoch),
	}
	cfg := Config{TTL: 48 * time.Hour, MinContentSize: 1000}
	for _, opt := range opts {
		opt(h, &cfg)
	}
	var fallback Fetcher
	if h.fallback != nil {
		fallback = h.fallback
	}
	var publisher Publisher
	if h.publisher != nil {
		publisher = h.publisher
	}
	svc, err := NewService(cfg, h.store, nil, h.renderer, fallback, publisher, h.clock, zap.NewNop())
	require.NoError(t, err)
	h.svc = svc
	return h
}

func TestHandleRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "example.com", "ftp://files.example.com/a"} {
		t.Run(fmt.Sprintf("url=%q", raw), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, htmlOfSize(1500))

			resp := h.svc.Handle(context.Background(), raw)

			assert.Equal(t, http.StatusNotFound, resp.Status)
			assert.Equal(t, ContentTypeText, resp.ContentType)
			assert.Equal(t, "Invalid URL "+raw, resp.Body)
			assert.Equal(t, SourceInvalid, resp.Source)
			gets, puts := h.store.counts()
			assert.Zero(t, gets)
			assert.Zero(t, puts)
			assert.Zero(t, h.renderer.callCount())
		})
	}
}

func TestHandleServesSecondRequestFromCache(t *testing.T) {
	t.Parallel()

	html := htmlOfSize(1500)
	h := newHarness(t, html)
	const target = "https://example.com/products"

	first := h.svc.Handle(context.Background(), target)
	h.clock.Advance(time.Hour)
	second := h.svc.Handle(context.Background(), target)

	assert.Equal(t, 1, h.renderer.callCount())
	assert.Equal(t, SourceRender, first.Source)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, Normalize(html), second.Body)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Equal(t, ContentTypeHTML, second.ContentType)
	assert.NotContains(t, second.Body, "\n")
}

func TestHandleEndToEndEmptyCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500))
	const target = "https://example.com"

	resp := h.svc.Handle(context.Background(), target)

	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.renderer.callCount())
	assert.Equal(t, "", h.renderer.lastSelector())
	entry, ok := h.store.entry(CacheKey(target))
	require.True(t, ok)
	assert.Len(t, entry.Payload, 1500)
	assert.Equal(t, target, entry.URL)
	assert.Equal(t, epoch, entry.WrittenAt)
	assert.Equal(t, CacheKey(target), resp.Key)
}

func TestHandleSkipsShortPayload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "<html></html>")
	const target = "https://example.com/tiny"

	h.svc.Handle(context.Background(), target)
	resp := h.svc.Handle(context.Background(), target)

	assert.Equal(t, SourceRender, resp.Source)
	assert.Equal(t, "<html></html>", resp.Body)
	assert.Equal(t, 2, h.renderer.callCount())
	_, puts := h.store.counts()
	assert.Zero(t, puts)
}

func TestHandleMinContentSizeBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1000))
	h.svc.Handle(context.Background(), "https://example.com/exact")

	_, puts := h.store.counts()
	assert.Equal(t, 1, puts)
}

func TestHandleNeverCachesDebugURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(5000))
	const target = "https://example.com/page?mode=debug"

	h.svc.Handle(context.Background(), target)
	resp := h.svc.Handle(context.Background(), target)

	assert.Equal(t, SourceRender, resp.Source)
	assert.Equal(t, 2, h.renderer.callCount())
	_, puts := h.store.counts()
	assert.Zero(t, puts)
}

func TestHandleRerendersStaleEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500))
	const target = "https://example.com/news"

	h.svc.Handle(context.Background(), target)
	h.clock.Advance(24 * time.Hour)
	assert.Equal(t, SourceCache, h.svc.Handle(context.Background(), target).Source)

	h.clock.Advance(48 * time.Hour)
	resp := h.svc.Handle(context.Background(), target)
	assert.Equal(t, SourceRender, resp.Source)
	assert.Equal(t, 2, h.renderer.callCount())

	entry, ok := h.store.entry(CacheKey(target))
	require.True(t, ok)
	assert.Equal(t, epoch.Add(72*time.Hour), entry.WrittenAt)
}

func TestHandleRenderFailureIsNeverCached(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.renderer.err = &RenderFailure{Stage: StageWait, URL: "https://example.com/", Err: context.DeadlineExceeded}

	resp := h.svc.Handle(context.Background(), "https://example.com/")

	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, ContentTypeText, resp.ContentType)
	assert.Equal(t, FailureBody, resp.Body)
	assert.Equal(t, SourceError, resp.Source)
	_, puts := h.store.counts()
	assert.Zero(t, puts)
}

func TestHandleWrapsUntypedRendererErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.renderer.err = errBoom

	resp := h.svc.Handle(context.Background(), "https://example.com/")
	assert.Equal(t, http.StatusBadGateway, resp.Status)
}

func TestHandleServesStaleEntryWhenRenderFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	const target = "https://example.com/pricing"
	stale := "\n<html><body>yesterday</body></html>\r\n"
	h.store.entries[CacheKey(target)] = CacheEntry{
		Key:       CacheKey(target),
		URL:       target,
		Payload:   []byte(stale),
		WrittenAt: epoch.Add(-72 * time.Hour),
	}
	h.renderer.err = &RenderFailure{Stage: StageNavigate, URL: target, Err: errBoom}

	resp := h.svc.Handle(context.Background(), target)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceStale, resp.Source)
	assert.Equal(t, "<html><body>yesterday</body></html>", resp.Body)
	assert.Equal(t, 1, h.renderer.callCount())
}

func TestHandleFallsBackToStaticFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", func(h *harness, _ *Config) {
		h.fallback = &fakeFetcher{html: "<html>\n<body>static</body>\n</html>"}
	})
	h.renderer.err = &RenderFailure{Stage: StageLaunch, URL: "https://example.com/", Err: errBoom}

	resp := h.svc.Handle(context.Background(), "https://example.com/")

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, "<html><body>static</body></html>", resp.Body)
	assert.Equal(t, 1, h.fallback.calls)
	_, puts := h.store.counts()
	assert.Zero(t, puts)
}

func TestHandleFallbackFailureReturnsError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", func(h *harness, _ *Config) {
		h.fallback = &fakeFetcher{err: errBoom}
	})
	h.renderer.err = &RenderFailure{Stage: StageLaunch, URL: "https://example.com/", Err: errBoom}

	resp := h.svc.Handle(context.Background(), "https://example.com/")
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, SourceError, resp.Source)
}

func TestHandleRerendersUnreadableEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(2000))
	h.store.getErr = fmt.Errorf("decode entry: %w", ErrCorruptEntry)

	resp := h.svc.Handle(context.Background(), "https://example.com/broken")

	assert.Equal(t, SourceRender, resp.Source)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 1, h.renderer.callCount())
	_, puts := h.store.counts()
	assert.Equal(t, 1, puts)
}

func TestHandleServesPageWhenCacheWriteFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500))
	h.store.putErr = errBoom

	resp := h.svc.Handle(context.Background(), "https://example.com/")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceRender, resp.Source)
}

func TestHandleUsesResolvedSelector(t *testing.T) {
	t.Parallel()

	ready, fallback := "#ready", "#default"
	resolver, err := selector.New([]selector.Rule{
		{URL: "/^/blog//", WaitForSelector: &ready},
		{URL: "*", WaitForSelector: &fallback},
	})
	require.NoError(t, err)

	store := newFakeStore()
	renderer := &fakeRenderer{html: htmlOfSize(1200)}
	svc, err := NewService(Config{TTL: time.Hour, MinContentSize: 1000}, store, resolver, renderer, nil, nil,
		manual.New(epoch), zap.NewNop())
	require.NoError(t, err)

	svc.Handle(context.Background(), "https://site/blog/post-1")
	assert.Equal(t, "#ready", renderer.lastSelector())
	svc.Handle(context.Background(), "https://site/about")
	assert.Equal(t, "#default", renderer.lastSelector())
}

func TestHandlePublishesRenderEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500), func(h *harness, cfg *Config) {
		h.publisher = &fakePublisher{}
		cfg.EventsTopic = "prerender-events"
	})
	const target = "https://example.com/launch"

	h.svc.Handle(context.Background(), target)
	h.svc.Handle(context.Background(), target)

	require.Len(t, h.publisher.payloads, 1)
	assert.Equal(t, "prerender-events", h.publisher.topics[0])
	event, ok := h.publisher.payloads[0].(RenderEvent)
	require.True(t, ok)
	assert.Equal(t, target, event.URL)
	assert.Equal(t, CacheKey(target), event.Key)
	assert.Equal(t, 1500, event.Bytes)
	assert.Equal(t, epoch, event.RenderedAt)
}

func TestHandlePublishFailureDoesNotAffectResponse(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500), func(h *harness, cfg *Config) {
		h.publisher = &fakePublisher{err: errBoom}
		cfg.EventsTopic = "prerender-events"
	})

	resp := h.svc.Handle(context.Background(), "https://example.com/")
	assert.Equal(t, http.StatusOK, resp.Status)
	_, puts := h.store.counts()
	assert.Equal(t, 1, puts)
}

func TestHandleCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500))
	h.renderer.release = make(chan struct{})
	const target = "https://example.com/hot"
	const callers = 5

	var wg sync.WaitGroup
	responses := make([]Response, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = h.svc.Handle(context.Background(), target)
		}(i)
	}

	require.Eventually(t, func() bool {
		return waitersFor(h.svc, CacheKey(target)) == callers
	}, 2*time.Second, 5*time.Millisecond)
	close(h.renderer.release)
	wg.Wait()

	assert.Equal(t, 1, h.renderer.callCount())
	_, puts := h.store.counts()
	assert.Equal(t, 1, puts)
	for _, resp := range responses {
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, SourceRender, resp.Source)
	}
}

func TestHandleCancelledRequestAbortsRender(t *testing.T) {
	t.Parallel()

	h := newHarness(t, htmlOfSize(1500))
	h.renderer.release = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Response, 1)
	go func() { done <- h.svc.Handle(ctx, "https://example.com/slow") }()

	require.Eventually(t, func() bool { return h.renderer.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	resp := <-done
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	require.Eventually(t, func() bool { return h.svc.flights.inFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, puts := h.store.counts()
	assert.Zero(t, puts)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	_, err := NewService(Config{}, nil, nil, &fakeRenderer{}, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = NewService(Config{}, newFakeStore(), nil, nil, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = NewService(Config{}, newFakeStore(), nil, &fakeRenderer{}, nil, nil, nil, nil)
	require.Error(t, err)
	_, err = NewService(Config{TTL: -time.Second}, newFakeStore(), nil, &fakeRenderer{}, nil, nil, clk, nil)
	require.Error(t, err)
	svc, err := NewService(Config{TTL: time.Hour}, newFakeStore(), nil, &fakeRenderer{}, nil, nil, clk, nil)
	require.NoError(t, err)
	require.NotNil(t, svc)
}

func waitersFor(s *Service, key string) int {
	s.flights.mu.Lock()
	defer s.flights.mu.Unlock()
	if c, ok := s.flights.calls[key]; ok {
		return c.waiters
	}
	return 0
}
