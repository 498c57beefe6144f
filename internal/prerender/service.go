package prerender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/metrics"
	"github.com/JakeFAU/prerender-gateway/internal/selector"
)

const tracerName = "github.com/JakeFAU/prerender-gateway/internal/prerender"

// Config holds the cache policy the Service applies.
type Config struct {
	// TTL is the maximum age of a servable cache entry.
	TTL time.Duration
	// MinContentSize is the smallest payload, in bytes, that is written to the cache.
	MinContentSize int
	// EventsTopic receives a RenderEvent after each cache write. Empty disables events.
	EventsTopic string
}

// Service is the request orchestrator: it turns a target URL into a Response,
// serving from the cache when possible and rendering otherwise.
type Service struct {
	cfg       Config
	store     Store
	resolver  WaitResolver
	renderer  Renderer
	fallback  Fetcher
	publisher Publisher
	clock     Clock
	logger    *zap.Logger
	tracer    trace.Tracer
	flights   flightGroup
}

// NewService wires the orchestrator. resolver, fallback and publisher are optional.
func NewService(
	cfg Config,
	store Store,
	resolver WaitResolver,
	renderer Renderer,
	fallback Fetcher,
	publisher Publisher,
	clock Clock,
	logger *zap.Logger,
) (*Service, error) {
	if store == nil {
		return nil, errors.New("prerender: cache store is required")
	}
	if renderer == nil {
		return nil, errors.New("prerender: renderer is required")
	}
	if clock == nil {
		return nil, errors.New("prerender: clock is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("prerender: ttl must not be negative, got %s", cfg.TTL)
	}
	if cfg.MinContentSize < 0 {
		return nil, fmt.Errorf("prerender: min content size must not be negative, got %d", cfg.MinContentSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		renderer:  renderer,
		fallback:  fallback,
		publisher: publisher,
		clock:     clock,
		logger:    logger.Named("prerender"),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Handle serves one request for rawURL. It always produces a response; render
// and cache failures are reflected in the status and source, never returned.
func (s *Service) Handle(ctx context.Context, rawURL string) Response {
	ctx, span := s.tracer.Start(ctx, "prerender.Handle",
		trace.WithAttributes(attribute.String("prerender.url", rawURL)))
	defer span.End()

	s.logger.Info("request received", zap.String("url", rawURL))
	if !ValidURL(rawURL) {
		return s.finish(span, rawURL, Response{
			Status:      http.StatusNotFound,
			ContentType: ContentTypeText,
			Body:        "Invalid URL " + rawURL,
			Source:      SourceInvalid,
		})
	}

	key := CacheKey(rawURL)
	span.SetAttributes(attribute.String("prerender.key", key))
	lookup := s.Lookup(ctx, key)
	metrics.ObserveLookup(lookup.State.String())
	span.SetAttributes(attribute.String("prerender.lookup", lookup.State.String()))

	switch lookup.State {
	case LookupFresh:
		s.logger.Info("cache hit",
			zap.String("url", rawURL),
			zap.String("key", key),
			zap.Time("written_at", lookup.Entry.WrittenAt))
		return s.finish(span, rawURL, s.respond(key, SourceCache, lookup.Entry.Payload))
	case LookupUnreadable:
		s.logger.Warn("cache entry unreadable, rendering",
			zap.String("url", rawURL),
			zap.String("key", key),
			zap.Error(lookup.Err))
	default:
		s.logger.Info("cache miss",
			zap.String("url", rawURL),
			zap.String("key", key),
			zap.String("state", lookup.State.String()))
	}

	page, shared, err := s.flights.Do(ctx, key, func(flightCtx context.Context) (Page, error) {
		return s.renderAndStore(flightCtx, rawURL, key)
	})
	if shared {
		metrics.ObserveCoalesced()
		s.logger.Debug("joined in-flight render", zap.String("url", rawURL), zap.String("key", key))
	}
	if err == nil {
		return s.finish(span, rawURL, s.respond(key, SourceRender, []byte(page.HTML)))
	}

	if !errors.Is(err, ErrRenderFailed) {
		stage := StageNavigate
		if ctx.Err() != nil {
			stage = StageCanceled
		}
		err = &RenderFailure{Stage: stage, URL: rawURL, Err: err}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "render failed")
	return s.finish(span, rawURL, s.degrade(ctx, rawURL, key, lookup, err))
}

// Lookup reads key from the store and classifies it against the configured TTL.
func (s *Service) Lookup(ctx context.Context, key string) Lookup {
	entry, err := s.store.Get(ctx, key)
	return Classify(entry, err, s.clock.Now(), s.cfg.TTL)
}

// renderAndStore runs once per flight. The cache write is detached from the
// flight context so a completed render is persisted even if every waiter left.
func (s *Service) renderAndStore(ctx context.Context, rawURL, key string) (Page, error) {
	var decision selector.Decision
	if s.resolver != nil {
		decision = s.resolver.Resolve(rawURL)
	}
	s.logger.Debug("rendering",
		zap.String("url", rawURL),
		zap.String("wait_selector", decision.Selector),
		zap.String("rule", decision.Matcher))

	started := time.Now()
	page, err := s.renderer.Render(ctx, rawURL, decision.Selector)
	if err != nil {
		metrics.ObserveRender(rawURL, "failure", time.Since(started))
		s.logger.Warn("render failed",
			zap.String("url", rawURL),
			zap.String("stage", string(FailureStageOf(err))),
			zap.Error(err))
		return Page{}, err
	}
	if page.Duration == 0 {
		page.Duration = time.Since(started)
	}
	metrics.ObserveRender(rawURL, "success", page.Duration)

	s.maybeStore(context.WithoutCancel(ctx), rawURL, key, page, decision)
	return page, nil
}

// maybeStore applies the write policy: only non-debug payloads of at least
// MinContentSize bytes are persisted.
func (s *Service) maybeStore(ctx context.Context, rawURL, key string, page Page, decision selector.Decision) {
	payload := []byte(page.HTML)
	switch {
	case IsDebug(rawURL):
		metrics.ObserveCacheWrite("debug")
		s.logger.Debug("cache write skipped for debug url", zap.String("url", rawURL))
		return
	case len(payload) < s.cfg.MinContentSize:
		metrics.ObserveCacheWrite("too_small")
		s.logger.Info("cache write skipped, payload below minimum",
			zap.String("url", rawURL),
			zap.Int("bytes", len(payload)),
			zap.Int("min_content_size", s.cfg.MinContentSize))
		return
	}

	entry := CacheEntry{Key: key, URL: rawURL, Payload: payload, WrittenAt: s.clock.Now()}
	if err := s.store.Put(ctx, entry); err != nil {
		metrics.ObserveCacheWrite("failed")
		s.logger.Error("cache write failed", zap.String("url", rawURL), zap.String("key", key), zap.Error(err))
		return
	}
	metrics.ObserveCacheWrite("written")
	s.logger.Info("cache write", zap.String("url", rawURL), zap.String("key", key), zap.Int("bytes", len(payload)))
	s.publish(ctx, entry, page, decision)
}

func (s *Service) publish(ctx context.Context, entry CacheEntry, page Page, decision selector.Decision) {
	if s.publisher == nil || s.cfg.EventsTopic == "" {
		return
	}
	event := RenderEvent{
		URL:        entry.URL,
		Key:        entry.Key,
		Bytes:      len(entry.Payload),
		Selector:   decision.Selector,
		StatusCode: page.StatusCode,
		RenderedAt: entry.WrittenAt,
		DurationMs: page.Duration.Milliseconds(),
	}
	id, err := s.publisher.Publish(ctx, s.cfg.EventsTopic, event)
	if err != nil {
		metrics.ObserveEvent("failed")
		s.logger.Warn("render event publish failed", zap.String("url", entry.URL), zap.Error(err))
		return
	}
	metrics.ObserveEvent("published")
	s.logger.Debug("render event published", zap.String("url", entry.URL), zap.String("message_id", id))
}

// degrade picks the best response after a failed render: the stale entry,
// then the static fallback, then a bare 502.
func (s *Service) degrade(ctx context.Context, rawURL, key string, lookup Lookup, cause error) Response {
	if lookup.State == LookupStale && len(lookup.Entry.Payload) > 0 {
		s.logger.Warn("serving stale entry after render failure",
			zap.String("url", rawURL),
			zap.Time("written_at", lookup.Entry.WrittenAt),
			zap.Error(cause))
		return s.respond(key, SourceStale, lookup.Entry.Payload)
	}

	if s.fallback != nil && ctx.Err() == nil {
		page, err := s.fallback.Fetch(ctx, rawURL)
		if err == nil && Normalize(page.HTML) != "" {
			s.logger.Warn("serving static fallback after render failure",
				zap.String("url", rawURL),
				zap.Int("status_code", page.StatusCode),
				zap.Error(cause))
			return s.respond(key, SourceFallback, []byte(page.HTML))
		}
		s.logger.Warn("static fallback failed", zap.String("url", rawURL), zap.Error(err))
	}

	return Response{
		Status:      http.StatusBadGateway,
		ContentType: ContentTypeText,
		Body:        FailureBody,
		Source:      SourceError,
		Key:         key,
	}
}

func (s *Service) respond(key string, source Source, payload []byte) Response {
	return Response{
		Status:      http.StatusOK,
		ContentType: ContentTypeHTML,
		Body:        Normalize(string(payload)),
		Source:      source,
		Key:         key,
	}
}

func (s *Service) finish(span trace.Span, rawURL string, resp Response) Response {
	span.SetAttributes(
		attribute.String("prerender.source", string(resp.Source)),
		attribute.Int("http.status_code", resp.Status))
	metrics.ObserveRequest(string(resp.Source))
	metrics.ObserveBytesSent(rawURL, len(resp.Body))
	s.logger.Info("bytes sent",
		zap.String("url", rawURL),
		zap.Int("status", resp.Status),
		zap.String("source", string(resp.Source)),
		zap.Int("bytes", len(resp.Body)))
	return resp
}
