// Package headless renders pages in an isolated headless Chrome per call.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/prerender-gateway/internal/metrics"
	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// DefaultTimeout bounds a render when Config.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// serializeScript returns the doctype followed by the root element markup.
const serializeScript = `(() => {
	const dt = document.doctype ? new XMLSerializer().serializeToString(document.doctype) : "";
	return dt + document.documentElement.outerHTML;
})()`

// Config controls the behavior of the renderer.
type Config struct {
	// MaxParallel caps concurrently running browsers. Zero means unlimited.
	MaxParallel int
	// Timeout is the deadline for launch, navigation, wait and serialization together.
	Timeout   time.Duration
	UserAgent string
	// DomainQPS limits renders per host per second. Zero disables the budget.
	DomainQPS  float64
	ChromePath string
}

// Renderer implements prerender.Renderer with chromedp. Browsers are never
// shared: every Render launches its own and tears it down before returning.
type Renderer struct {
	cfg            Config
	limiter        chan struct{}
	domainLimiters sync.Map
	logger         *zap.Logger
	tracer         trace.Tracer
}

// New creates a chromedp renderer.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.DomainQPS < 0 {
		return nil, errors.New("domain qps must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Renderer{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.Named("renderer"),
		tracer:  otel.Tracer("github.com/JakeFAU/prerender-gateway/internal/render/headless"),
	}, nil
}

// Render navigates to rawURL, waits for waitSelector when it is non-empty and
// serializes the DOM. Every failure is a *prerender.RenderFailure.
func (r *Renderer) Render(ctx context.Context, rawURL string, waitSelector string) (prerender.Page, error) {
	ctx, span := r.tracer.Start(ctx, "headless.Render", trace.WithAttributes(
		attribute.String("prerender.url", rawURL),
		attribute.String("prerender.wait_selector", waitSelector)))
	defer span.End()

	release, err := r.acquire(ctx)
	if err != nil {
		return prerender.Page{}, r.failure(ctx, ctx, rawURL, prerender.StageLaunch, err)
	}
	defer release()

	if err := r.waitDomainBudget(ctx, rawURL); err != nil {
		return prerender.Page{}, r.failure(ctx, ctx, rawURL, prerender.StageLaunch, err)
	}

	renderCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var (
		page  prerender.Page
		stage = prerender.StageLaunch
	)
	start := time.Now()
	err = r.withBrowser(renderCtx, func(browserCtx context.Context) error {
		meta := newResponseMeta()
		chromedp.ListenTarget(browserCtx, meta.captureEvent)

		stage = prerender.StageNavigate
		if err := chromedp.Run(browserCtx, r.networkSetupAction(), chromedp.Navigate(rawURL)); err != nil {
			return err
		}
		if waitSelector != "" {
			stage = prerender.StageWait
			if err := chromedp.Run(browserCtx, chromedp.WaitReady(waitSelector, chromedp.ByQuery)); err != nil {
				return err
			}
		}
		stage = prerender.StageSerialize
		var html, location string
		if err := chromedp.Run(browserCtx,
			chromedp.Location(&location),
			chromedp.Evaluate(serializeScript, &html),
		); err != nil {
			return err
		}
		status, finalURL := meta.snapshotWithFallbacks(rawURL, location)
		page = prerender.Page{
			URL:        rawURL,
			FinalURL:   finalURL,
			StatusCode: status,
			HTML:       html,
			Duration:   time.Since(start),
		}
		return nil
	})
	if err != nil {
		failure := r.failure(ctx, renderCtx, rawURL, stage, err)
		span.RecordError(failure)
		return prerender.Page{}, failure
	}

	span.SetAttributes(attribute.Int("http.status_code", page.StatusCode), attribute.Int("prerender.bytes", len(page.HTML)))
	r.logger.Debug("page rendered",
		zap.String("url", rawURL),
		zap.String("final_url", page.FinalURL),
		zap.Int("status_code", page.StatusCode),
		zap.Int("bytes", len(page.HTML)),
		zap.Duration("duration", page.Duration))
	return page, nil
}

// withBrowser launches a dedicated browser for the duration of use and
// guarantees it is torn down on every exit path.
func (r *Renderer) withBrowser(ctx context.Context, use func(context.Context) error) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	defer func() {
		if err := chromedp.Cancel(browserCtx); err != nil && ctx.Err() == nil {
			r.logger.Debug("browser close failed", zap.Error(err))
		}
	}()

	metrics.IncActiveRenders()
	defer metrics.DecActiveRenders()

	if err := chromedp.Run(browserCtx); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	return use(browserCtx)
}

func (r *Renderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.NoSandbox,
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.Flag("no-zygote", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if r.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.cfg.ChromePath))
	}
	return opts
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// failure builds the typed failure. Expiry of the render deadline and
// cancellation by the caller take precedence over the stage that was running.
func (r *Renderer) failure(parent, renderCtx context.Context, rawURL string, stage prerender.FailureStage, err error) *prerender.RenderFailure {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		stage = prerender.StageCanceled
	case parent.Err() != nil, errors.Is(renderCtx.Err(), context.DeadlineExceeded):
		stage = prerender.StageDeadline
	}
	return &prerender.RenderFailure{Stage: stage, URL: rawURL, Err: err}
}

func (r *Renderer) acquire(ctx context.Context) (func(), error) {
	if r.limiter == nil {
		return func() {}, nil
	}
	select {
	case r.limiter <- struct{}{}:
		return func() { <-r.limiter }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait render budget: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}
