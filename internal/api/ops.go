package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	eventsmemory "github.com/JakeFAU/prerender-gateway/internal/events/memory"
	"github.com/JakeFAU/prerender-gateway/internal/metrics"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// EventLog exposes recently published render events.
type EventLog interface {
	Messages() []eventsmemory.PublishedMessage
}

// OpsConfig lists what the ops router reports on. Both fields are optional.
type OpsConfig struct {
	Checks map[string]ReadinessCheck
	Events EventLog
}

// NewOpsHandler builds the operator router: probes, Prometheus scraping and,
// when an in-memory event log is in use, the most recent render events.
func NewOpsHandler(cfg OpsConfig, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ops")

	r := chi.NewRouter()
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyz(cfg.Checks, logger))
	r.Handle("/metrics", metrics.Handler())
	if cfg.Events != nil {
		r.Get("/events/recent", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"events": cfg.Events.Messages()})
		})
	}
	return r
}

func readyz(checks map[string]ReadinessCheck, logger *zap.Logger) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		failures := map[string]string{}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				failures[name] = err.Error()
			}
		}
		if len(failures) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"errors": failures,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
