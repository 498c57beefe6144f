package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/prerender-gateway/internal/metrics"
	"github.com/JakeFAU/prerender-gateway/internal/prerender"
)

// Response headers describing how a page was produced.
const (
	HeaderSource    = "X-Prerender-Source"
	HeaderKey       = "X-Prerender-Key"
	HeaderRequestID = "X-Request-ID"
)

// Prerenderer turns a target URL into a response.
type Prerenderer interface {
	Handle(ctx context.Context, rawURL string) prerender.Response
}

// Server wires the public prerender route to the orchestrator.
type Server struct {
	router chi.Router
	svc    Prerenderer
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Prerenderer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/*", s.prerender)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) prerender(w http.ResponseWriter, r *http.Request) {
	resp := s.svc.Handle(r.Context(), r.URL.Query().Get("url"))

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	if resp.Source != "" {
		h.Set(HeaderSource, string(resp.Source))
	}
	if resp.Key != "" {
		h.Set(HeaderKey, resp.Key)
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write([]byte(resp.Body)); err != nil {
		s.logger.Debug("write response failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
}
