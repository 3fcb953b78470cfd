// Package api provides the REST façade for submitting jobs and polling
// their status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/isdmx/codequeue/config"
	"github.com/isdmx/codequeue/metrics"
	"github.com/isdmx/codequeue/submit"
)

// JobService is the submission surface served over HTTP.
type JobService interface {
	Submit(ctx context.Context, sub submit.Submission) (submit.Receipt, error)
	Status(ctx context.Context, jobID string) (submit.Status, error)
	Languages() []string
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP handler for the job API.
type Server struct {
	logger  *zap.Logger
	router  chi.Router
	handler *Handler
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewServer creates the API server. health may be nil.
func NewServer(logger *zap.Logger, svc JobService, health HealthCheck, m *metrics.Metrics, requestTimeout time.Duration) *Server {
	s := &Server{
		logger:  logger.Named("api"),
		handler: NewHandler(logger.Named("api"), svc, health),
		metrics: m,
		timeout: requestTimeout,
	}
	s.router = s.setupRoutes()
	return s
}

// New builds a Server from configuration.
func New(logger *zap.Logger, cfg *config.Config, svc JobService, health HealthCheck, m *metrics.Metrics) *Server {
	return NewServer(logger, svc, health, m, cfg.Server.WriteTimeout)
}

func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}

	r.Get("/healthz", s.handler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/languages", s.handler.ListLanguages)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handler.SubmitJob)
			r.Get("/{id}", s.handler.GetJob)
		})
	})

	return r
}

// requestLogger logs one line per request with zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps s in an http.Server listening on addr.
func (s *Server) HTTPServer(cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
