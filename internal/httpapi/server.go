// Package httpapi is the JSON-over-HTTP surface of the contract engine.
//
// Handlers decode the request body into the generic document model and pass
// it to the engine untouched: schema validation happens there, never here.
// Every response carries an X-Request-Id; error bodies repeat it.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/covenant/internal/contract"
	"github.com/roach88/covenant/internal/engine"
	"github.com/roach88/covenant/internal/registry"
)

// Engine is the subset of *engine.Engine the API calls.
type Engine interface {
	SubmitJob(ctx context.Context, doc any) (contract.Job, error)
	RunJob(ctx context.Context, jobID string) (contract.Job, error)
	StopJob(ctx context.Context, jobID, runToken string) (contract.Job, error)
	SubmitArtifact(ctx context.Context, doc any) (contract.ArtifactRecord, error)
	SubmitEvaluation(ctx context.Context, doc any) (engine.EvaluationResult, error)
	GetJob(ctx context.Context, jobID string) (contract.Job, error)
	GetArtifact(ctx context.Context, artifactID string) (contract.ArtifactRecord, error)
	ListArtifacts(ctx context.Context, jobID string) ([]contract.ArtifactRecord, error)
	GetEvaluation(ctx context.Context, evaluationID string) (contract.EvaluationRecord, error)
	Ready(ctx context.Context) error
	Deferred() bool
}

// Reloader rebuilds the registry snapshot on demand.
type Reloader interface {
	Reload(ctx context.Context) (*registry.Snapshot, error)
}

var _ Engine = (*engine.Engine)(nil)

// MaxBodyBytes bounds inbound documents.
const MaxBodyBytes = 1 << 20

// Server exposes the engine over HTTP.
type Server struct {
	engine   Engine
	registry Reloader
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server for eng. reg backs the registry reload endpoint.
func New(eng Engine, reg Reloader, opts ...Option) *Server {
	s := &Server{engine: eng, registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with request ids, logging and panic
// recovery installed.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.submitJob)
		r.Get("/{job_id}", s.getJob)
		r.Post("/{job_id}/run", s.runJob)
		r.Post("/{job_id}/stop", s.stopJob)
		r.Get("/{job_id}/artifacts", s.listArtifacts)
	})
	r.Post("/artifacts", s.submitArtifact)
	r.Get("/artifacts/{artifact_id}", s.getArtifact)
	r.Post("/evaluations", s.submitEvaluation)
	r.Get("/evaluations/{evaluation_id}", s.getEvaluation)
	r.Post("/registry/reload", s.reloadRegistry)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.Method+" "+r.URL.Path, nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not allowed on "+r.URL.Path, nil)
	})
	return r
}

// logRequests writes one line per request once the response is complete.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"request_id", RequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
