// Package server wires the HTTP API: health probes, version, and the
// /v1/jobs endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/loomworks/shardloom/internal/errors"
	"github.com/loomworks/shardloom/internal/server/handlers"
	"github.com/loomworks/shardloom/internal/server/middleware"
	"github.com/loomworks/shardloom/pkg/autotune"
	"github.com/loomworks/shardloom/pkg/checkpoint"
	"github.com/loomworks/shardloom/pkg/orchestrator"
)

// Deps are the backing components the API serves. Store and Orchestrator may
// be nil, in which case the /v1/jobs routes are not registered.
type Deps struct {
	Store        *checkpoint.Store
	Orchestrator *orchestrator.Orchestrator
	Monitor      *autotune.Monitor
	Log          *zap.Logger
}

type Server struct {
	host string
	port int
	deps Deps

	httpServer *http.Server
}

func New(host string, port int, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{host: host, port: port, deps: deps}
}

func (s *Server) Port() int {
	return s.port
}

// Handler builds the full router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.deps.Log))

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Get("/v1/schema/job", handlers.JobSchemaHandler)

	if s.deps.Store != nil && s.deps.Orchestrator != nil {
		jobs := &handlers.JobsHandler{
			Store:   s.deps.Store,
			Orch:    s.deps.Orchestrator,
			Monitor: s.deps.Monitor,
			Log:     s.deps.Log,
		}
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", jobs.Submit)
			r.Get("/", jobs.List)
			r.Get("/{jobID}", jobs.Get)
			r.Get("/{jobID}/shards", jobs.Shards)
			r.Post("/{jobID}/abort", jobs.Abort)
			r.Post("/{jobID}/replay", jobs.Replay)
		})
	}

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.deps.Log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
