// Package restapi implements A1: the JSON management surface over the
// registry and lifecycle, using the same error taxonomy C5's gRPC side
// uses so both front doors report identical status codes for identical
// failures.
package restapi

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nazq/tei-manager/pkg/log"
	"github.com/nazq/tei-manager/pkg/metrics"
	"github.com/nazq/tei-manager/pkg/types"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Registry is the subset of the registry the REST surface reads and
// mutates directly (everything that does not touch a running process).
type Registry interface {
	Get(name string) (types.WorkerView, error)
	List() []types.WorkerView
	Add(config types.WorkerConfig) (types.WorkerView, error)
	Remove(name string) error
}

// Lifecycle is the subset of the lifecycle the REST surface drives.
type Lifecycle interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// Server wraps the chi router and the registry/lifecycle dependencies.
type Server struct {
	router    *chi.Mux
	registry  Registry
	lifecycle Lifecycle
	metrics   http.Handler
	logger    zerolog.Logger
	addr      string
	httpSrv   *http.Server
}

// Options configures a new Server.
type Options struct {
	Addr      string
	Registry  Registry
	Lifecycle Lifecycle
	Metrics   http.Handler
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options) *Server {
	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	s := &Server{
		router:    chi.NewRouter(),
		registry:  opts.Registry,
		lifecycle: opts.Lifecycle,
		metrics:   metricsHandler,
		logger:    log.WithComponent("restapi"),
		addr:      opts.Addr,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.metrics)

	s.router.Route("/instances", func(r chi.Router) {
		r.Get("/", s.handleListInstances)
		r.Post("/", s.handleCreateInstance)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetInstance)
			r.Delete("/", s.handleDeleteInstance)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Get("/logs", s.handleLogs)
		})
	})
}

// Router returns the chi router, exposed for tests that want to drive the
// server with httptest.Server without binding a real port.
func (s *Server) Router() *chi.Mux { return s.router }

// Run starts the HTTP server and blocks until a shutdown signal arrives or
// ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("rest api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info().Str("signal", sig.String()).Msg("rest api shutting down")
	case <-ctx.Done():
		s.logger.Info().Msg("rest api shutting down on context cancellation")
	case err := <-errCh:
		return fmt.Errorf("rest api server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully drains the HTTP listener, used directly by the
// supervisor facade's ordered shutdown sequence. A no-op if Run has not
// been called yet.
func (s *Server) Shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("rest api shutdown: %w", err)
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		duration := time.Since(start)
		metrics.RESTRequestsTotal.WithLabelValues(routePattern, strconv.Itoa(ww.Status())).Inc()
		metrics.RESTRequestDuration.WithLabelValues(routePattern).Observe(duration.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
