package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hamlin/arbiter/internal/dispatch"
	"github.com/hamlin/arbiter/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Config carries the server's boundary secrets and listen address.
type Config struct {
	Addr string
	// JWTSecret signs and verifies caller identity tokens. Required.
	JWTSecret []byte
	// CallbackSecret guards the engine callback endpoint. Empty disables
	// callback authentication (explicit opt-out).
	CallbackSecret []byte
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router         *chi.Mux
	store          store.Store
	dispatcher     *dispatch.Dispatcher
	logger         *slog.Logger
	addr           string
	jwtSecret      []byte
	callbackSecret []byte
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config, s store.Store, d *dispatch.Dispatcher, logger *slog.Logger) *Server {
	srv := &Server{
		router:         chi.NewRouter(),
		store:          s,
		dispatcher:     d,
		logger:         logger,
		addr:           cfg.Addr,
		jwtSecret:      cfg.JWTSecret,
		callbackSecret: cfg.CallbackSecret,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/stats", s.handleGetStats)

	// Engine-facing: invoked by the judge engine, never by end users.
	s.router.Put("/v1/callbacks/judge", s.handleJudgeCallback)
	s.router.Post("/v1/callbacks/judge", s.handleJudgeCallback)

	s.router.Route("/v1/attempts", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleSubmitAttempt)
		r.Get("/", s.handleListAttempts)
		r.Get("/{id}", s.handleGetAttempt)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
