package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkpress/inkpress/internal/config"
	"github.com/inkpress/inkpress/internal/handler"
	"github.com/inkpress/inkpress/internal/server/middleware"
	"github.com/inkpress/inkpress/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	RateLimitPerIP  int    // requests per minute per client IP, 0 disables
	KeyEnv          string // environment tag embedded in new secrets
	MaxBodySize     int64  // bytes

	// TrustProxyHeaders takes the client address from X-Forwarded-For,
	// X-Real-IP or True-Client-IP. Enable it only behind a proxy that
	// overwrites those headers; otherwise clients can forge their address.
	TrustProxyHeaders bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		CORSMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		KeyEnv:          service.DefaultKeyEnv,
		MaxBodySize:     1 << 20, // 1MB
	}
}

// FromYAML builds a server Config from the loaded configuration file.
func FromYAML(y *config.YAMLConfig) (Config, error) {
	cfg := DefaultConfig()
	if y.Server.Host != "" {
		cfg.Host = y.Server.Host
	}
	if y.Server.Port != 0 {
		cfg.Port = y.Server.Port
	}
	if y.Server.ShutdownTimeout != "" {
		d, err := time.ParseDuration(y.Server.ShutdownTimeout)
		if err != nil {
			return cfg, fmt.Errorf("server.shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if len(y.Server.CORS.Origins) > 0 {
		cfg.CORSOrigins = y.Server.CORS.Origins
	}
	if len(y.Server.CORS.Methods) > 0 {
		cfg.CORSMethods = y.Server.CORS.Methods
	}
	cfg.RateLimitPerIP = y.Server.RateLimitPerIP
	cfg.TrustProxyHeaders = y.Server.TrustProxyHeaders
	if y.Auth.KeyEnv != "" {
		cfg.KeyEnv = y.Auth.KeyEnv
	}
	return cfg, nil
}

// Server is the top-level HTTP server for Inkpress. It owns the Chi router,
// the configuration store, and the background usage recorder.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *config.Store
	usage      *service.UsageRecorder
	keys       *service.KeyManager
	resolver   *service.AccessResolver
	authn      *middleware.Authenticator
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. The caller starts usage; ListenAndServe drains it on
// shutdown.
func New(cfg Config, store *config.Store, usage *service.UsageRecorder, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		usage:    usage,
		keys:     service.NewKeyManager(store, store, cfg.KeyEnv),
		resolver: service.NewAccessResolver(store, store),
		logger:   logger,
	}
	var sink middleware.UsageSink
	if usage != nil {
		sink = usage
	}
	s.authn = middleware.NewAuthenticator(service.NewAuthService(store), sink, logger)
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	if s.cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   s.cfg.CORSMethods,
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit-Minute", "X-RateLimit-Limit-Day"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks and metrics (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerIP > 0 {
			r.Use(middleware.RateLimit(s.cfg.RateLimitPerIP))
		}
		if s.cfg.MaxBodySize > 0 {
			r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
		}
		r.Use(s.authn.Middleware)

		handler.NewKeyHandler(s.store, s.keys, s.resolver, s.usage).Routes(r)
		handler.NewSiteHandler(s.store, s.resolver).Routes(r)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the key store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before flushing queued usage events.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if s.usage != nil {
		if err := s.usage.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("usage recorder did not drain", "error", err)
		}
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
