// Package server wires the chi router and the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/runnerhub/internal/errors"
	"github.com/3leaps/runnerhub/internal/observability"
	"github.com/3leaps/runnerhub/internal/server/handlers"
	"github.com/3leaps/runnerhub/internal/server/middleware"
	"github.com/3leaps/runnerhub/pkg/auth"
)

// Metrics is what the server reports to.
type Metrics interface {
	middleware.HTTPMetrics
	ObserveRateLimited()
}

// Server is the runnerhub HTTP server.
type Server struct {
	host string
	port int

	runnerAPI   *handlers.RunnerAPI
	resolver    auth.Resolver
	pollLimiter *middleware.RateLimiter
	metrics     Metrics
	corsOrigins []string
	pprof       bool

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration

	router chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithRunnerAPI mounts the runner protocol, authenticated by resolver.
func WithRunnerAPI(a *handlers.RunnerAPI, resolver auth.Resolver) Option {
	return func(s *Server) {
		s.runnerAPI = a
		s.resolver = resolver
	}
}

// WithPollLimiter rate limits job polls per tenant and runner.
func WithPollLimiter(l *middleware.RateLimiter) Option {
	return func(s *Server) { s.pollLimiter = l }
}

func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithCORS(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithPprof mounts net/http/pprof under /debug.
func WithPprof(enabled bool) Option {
	return func(s *Server) { s.pprof = enabled }
}

func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
		s.shutdownTimeout = shutdown
	}
}

// New builds the router. Health and version routes are always present; the
// runner API only with WithRunnerAPI.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	var httpMetrics middleware.HTTPMetrics
	if s.metrics != nil {
		httpMetrics = s.metrics
	}
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(httpMetrics))
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.corsOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NotFound("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.MethodNotAllowed())
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}

	if s.runnerAPI != nil && s.resolver != nil {
		r.Route("/api/runners", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.resolver))
			s.runnerAPI.Routes(r, s.pollLimit())
		})
	}
	return r
}

func (s *Server) pollLimit() func(http.Handler) http.Handler {
	if s.pollLimiter == nil {
		return nil
	}
	key := func(r *http.Request) string {
		p, _ := auth.FromContext(r.Context())
		return p.TenantID + "/" + chi.URLParam(r, "runnerId")
	}
	return s.pollLimiter.Limit(key, func(r *http.Request, key string) {
		if s.metrics != nil {
			s.metrics.ObserveRateLimited()
		}
		observability.ServerLogger.Debug("Poll rate limited", zap.String("runner", key))
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Run serves until ctx is done, then shuts down gracefully within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	return serveUntilDone(ctx, srv, ln, s.shutdownTimeout)
}

// ServeHandler runs h on addr until ctx is done. The metrics listener uses it.
func ServeHandler(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	return serveUntilDone(ctx, srv, ln, shutdownTimeout)
}

func serveUntilDone(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	observability.ServerLogger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", ln.Addr(), err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	observability.ServerLogger.Info("HTTP server stopped", zap.String("addr", ln.Addr().String()))
	return nil
}
