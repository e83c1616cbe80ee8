// Package server composes both MCP transports over one session store and one
// push-channel broker, and mounts them on a chi router.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/dispatch"
	"github.com/ggoodman/mcp-session-mux/internal/engine"
	"github.com/ggoodman/mcp-session-mux/internal/logctx"
	"github.com/ggoodman/mcp-session-mux/internal/rpcerr"
	"github.com/ggoodman/mcp-session-mux/legacysse"
	"github.com/ggoodman/mcp-session-mux/mcpservice"
	"github.com/ggoodman/mcp-session-mux/sessions"
	"github.com/ggoodman/mcp-session-mux/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	logger      *slog.Logger
	keepAlive   time.Duration
	idleTTL     time.Duration
	corsOrigins []string
	metrics     bool
	clock       func() time.Time
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithKeepAlive sets the keepalive interval on both transports' streams.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithIdleTTL enables reclaiming sessions idle for longer than d. Sessions
// with an open stream are never reclaimed. Zero disables the sweeper.
func WithIdleTTL(d time.Duration) Option {
	return func(c *config) { c.idleTTL = d }
}

// WithCORSOrigins enables CORS for the given origins.
func WithCORSOrigins(origins ...string) Option {
	return func(c *config) { c.corsOrigins = origins }
}

// WithMetrics exposes Prometheus metrics on /metrics.
func WithMetrics(enabled bool) Option {
	return func(c *config) { c.metrics = enabled }
}

// WithClock overrides the clock used for session activity tracking.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.clock = now }
}

// Server is the HTTP front of the multiplexer.
type Server struct {
	chi.Router

	log     *slog.Logger
	store   *sessions.Store[*engine.Handler]
	metrics *metrics
	idleTTL time.Duration
}

// New wires the registry srv and broker b into both transports.
func New(srv mcpservice.ServerCapabilities, b broker.Broker, opts ...Option) (*Server, error) {
	if srv == nil {
		return nil, fmt.Errorf("server capabilities are required")
	}
	if b == nil {
		return nil, fmt.Errorf("broker is required")
	}

	cfg := &config{logger: slog.New(slog.DiscardHandler), clock: time.Now}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		Router:  chi.NewRouter(),
		log:     slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		idleTTL: cfg.idleTTL,
	}
	if cfg.metrics {
		s.metrics = newMetrics()
	}

	s.store = sessions.NewStore[*engine.Handler](
		sessions.WithClock(cfg.clock),
		sessions.WithObserver(s.observeSession),
	)
	s.metrics.watchStore(s.store)

	d := dispatch.New(srv, dispatch.WithLogger(cfg.logger), dispatch.WithObserver(s.metrics.observeRequest))
	eng := engine.New(d, b, engine.WithLogger(cfg.logger))

	modern, err := streaminghttp.New(s.store, eng,
		streaminghttp.WithLogger(cfg.logger),
		streaminghttp.WithKeepAlive(cfg.keepAlive),
	)
	if err != nil {
		return nil, fmt.Errorf("build modern transport: %w", err)
	}
	legacy, err := legacysse.New(s.store, eng,
		legacysse.WithLogger(cfg.logger),
		legacysse.WithKeepAlive(cfg.keepAlive),
	)
	if err != nil {
		return nil, fmt.Errorf("build legacy transport: %w", err)
	}

	s.Use(middleware.Recoverer)
	if len(cfg.corsOrigins) > 0 {
		s.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "Mcp-Protocol-Version"},
			AllowCredentials: false,
			MaxAge:           600,
		}).Handler)
	}
	s.Use(rpcerr.Track)

	s.Handle("/mcp", modern)
	s.Handle("/mcp/{sessionId}", modern)
	s.Get("/sse", legacy.ServeHTTP)
	s.Post("/messages", legacy.ServeHTTP)
	if s.metrics != nil {
		s.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	}

	return s, nil
}

// observeSession feeds metrics and logs terminations the transports did not
// initiate themselves.
func (s *Server) observeSession(c sessions.Change) {
	s.metrics.observeSession(c)
	if c.Event != sessions.EventTerminated || c.Cause == sessions.CauseRequested {
		return
	}
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: c.ID, Kind: c.Kind.String()})
	s.log.InfoContext(ctx, "session.terminated", slog.String("reason", c.Cause.String()))
}

// Store exposes the session registry shared by both transports.
func (s *Server) Store() *sessions.Store[*engine.Handler] { return s.store }

// Run reclaims idle sessions until ctx ends. It returns immediately when no
// idle TTL is configured.
func (s *Server) Run(ctx context.Context) error {
	if s.idleTTL <= 0 {
		return nil
	}

	interval := max(s.idleTTL/4, time.Second)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one idle-session sweep and returns how many sessions it
// reclaimed.
func (s *Server) Sweep(ctx context.Context) int {
	if s.idleTTL <= 0 {
		return 0
	}
	n, err := s.store.Sweep(ctx, s.idleTTL)
	if err != nil {
		s.log.WarnContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
	}
	if n > 0 {
		s.log.InfoContext(ctx, "session.sweep.ok", slog.Int("reclaimed", n))
	}
	return n
}

// Close terminates every session, ending all open streams.
func (s *Server) Close(ctx context.Context) error {
	if err := s.store.TerminateAll(ctx); err != nil {
		s.log.WarnContext(ctx, "session.terminate_all.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}
