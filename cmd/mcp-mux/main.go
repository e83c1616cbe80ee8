// Command mcp-mux serves a demo MCP catalog over both the Streamable HTTP
// and the HTTP+SSE transports. Configuration is read from the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/broker/memory"
	"github.com/ggoodman/mcp-session-mux/broker/redis"
	"github.com/ggoodman/mcp-session-mux/server"
	"github.com/sourcegraph/conc/pool"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("mux.exit.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, log *slog.Logger) error {
	b, closeBroker, err := openBroker(ctx, cfg.Broker)
	if err != nil {
		return err
	}
	defer closeBroker()

	srv, err := server.New(
		newCatalog(cfg.ServerName, cfg.ServerVersion, cfg.Instructions, time.Now),
		b,
		server.WithLogger(log),
		server.WithKeepAlive(cfg.KeepAlive),
		server.WithIdleTTL(cfg.IdleTTL),
		server.WithCORSOrigins(cfg.CORSOrigins...),
		server.WithMetrics(cfg.Metrics),
	)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		log.InfoContext(ctx, "mux.listen.start", slog.String("addr", cfg.Addr), slog.String("broker", cfg.Broker))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	p.Go(srv.Run)
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		log.Info("mux.shutdown.start")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Terminating sessions first ends open streams, which Shutdown
		// would otherwise wait on.
		if err := srv.Close(shutdownCtx); err != nil {
			log.Warn("mux.shutdown.sessions.fail", slog.String("err", err.Error()))
		}
		if err := hs.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("mux.shutdown.ok")
		return nil
	})
	return p.Wait()
}

func openBroker(ctx context.Context, kind string) (broker.Broker, func(), error) {
	switch kind {
	case "redis":
		b, err := redis.NewFromEnv()
		if err != nil {
			return nil, nil, err
		}
		if err := b.Ping(ctx); err != nil {
			_ = b.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}
