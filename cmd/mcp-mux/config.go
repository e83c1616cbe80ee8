package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/lmittmann/tint"
)

// Config is decoded from the environment. Redis broker settings (REDIS_*)
// are decoded separately by the broker.
type Config struct {
	Addr          string        `env:"MCP_ADDR,default=127.0.0.1:8080"`
	ServerName    string        `env:"MCP_SERVER_NAME,default=mcp-mux"`
	ServerVersion string        `env:"MCP_SERVER_VERSION,default=0.1.0"`
	Instructions  string        `env:"MCP_INSTRUCTIONS"`
	IdleTTL       time.Duration `env:"MCP_SESSION_IDLE_TTL,default=30m"`
	KeepAlive     time.Duration `env:"MCP_KEEPALIVE_INTERVAL,default=25s"`
	CORSOrigins   []string      `env:"MCP_CORS_ORIGINS"`
	Metrics       bool          `env:"MCP_METRICS,default=false"`
	Broker        string        `env:"MCP_BROKER,default=memory"`

	LogFormat string `env:"LOG_FORMAT,default=json"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Broker {
	case "memory", "redis":
	default:
		return fmt.Errorf("MCP_BROKER must be memory or redis, got %q", c.Broker)
	}
	switch c.LogFormat {
	case "json", "dev":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or dev, got %q", c.LogFormat)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.IdleTTL < 0 || c.KeepAlive < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// newLogger builds the process logger. "dev" renders colored output with
// tint; anything else is JSON.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	if format == "dev" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: "[15:04:05.000]",
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
