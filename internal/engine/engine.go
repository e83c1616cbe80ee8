// Package engine implements the per-session protocol handler bound to every
// session on both transports. It owns the initialize exchange, routes
// requests through the dispatcher and publishes server-initiated messages to
// the session's push channel.
package engine

import (
	"log/slog"

	"github.com/ggoodman/mcp-session-mux/broker"
	"github.com/ggoodman/mcp-session-mux/internal/dispatch"
	"github.com/ggoodman/mcp-session-mux/sessions"
)

// Engine holds the collaborators shared by every session handler and builds
// one Handler per session.
type Engine struct {
	dispatcher *dispatch.Dispatcher
	broker     broker.Broker
	log        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine and its handlers.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an Engine. The broker carries each session's push channel.
func New(d *dispatch.Dispatcher, b broker.Broker, opts ...Option) *Engine {
	e := &Engine{
		dispatcher: d,
		broker:     b,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewHandler builds the protocol handler exclusively owned by session id.
func (e *Engine) NewHandler(id string, kind sessions.Kind) *Handler {
	return &Handler{
		id:         id,
		kind:       kind,
		namespace:  kind.String() + ":" + id,
		dispatcher: e.dispatcher,
		broker:     e.broker,
		log:        e.log,
	}
}
