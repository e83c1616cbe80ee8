package server

import (
	"github.com/ggoodman/mcp-session-mux/internal/dispatch"
	"github.com/ggoodman/mcp-session-mux/internal/engine"
	"github.com/ggoodman/mcp-session-mux/sessions"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the collectors exported on /metrics. A nil *metrics is valid
// and records nothing.
type metrics struct {
	registry *prometheus.Registry

	created    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	requests   *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sessions_created_total",
			Help: "Sessions created, by transport kind.",
		}, []string{"kind"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_sessions_terminated_total",
			Help: "Sessions terminated, by transport kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_rpc_requests_total",
			Help: "Dispatched JSON-RPC requests, by route and outcome.",
		}, []string{"route", "outcome"}),
	}
	m.registry.MustRegister(m.created, m.terminated, m.requests)
	return m
}

// watchStore exports the live session count of every kind.
func (m *metrics) watchStore(store *sessions.Store[*engine.Handler]) {
	if m == nil {
		return
	}
	for _, kind := range sessions.Kinds {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "mcp_sessions_active",
			Help:        "Sessions currently registered, by transport kind.",
			ConstLabels: prometheus.Labels{"kind": kind.String()},
		}, func() float64 { return float64(store.Count(kind)) }))
	}
}

func (m *metrics) observeSession(c sessions.Change) {
	if m == nil {
		return
	}
	switch c.Event {
	case sessions.EventCreated:
		m.created.WithLabelValues(c.Kind.String()).Inc()
	case sessions.EventTerminated:
		m.terminated.WithLabelValues(c.Kind.String()).Inc()
	}
}

func (m *metrics) observeRequest(route dispatch.Route, outcome dispatch.Outcome) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route.String(), string(outcome)).Inc()
}
