package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/superiorsd10/rubberduck-mcp/internal/wire"
)

// Metrics holds the broker's Prometheus collectors. Each Service carries its
// own registry so several brokers can live in one process (tests, the dev
// command) without collector name collisions.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal     prometheus.Counter
	Sessions             *prometheus.GaugeVec
	ClarificationsRouted prometheus.Counter
	ClarificationsFailed *prometheus.CounterVec
	ResponsesRouted      prometheus.Counter
	YapsRouted           prometheus.Counter
	YapsDroppedTotal     prometheus.Counter
	StaleSessions        prometheus.Counter
	WireErrors           prometheus.Counter
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_connections_total",
			Help: "TCP connections accepted by the broker",
		}),
		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rubberduck_sessions",
			Help: "Currently registered sessions by role",
		}, []string{"role"}),
		ClarificationsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_clarifications_routed_total",
			Help: "Clarification requests accepted into a consumer queue",
		}),
		ClarificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rubberduck_clarifications_failed_total",
			Help: "Clarification requests rejected by the router",
		}, []string{"reason"}),
		ResponsesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_responses_routed_total",
			Help: "Consumer replies forwarded to their producer",
		}),
		YapsRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_yaps_routed_total",
			Help: "Yap messages fanned out to consumer buffers",
		}),
		YapsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_yaps_dropped_total",
			Help: "Yaps dropped by full reorder buffers",
		}),
		StaleSessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_stale_sessions_total",
			Help: "Sessions force-closed by the liveness monitor",
		}),
		WireErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rubberduck_wire_errors_total",
			Help: "Malformed envelope lines received",
		}),
	}
}

// The methods below satisfy the router's Stats interface.

func (m *Metrics) ClarificationRouted() { m.ClarificationsRouted.Inc() }

func (m *Metrics) ClarificationFailed(reason string) {
	m.ClarificationsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) ResponseRouted()       { m.ResponsesRouted.Inc() }
func (m *Metrics) YapRouted()            { m.YapsRouted.Inc() }
func (m *Metrics) YapsDropped(count int) { m.YapsDroppedTotal.Add(float64(count)) }

func (m *Metrics) sessionRegistered(role wire.Role) { m.Sessions.WithLabelValues(string(role)).Inc() }
func (m *Metrics) sessionClosed(role wire.Role)     { m.Sessions.WithLabelValues(string(role)).Dec() }
