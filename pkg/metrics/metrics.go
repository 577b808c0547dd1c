// Package metrics exposes relay counters in the Prometheus format
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tecu23/chess-relay/pkg/events"
	"github.com/tecu23/chess-relay/pkg/game"
)

// Move sources
const (
	SourcePlayer = "player"
	SourceEngine = "engine"
)

// Metrics holds the relay's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Sessions        prometheus.Gauge
	Engines         prometheus.Gauge
	Events          *prometheus.CounterVec
	Moves           *prometheus.CounterVec
	ChatMessages    prometheus.Counter
	EngineFailures  prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open websocket connections",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of live sessions",
		}),
		Engines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engines",
			Help:      "Number of running engine processes",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published, by type",
		}, []string{"type"}),
		Moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_total",
			Help:      "Moves recorded, by source",
		}, []string{"source"}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages relayed",
		}),
		EngineFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Engine start failures and crashes",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.Sessions,
		m.Engines,
		m.Events,
		m.Moves,
		m.ChatMessages,
		m.EngineFailures,
		m.RequestDuration,
	)

	return m
}

// Handler serves the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one REST request
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Observe counts every published event and derives the move and chat counters
func (m *Metrics) Observe(publisher *events.Publisher) {
	publisher.SubscribeAll(func(e events.Event) {
		m.Events.WithLabelValues(string(e.Type)).Inc()

		switch e.Type {
		case events.EventMoveRecorded:
			source := SourcePlayer
			if p, ok := e.Payload.(events.MovePayload); ok && p.Move.By == game.EngineOwner {
				source = SourceEngine
			}
			m.Moves.WithLabelValues(source).Inc()
		case events.EventChatRelayed:
			m.ChatMessages.Inc()
		case events.EventEngineFailed:
			m.EngineFailures.Inc()
		}
	})
}
