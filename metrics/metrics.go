// Package metrics defines the Prometheus collectors exported by sembus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
	OutcomeDropped = "dropped"

	OutcomeAck       = "ack"
	OutcomeNak       = "nak"
	OutcomeTerm      = "term"
	OutcomeDuplicate = "duplicate"
)

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	EventsPublished *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	AsyncQueueDepth prometheus.Gauge
	EventsHandled   *prometheus.CounterVec
	UsageRecorded   *prometheus.CounterVec
}

// New creates and registers the collectors, along with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sembus",
			Name:      "events_published_total",
			Help:      "Events handed to the publisher, by type and outcome",
		}, []string{"event_type", "outcome"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sembus",
			Name:      "publish_duration_seconds",
			Help:      "Time from publish call to bus acknowledgement",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		AsyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sembus",
			Name:      "async_publish_queue_depth",
			Help:      "Publications waiting for an async worker",
		}),
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sembus",
			Name:      "events_handled_total",
			Help:      "Deliveries processed by subscribers, by subject filter and outcome",
		}, []string{"subject", "outcome"}),
		UsageRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sembus",
			Name:      "usage_amount_total",
			Help:      "Usage amounts recorded in the ledger",
		}, []string{"product_id", "unit_type"}),
	}

	m.registry.MustRegister(
		m.EventsPublished,
		m.PublishDuration,
		m.AsyncQueueDepth,
		m.EventsHandled,
		m.UsageRecorded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
