// Package metrics provides Prometheus metrics for the chat and price stores.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Message store
	MessagesMerged      *prometheus.CounterVec
	DuplicatesDropped   prometheus.Counter
	TransportCalls      *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge

	// Outbox
	SendAttempts *prometheus.CounterVec

	// Price store
	Refreshes       *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	TrackedItems    prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.MessagesMerged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snagit_messages_merged_total",
			Help: "Messages merged into conversation history",
		},
		[]string{"source"},
	)

	m.DuplicatesDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "snagit_messages_duplicate_total",
			Help: "Messages skipped because their identifier was already held",
		},
	)

	m.TransportCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snagit_transport_calls_total",
			Help: "Transport calls issued by the message store",
		},
		[]string{"op", "outcome"},
	)

	m.ActiveSubscriptions = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "snagit_active_subscriptions",
			Help: "Live-update subscriptions currently draining a push feed",
		},
	)

	m.SendAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snagit_outbox_send_attempts_total",
			Help: "Optimistic send attempts by final outcome",
		},
		[]string{"outcome"},
	)

	m.Refreshes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snagit_price_refresh_total",
			Help: "Price refreshes by outcome",
		},
		[]string{"outcome"},
	)

	m.RefreshDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snagit_price_refresh_duration_seconds",
			Help:    "Duration of single price refreshes",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.TrackedItems = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "snagit_tracked_items",
			Help: "Number of tracked items",
		},
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Merged(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesMerged.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) Duplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DuplicatesDropped.Add(float64(n))
}

func (m *Metrics) Transport(op string, err error) {
	if m == nil {
		return
	}
	m.TransportCalls.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) SubscriptionStarted() {
	if m != nil {
		m.ActiveSubscriptions.Inc()
	}
}

func (m *Metrics) SubscriptionStopped() {
	if m != nil {
		m.ActiveSubscriptions.Dec()
	}
}

func (m *Metrics) Send(err error) {
	if m == nil {
		return
	}
	m.SendAttempts.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) Refresh(seconds float64, err error) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome(err)).Inc()
	m.RefreshDuration.Observe(seconds)
}

func (m *Metrics) Items(n int) {
	if m != nil {
		m.TrackedItems.Set(float64(n))
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
