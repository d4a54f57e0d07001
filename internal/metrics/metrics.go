// Package metrics provides the gateway's Prometheus metrics registry,
// exported via an HTTP endpoint in Prometheus exposition format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gateway metric and provides helper methods for
// recording them, keyed by AE title, route, and destination where relevant.
type Registry struct {
	registry prometheus.Registerer

	studiesReceivedTotal   prometheus.CounterVec
	instancesReceivedTotal prometheus.CounterVec
	routingDecisionsTotal  prometheus.CounterVec
	deliveriesTotal        prometheus.CounterVec
	deidentifyFailedTotal  prometheus.CounterVec
	verificationFailedTotal prometheus.CounterVec

	deliveryDuration     prometheus.HistogramVec
	deidentifyDuration   prometheus.HistogramVec
	quietPeriodDuration  prometheus.HistogramVec

	queueDepth          prometheus.GaugeVec
	destinationHealthy  prometheus.GaugeVec
	rateLimitTokens     prometheus.GaugeVec

	mu sync.RWMutex
}

// NewRegistry creates and registers every gateway metric against the global
// Prometheus registerer. It panics if a metric fails to register.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.DefaultRegisterer)
}

// NewRegistryWith creates and registers every gateway metric against a
// caller-supplied registerer, used by tests to avoid the global registry.
func NewRegistryWith(registerer prometheus.Registerer) *Registry {
	m := &Registry{registry: registerer}

	m.studiesReceivedTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_studies_received_total",
			Help: "Total studies completed by the quiet-period watcher, by receiving AE",
		},
		[]string{"ae_title"},
	)
	m.registry.MustRegister(&m.studiesReceivedTotal)

	m.instancesReceivedTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_instances_received_total",
			Help: "Total instances accepted by a receiver listener",
		},
		[]string{"ae_title"},
	)
	m.registry.MustRegister(&m.instancesReceivedTotal)

	m.routingDecisionsTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_routing_decisions_total",
			Help: "Total routing pipeline outcomes by route and disposition",
		},
		[]string{"route", "disposition"},
	)
	m.registry.MustRegister(&m.routingDecisionsTotal)

	m.deliveriesTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deliveries_total",
			Help: "Total delivery attempts by destination and outcome",
		},
		[]string{"destination", "outcome"},
	)
	m.registry.MustRegister(&m.deliveriesTotal)

	m.deidentifyFailedTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deidentify_failed_total",
			Help: "Total de-identification executions that failed before verification",
		},
		[]string{"script"},
	)
	m.registry.MustRegister(&m.deidentifyFailedTotal)

	m.verificationFailedTotal = *prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_verification_failed_total",
			Help: "Total de-identification outputs blocked by the pre-write verification gate",
		},
		[]string{"check"},
	)
	m.registry.MustRegister(&m.verificationFailedTotal)

	m.deliveryDuration = *prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_delivery_duration_seconds",
			Help:    "Delivery attempt latency by destination",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)
	m.registry.MustRegister(&m.deliveryDuration)

	m.deidentifyDuration = *prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_deidentify_duration_seconds",
			Help:    "De-identification executor latency by execution path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
	m.registry.MustRegister(&m.deidentifyDuration)

	m.quietPeriodDuration = *prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_quiet_period_duration_seconds",
			Help:    "Observed time from last instance write to study-ready event",
			Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
		},
		[]string{"ae_title"},
	)
	m.registry.MustRegister(&m.quietPeriodDuration)

	m.queueDepth = *prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_route_queue_depth",
			Help: "Pending transfer job count per route's worker pool",
		},
		[]string{"route"},
	)
	m.registry.MustRegister(&m.queueDepth)

	m.destinationHealthy = *prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_destination_healthy",
			Help: "1 if the destination's last health probe succeeded, else 0",
		},
		[]string{"destination"},
	)
	m.registry.MustRegister(&m.destinationHealthy)

	m.rateLimitTokens = *prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_rate_limit_tokens_available",
			Help: "Tokens currently available in a route's sliding-window admission limiter",
		},
		[]string{"route"},
	)
	m.registry.MustRegister(&m.rateLimitTokens)

	return m
}

// RecordStudyReceived increments the completed-study counter for an AE.
func (m *Registry) RecordStudyReceived(aeTitle string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.studiesReceivedTotal.WithLabelValues(aeTitle).Inc()
}

// RecordInstanceReceived increments the accepted-instance counter for an AE.
func (m *Registry) RecordInstanceReceived(aeTitle string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.instancesReceivedTotal.WithLabelValues(aeTitle).Inc()
}

// RecordRoutingDecision records one routing-pipeline outcome.
func (m *Registry) RecordRoutingDecision(route, disposition string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.routingDecisionsTotal.WithLabelValues(route, disposition).Inc()
}

// RecordDelivery records a delivery attempt's outcome and latency.
func (m *Registry) RecordDelivery(destination, outcome string, durationSeconds float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.deliveriesTotal.WithLabelValues(destination, outcome).Inc()
	m.deliveryDuration.WithLabelValues(destination).Observe(durationSeconds)
}

// RecordDeidentifyFailure increments the pre-verification failure counter.
func (m *Registry) RecordDeidentifyFailure(script string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.deidentifyFailedTotal.WithLabelValues(script).Inc()
}

// RecordVerificationFailure increments the verification-gate block counter.
func (m *Registry) RecordVerificationFailure(check string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.verificationFailedTotal.WithLabelValues(check).Inc()
}

// RecordDeidentifyDuration records de-id executor latency for a given path
// ("standard" or "streaming").
func (m *Registry) RecordDeidentifyDuration(path string, durationSeconds float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.deidentifyDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordQuietPeriod records the observed quiet-period duration for an AE.
func (m *Registry) RecordQuietPeriod(aeTitle string, durationSeconds float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.quietPeriodDuration.WithLabelValues(aeTitle).Observe(durationSeconds)
}

// SetQueueDepth sets a route's pending-job gauge to an absolute value.
func (m *Registry) SetQueueDepth(route string, depth int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.queueDepth.WithLabelValues(route).Set(float64(depth))
}

// SetDestinationHealthy sets a destination's health gauge.
func (m *Registry) SetDestinationHealthy(destination string, healthy bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := 0.0
	if healthy {
		v = 1.0
	}
	m.destinationHealthy.WithLabelValues(destination).Set(v)
}

// SetRateLimitTokens records a route's current admission-limiter token count.
func (m *Registry) SetRateLimitTokens(route string, tokens int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.rateLimitTokens.WithLabelValues(route).Set(float64(tokens))
}

// Handler returns an http.Handler serving this registry in Prometheus
// exposition format, mounted at /metrics by cmd/gatewayd.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry.(prometheus.Gatherer), promhttp.HandlerOpts{})
}
