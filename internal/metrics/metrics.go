package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	InboundMessages   *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	OracleRequests    *prometheus.CounterVec
	OracleLatency     *prometheus.HistogramVec
	CheckoutConflicts prometheus.Counter
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Total inbound gateway messages processed, by resolved intent.",
			}, []string{"intent"}),
			OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_messages_total",
				Help:      "Total outbound replies sent, by kind.",
			}, []string{"kind"}),
			OracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_requests_total",
				Help:      "Total intent oracle requests by outcome.",
			}, []string{"status"}),
			OracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_request_duration_seconds",
				Help:      "Latency distribution for intent oracle calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			CheckoutConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkout_conflicts_total",
				Help:      "Checkout attempts rejected because the tool was already held.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.InboundMessages,
			metricsInstance.OutboundMessages,
			metricsInstance.OracleRequests,
			metricsInstance.OracleLatency,
			metricsInstance.CheckoutConflicts,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
