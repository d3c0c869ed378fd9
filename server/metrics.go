package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rkcloudchain/cmcresponder/cmc"
)

const metricsNamespace = "cmc_responder"

// Metrics are the metrics tracked by server. It implements cmc.Recorder.
type Metrics struct {
	registry *prometheus.Registry
	// APICounter keeps track of number of times an API endpoint is called
	APICounter *prometheus.CounterVec
	// APIErrorCounter keeps track of number of errors that have occured on requests to an API
	APIErrorCounter *prometheus.CounterVec
	// APIDuration keeps track of time taken for request to complete for an API
	APIDuration *prometheus.HistogramVec

	statusControls *prometheus.CounterVec
	revocations    *prometheus.CounterVec
	responses      *prometheus.CounterVec
}

// NewMetrics creates the server metrics on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		APICounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api_request",
			Name:      "count",
			Help:      "Number of requests made to an API",
		}, []string{"ca_name", "api_name"}),
		APIErrorCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api_request",
			Name:      "error_count",
			Help:      "Number of errors that have occurred for requests to an API",
		}, []string{"ca_name", "api_name", "error_code"}),
		APIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api_request",
			Name:      "duration",
			Help:      "Time taken in seconds for the request to an API to be completed",
			Buckets:   prometheus.DefBuckets,
		}, []string{"ca_name", "api_name"}),
		statusControls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "status_controls_total",
			Help:      "Number of status-info controls emitted, by status",
		}, []string{"status"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "revocations_total",
			Help:      "Number of revoke requests processed, by outcome",
		}, []string{"outcome"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "responses_total",
			Help:      "Number of responses built, by kind and result",
		}, []string{"kind", "result"}),
	}
	m.registry.MustRegister(m.APICounter, m.APIErrorCounter, m.APIDuration,
		m.statusControls, m.revocations, m.responses)
	return m
}

// Handler serves the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusEmitted counts one status-info control
func (m *Metrics) StatusEmitted(status cmc.Status) {
	m.statusControls.WithLabelValues(status.String()).Inc()
}

// RevocationCompleted counts one processed revoke request
func (m *Metrics) RevocationCompleted(outcome string) {
	m.revocations.WithLabelValues(outcome).Inc()
}

// ResponseBuilt counts one response build attempt
func (m *Metrics) ResponseBuilt(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.responses.WithLabelValues(kind, result).Inc()
}
