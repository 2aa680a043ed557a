// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestInFlight     *prometheus.GaugeVec
	ErrorCount          *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge
	ServiceLastStarted  prometheus.Gauge
	DependencyUp        *prometheus.GaugeVec
	DependencyLatency   *prometheus.HistogramVec
	DependencyErrorRate *prometheus.CounterVec

	// Extrinsic metrics
	ExtrinsicSubmissions    *prometheus.CounterVec
	ExtrinsicOutcomes       *prometheus.CounterVec
	ExtrinsicErrors         *prometheus.CounterVec
	ExtrinsicsInFlight      prometheus.Gauge
	ExtrinsicsPending       prometheus.Gauge
	NonceAllocationDuration prometheus.Histogram
	FinalizationDuration    prometheus.Histogram

	// Processor metrics
	ProcessorMessages *prometheus.CounterVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "chainapi",
		Subsystem:   "",
		ServiceName: "chainapi",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		// Common metrics
		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Service uptime in seconds",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_last_started_timestamp",
				Help:      "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency", "operation"},
		),

		DependencyErrorRate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_errors_total",
				Help:      "Total number of dependency errors",
			},
			[]string{"service", "dependency", "operation"},
		),

		// Extrinsic metrics
		ExtrinsicSubmissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "submissions_total",
				Help:      "Total number of submit calls by result",
			},
			[]string{"result"},
		),

		ExtrinsicOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "outcomes_total",
				Help:      "Total number of resolved extrinsics by terminal status",
			},
			[]string{"status", "success"},
		),

		ExtrinsicErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "errors_total",
				Help:      "Total number of failed submit calls by error code",
			},
			[]string{"code"},
		),

		ExtrinsicsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "tracked",
				Help:      "Number of extrinsics held by the tracker",
			},
		),

		ExtrinsicsPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "pending",
				Help:      "Number of tracked extrinsics without an outcome",
			},
		),

		NonceAllocationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "nonce",
				Name:      "allocation_duration_seconds",
				Help:      "Time spent allocating a nonce, node query included",
				Buckets:   prometheus.DefBuckets,
			},
		),

		FinalizationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "extrinsic",
				Name:      "resolution_duration_seconds",
				Help:      "Time from submission to terminal status",
				Buckets:   []float64{1, 3, 6, 12, 18, 30, 60, 120, 300},
			},
		),

		// Processor metrics
		ProcessorMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "processor",
				Name:      "messages_total",
				Help:      "Total number of queue messages handled",
			},
			[]string{"topic", "result"},
		),
	}

	// Set initial values
	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordDependencyLatency records the latency of a dependency operation.
func (m *Metrics) RecordDependencyLatency(service, dependency, operation string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
}

// RecordDependencyError records an error with a dependency.
func (m *Metrics) RecordDependencyError(service, dependency, operation string) {
	m.DependencyErrorRate.WithLabelValues(service, dependency, operation).Inc()
}

// RecordSubmission records the result of a submit call.
func (m *Metrics) RecordSubmission(result string) {
	m.ExtrinsicSubmissions.WithLabelValues(result).Inc()
}

// RecordSubmissionError records a failed submit call.
func (m *Metrics) RecordSubmissionError(code string) {
	m.ExtrinsicSubmissions.WithLabelValues("error").Inc()
	m.ExtrinsicErrors.WithLabelValues(code).Inc()
}

// RecordOutcome records a resolved extrinsic.
func (m *Metrics) RecordOutcome(status string, success bool, duration time.Duration) {
	m.ExtrinsicOutcomes.WithLabelValues(status, strconv.FormatBool(success)).Inc()
	m.FinalizationDuration.Observe(duration.Seconds())
}

// RecordNonceAllocation records how long a nonce allocation took.
func (m *Metrics) RecordNonceAllocation(duration time.Duration) {
	m.NonceAllocationDuration.Observe(duration.Seconds())
}

// RecordTracked records the tracker's size.
func (m *Metrics) RecordTracked(tracked, pending int) {
	m.ExtrinsicsInFlight.Set(float64(tracked))
	m.ExtrinsicsPending.Set(float64(pending))
}

// RecordProcessorMessage records a handled queue message.
func (m *Metrics) RecordProcessorMessage(topic, result string) {
	m.ProcessorMessages.WithLabelValues(topic, result).Inc()
}
