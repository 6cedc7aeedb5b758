package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "udf"

// Outcome labels shared by the counters.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Metrics holds the collectors for executions and the model store. All
// methods are safe on a nil receiver so components can run unobserved.
type Metrics struct {
	registry *prometheus.Registry

	Executions       *prometheus.CounterVec
	ExecutionSeconds *prometheus.HistogramVec
	StoreOps         *prometheus.CounterVec
	StoreCache       *prometheus.CounterVec
	Requests         *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "UDF executions by language and outcome",
			},
			[]string{"language", "outcome"},
		),
		ExecutionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_seconds",
				Help:      "UDF execution latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"language"},
		),
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model_store",
				Name:      "ops_total",
				Help:      "Model store operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		StoreCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model_store",
				Name:      "cache_total",
				Help:      "Model store read cache lookups",
			},
			[]string{"result"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Gateway requests by transport, operation and status code",
			},
			[]string{"transport", "op", "code"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Executions,
		m.ExecutionSeconds,
		m.StoreOps,
		m.StoreCache,
		m.Requests,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ObserveExecution(language, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(language, outcome).Inc()
	m.ExecutionSeconds.WithLabelValues(language).Observe(elapsed.Seconds())
}

// ObserveStoreOp counts one store call. notFound classifies err as a miss
// rather than a failure.
func (m *Metrics) ObserveStoreOp(op string, err error, notFound error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	switch {
	case err == nil:
	case notFound != nil && errors.Is(err, notFound):
		outcome = OutcomeNotFound
	default:
		outcome = OutcomeError
	}
	m.StoreOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.StoreCache.WithLabelValues(result).Inc()
}

// ObserveRequest counts one boundary call. code is the RPC status name,
// "ok" on success.
func (m *Metrics) ObserveRequest(transport, op, code string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(transport, op, code).Inc()
}
