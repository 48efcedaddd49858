package servicebus

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "servicebus"

// Request outcomes used as metric labels.
const (
	outcomeSuccess   = "success"
	outcomeTimeout   = "timeout"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
	outcomeTransport = "transport_error"
)

type metrics struct {
	requests *prometheus.CounterVec
	inFlight prometheus.Gauge
	latency  *prometheus.HistogramVec
	faults   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Requests issued through PublishRequest/SendRequest by request type and outcome.",
		}, []string{"request_type", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_in_flight",
			Help:      "Requests currently awaiting a correlated response.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time from publishing a request to its outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"request_type"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "service_faults_total",
			Help:      "Isolated bus service faults by lifecycle operation.",
		}, []string{"operation", "service"}),
	}

	if reg != nil {
		m.requests = register(reg, m.requests)
		m.inFlight = register(reg, m.inFlight)
		m.latency = register(reg, m.latency)
		m.faults = register(reg, m.faults)
	}

	return m
}

// register registers c, reusing an identical collector when one is already registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}

	return c
}

func (m *metrics) observeRequest(requestType, outcome string, started time.Time) {
	m.requests.WithLabelValues(requestType, outcome).Inc()
	m.latency.WithLabelValues(requestType).Observe(time.Since(started).Seconds())
}

func (m *metrics) observeFault(op error, service string, _ error) {
	m.faults.WithLabelValues(strings.TrimPrefix(op.Error(), metricsNamespace+"."), service).Inc()
}
