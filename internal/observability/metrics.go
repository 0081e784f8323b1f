package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build servers side by side.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	HTTPRequests        *prometheus.CounterVec
	ProviderCalls       *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	ServiceAvailability *prometheus.GaugeVec
	MemoryOps           *prometheus.CounterVec
	MockResponses       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "External provider calls by provider, operation and outcome.",
		}, []string{"provider", "op", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "External provider call latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}, []string{"provider", "op"}),
		ServiceAvailability: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_availability",
			Help:      "1 when the service is in the labelled availability state.",
		}, []string{"service", "availability"}),
		MemoryOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_operations_total",
			Help:      "Memory pipeline operations by operation and result.",
		}, []string{"op", "result"}),
		MockResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mock_responses_total",
			Help:      "Synthetic responses served by degraded services.",
		}, []string{"service"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

// ObserveProviderCall feeds both the histogram and the latency window.
func (m *Metrics) ObserveProviderCall(provider, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider, op).Observe(ms)
	m.window.Observe(provider+"."+op, ms)
	if outcome != "ok" {
		m.window.ObserveIndicator(provider + "." + outcome)
	}
}

func (m *Metrics) ObserveHTTP(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveMemory(op, result string) {
	if m == nil {
		return
	}
	m.MemoryOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveMock(service string) {
	if m == nil {
		return
	}
	m.MockResponses.WithLabelValues(service).Inc()
	m.window.ObserveIndicator(service + ".mock")
}

// SetAvailability marks exactly one availability label as active.
func (m *Metrics) SetAvailability(service string, current string, all ...string) {
	if m == nil {
		return
	}
	for _, a := range all {
		v := 0.0
		if a == current {
			v = 1
		}
		m.ServiceAvailability.WithLabelValues(service, a).Set(v)
	}
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{}
	}
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
