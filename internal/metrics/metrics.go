// internal/metrics/metrics.go
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iot-trust-gateway/internal/secevent"
)

const namespace = "iot_gateway"

// Metrics holds the gateway collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	securityEvents *prometheus.CounterVec
	messages       *prometheus.CounterVec
	handleDuration *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	wsClients      prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		securityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "security",
				Name:      "events_total",
				Help:      "Security events raised, by kind.",
			},
			[]string{"kind"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "messages_total",
				Help:      "Messages evaluated by the monitor.",
			},
			[]string{"variant", "outcome"},
		),
		handleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "handle_duration_seconds",
				Help:      "Time spent evaluating one message.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100us to ~200ms
			},
			[]string{"variant"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
			},
			[]string{"method", "path"},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "websocket",
				Name:      "clients",
				Help:      "Connected live feed clients.",
			},
		),
	}
	m.Registry.MustRegister(
		m.securityEvents,
		m.messages,
		m.handleDuration,
		m.httpRequests,
		m.httpDuration,
		m.wsClients,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	for _, k := range secevent.Kinds() {
		m.securityEvents.WithLabelValues(string(k))
	}
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// EventRecorded counts one security event. Suitable for secevent.Log.Subscribe.
func (m *Metrics) EventRecorded(e secevent.Event) {
	m.securityEvents.WithLabelValues(string(e.Kind)).Inc()
}

// MessageHandled records the monitor's verdict on one message.
func (m *Metrics) MessageHandled(variant, outcome string, d time.Duration) {
	m.messages.WithLabelValues(variant, outcome).Inc()
	m.handleDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// SetClients records the live feed client count.
func (m *Metrics) SetClients(n int) { m.wsClients.Set(float64(n)) }

// InstrumentHandler wraps next with HTTP request metrics. Paths are reported
// by chi route pattern so ids do not explode the label space.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", r.ResponseWriter)
	}
	return h.Hijack()
}
