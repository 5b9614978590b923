package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsign_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Delivery queue and signing workflow metrics.
var (
	DeliveryEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsign_delivery_enqueued_total",
		Help: "Delivery tasks accepted by the queue.",
	}, []string{"kind"})

	DeliverySent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsign_delivery_sent_total",
		Help: "Delivery tasks dispatched successfully.",
	}, []string{"kind"})

	DeliveryRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsign_delivery_retries_total",
		Help: "Failed dispatch attempts that were requeued.",
	}, []string{"kind"})

	DeliveryDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsign_delivery_dropped_total",
		Help: "Delivery tasks dropped after exhausting attempts or at shutdown.",
	}, []string{"kind", "reason"})

	DeliveryQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsign_delivery_queue_depth",
		Help: "Tasks currently waiting in the delivery queue.",
	})

	DocumentsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsign_documents_completed_total",
		Help: "Documents that reached the completed state.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		DeliveryEnqueued, DeliverySent, DeliveryRetries, DeliveryDropped, DeliveryQueueDepth,
		DocumentsCompleted,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the readiness state.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath replaces identifiers and access tokens in known routes with
// placeholders so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "documents":
		if parts[2] == "render" && len(parts) == 3 {
			return p
		}
		parts[2] = ":id"
		if len(parts) > 4 {
			return p
		}
	case "templates":
		parts[2] = ":id"
		if len(parts) > 4 {
			return p
		}
	case "sign":
		parts[2] = ":token"
		if len(parts) > 4 {
			return "/v1/sign/:token/unknown"
		}
	default:
		return p
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
