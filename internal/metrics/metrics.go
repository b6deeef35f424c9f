package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabletrack"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ordersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "created_total",
			Help:      "Total number of orders created.",
		},
		[]string{"delivery_method"},
	)

	orderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Total number of accepted order status transitions.",
		},
		[]string{"from", "to"},
	)

	paymentUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "payment_updates_total",
			Help:      "Total number of accepted payment status changes.",
		},
		[]string{"payment_status"},
	)

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "rejections_total",
			Help:      "Total number of rejected order mutations.",
		},
		[]string{"operation", "reason"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of order events handed to the hub.",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total number of order events dropped before delivery.",
		},
		[]string{"stage"},
	)

	subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "subscribers",
			Help:      "Current number of websocket subscribers.",
		},
		[]string{"scope"},
	)

	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "evictions_total",
			Help:      "Total number of subscribers evicted for falling behind.",
		},
	)

	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Total number of relay messages by direction and outcome.",
		},
		[]string{"direction", "result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ordersCreated,
		orderTransitions,
		paymentUpdates,
		rejections,
		eventsPublished,
		eventsDropped,
		subscribers,
		evictions,
		relayMessages,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOrderCreated counts a persisted order.
func RecordOrderCreated(deliveryMethod string) {
	ordersCreated.WithLabelValues(deliveryMethod).Inc()
}

// RecordTransition counts an accepted status change.
func RecordTransition(from, to string) {
	orderTransitions.WithLabelValues(from, to).Inc()
}

// RecordPaymentUpdate counts an accepted payment status change.
func RecordPaymentUpdate(status string) {
	paymentUpdates.WithLabelValues(status).Inc()
}

// RecordRejection counts a refused mutation with a short reason label.
func RecordRejection(operation, reason string) {
	rejections.WithLabelValues(operation, reason).Inc()
}

// RecordEventPublished counts an event accepted by the hub.
func RecordEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts an event lost at stage (hub, relay_out, relay_in).
func RecordEventDropped(stage string) {
	eventsDropped.WithLabelValues(stage).Inc()
}

// SetSubscribers reports the current subscriber count for a scope kind.
func SetSubscribers(scope string, n int) {
	subscribers.WithLabelValues(scope).Set(float64(n))
}

// RecordEviction counts a subscriber dropped for a full send buffer.
func RecordEviction() {
	evictions.Inc()
}

// RecordRelay counts a relay message in direction (out, in) with result.
func RecordRelay(direction, result string) {
	relayMessages.WithLabelValues(direction, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case parts[0] == "orders" && len(parts) >= 2:
		if len(parts) == 2 {
			return "/orders/:id"
		}
		return "/orders/:id/" + parts[2]
	case parts[0] == "ws" && len(parts) >= 3:
		return "/ws/orders/:id"
	}
	return "/" + strings.Join(parts, "/")
}
