// Package metrics holds the Prometheus collectors shared by every service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish and consume outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeSpooled    = "spooled"
	OutcomeDropped    = "dropped"
	OutcomeProjected  = "projected"
	OutcomeRetried    = "retried"
	OutcomeDecodeFail = "decode_failed"
	OutcomeDeadLetter = "dead_lettered"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events handed to the producer, by outcome.",
		},
		[]string{"topic", "outcome"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Deliveries processed by consumer groups, by outcome.",
		},
		[]string{"group", "topic", "outcome"},
	)

	projectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptforge",
			Subsystem: "projection",
			Name:      "duration_seconds",
			Help:      "Time spent applying one event to a read model.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"topic"},
	)

	spoolDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "promptforge",
			Subsystem: "producer",
			Name:      "spool_depth",
			Help:      "Messages waiting in the producer retry spool.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "promptforge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "promptforge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		eventsPublished,
		eventsConsumed,
		projectionDuration,
		spoolDepth,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordPublished(topic, outcome string) {
	eventsPublished.WithLabelValues(topic, outcome).Inc()
}

func RecordConsumed(group, topic, outcome string) {
	eventsConsumed.WithLabelValues(group, topic, outcome).Inc()
}

// ObserveProjection records how long one projection took.
func ObserveProjection(topic string, d time.Duration) {
	projectionDuration.WithLabelValues(topic).Observe(d.Seconds())
}

func SetSpoolDepth(n int) {
	spoolDepth.Set(float64(n))
}

// Middleware records request counts and durations by route pattern.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
			httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
