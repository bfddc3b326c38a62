// Package metrics holds the Prometheus collectors for result handling.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery_results",
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow transitions attempted, by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery_results",
			Subsystem: "rng",
			Name:      "generations_total",
			Help:      "Number sequences generated, by game type and entropy source.",
		},
		[]string{"game_type", "source"},
	)

	secureFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lottery_results",
			Subsystem: "rng",
			Name:      "secure_fallbacks_total",
			Help:      "Times the secure entropy source failed and the weak source was used.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lottery_results",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lottery_results",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		transitions,
		generations,
		secureFallbacks,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// RecordTransition counts one workflow operation and whether it succeeded.
func RecordTransition(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	transitions.WithLabelValues(op, outcome).Inc()
}

// RecordGeneration counts one generated sequence.
func RecordGeneration(gameType, source string, fellBack bool) {
	generations.WithLabelValues(gameType, source).Inc()
	if fellBack {
		secureFallbacks.Inc()
	}
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
