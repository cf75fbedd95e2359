package diag

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// diagReqs counts diagnostics requests by method, route, and status.
	// Routes come from the registered Gin path so cardinality stays bounded.
	diagReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_http_requests_total",
			Help: "Total number of diagnostics HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	diagLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diag_http_request_duration_seconds",
			Help:    "Duration of diagnostics HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	diagInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diag_http_in_flight_requests",
			Help: "Number of diagnostics HTTP requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(diagReqs, diagLat, diagInFlight)
}

// httpMetrics instruments every diagnostics request. The /metrics route
// itself is skipped so scrapes do not inflate their own series.
func httpMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if path == "/metrics" {
			c.Next()
			return
		}

		diagInFlight.Inc()
		start := time.Now()
		c.Next()
		diagInFlight.Dec()

		status := strconv.Itoa(c.Writer.Status())
		diagReqs.WithLabelValues(c.Request.Method, path, status).Inc()
		diagLat.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
