package middleware

import (
	"strconv"
	"time"

	"github.com/clipstash/importd/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Metrics records latency and counts for the import API. Routes are labeled
// by gin template (e.g. /api/jobs/:id), never the raw path, so job ids do
// not explode the cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := []string{c.Request.Method, route, strconv.Itoa(c.Writer.Status())}

		metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
	}
}
