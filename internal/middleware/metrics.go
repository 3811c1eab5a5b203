package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HWMO-Fire-Map/MapDemo/internal/observability"
)

// Metrics records request counts and latency per route pattern.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := routeOf(c)
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
