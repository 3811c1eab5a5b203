package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HWMO-Fire-Map/MapDemo/internal/logger"
)

const loggerKey = "logger"

// Logger stores a request-scoped logger in the context and logs each completed
// request. Health check and scrape endpoints are logged at debug level only.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := log.WithRequestID(GetRequestID(c))
		c.Set(loggerKey, requestLogger)

		c.Next()

		status := c.Writer.Status()
		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       routeOf(c),
			"status":      status,
			"bytes":       c.Writer.Size(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		}
		if c.Request.URL.RawQuery != "" {
			fields["query"] = c.Request.URL.RawQuery
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			requestLogger.Error("Request completed with server error", nil, fields)
		case status >= 400:
			requestLogger.Warn("Request completed with client error", fields)
		case isQuietPath(c.Request.URL.Path):
			requestLogger.Debug("Request completed", fields)
		default:
			requestLogger.Info("Request completed", fields)
		}
	}
}

// GetLogger retrieves the logger from the Gin context.
// Returns nil if not found.
func GetLogger(c *gin.Context) *logger.Logger {
	if v, exists := c.Get(loggerKey); exists {
		if l, ok := v.(*logger.Logger); ok {
			return l
		}
	}
	return nil
}

// routeOf returns the matched route pattern, or "unmatched" for 404s, so
// labels and log fields stay low-cardinality.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}

func isQuietPath(path string) bool {
	return path == "/metrics" || strings.HasPrefix(path, "/health")
}
