package metrics

import (
	"strconv"
	"time"

	"github.com/firetree/firetree/internal/logging"
	"github.com/gin-gonic/gin"
)

// RouteKey lets a handler reached through NoRoute name its endpoint label.
const RouteKey = "metrics.route"

// Middleware records HTTP metrics for each request served by the emulator.
// Endpoints are labelled by route pattern so tree paths do not explode cardinality.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		c.Next()

		duration := time.Since(start).Seconds()
		code := c.Writer.Status()
		status := strconv.Itoa(code)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.GetString(RouteKey)
		}
		if endpoint == "" {
			endpoint = "unmatched"
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 {
			m.RecordError("handler", c.Request.Method)
			logger.ErrorWithContext(c.Request.Context(), "request error",
				"path", c.Request.URL.Path,
				"status", code,
				"error", c.Errors.String(),
			)
		}
	}
}
