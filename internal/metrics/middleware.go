package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/quotagate/quotagate/internal/logging"
)

// UnmatchedEndpoint labels requests that matched no route.
const UnmatchedEndpoint = "unmatched"

// Middleware records HTTP metrics for each request.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		// Raw paths embed tenant IDs; only route templates become labels.
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = UnmatchedEndpoint
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error", "endpoint", endpoint, "error", c.Errors.String())
		}
	}
}
