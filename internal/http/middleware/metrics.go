package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/observability"
)

// Metrics records operator API traffic. Prometheus scrapes of /metrics are
// not counted, so the request series only reflect operator and health-check calls.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	if m == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		m.APIInflightAdd(1)
		defer m.APIInflightAdd(-1)
		c.Next()
		m.ObserveAPI(c.Request.Method, routeOf(c), strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
