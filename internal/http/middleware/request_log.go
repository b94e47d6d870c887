package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// quietRoutes are polled by health checks and scrapers; they only log at debug
// unless they fail.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// RequestLogger writes one line per operator request. Run and job lookups
// carry the id they asked for so a log search joins them to worker lines.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeOf(c)
		fields := []interface{}{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, "id", id)
		}
		if q := c.Query("status"); q != "" {
			fields = append(fields, "job_status", q)
		}
		if id := ctxutil.RequestID(c.Request.Context()); id != "" {
			fields = append(fields, "request_id", id)
		}
		if id := c.GetString("trace_id"); id != "" {
			fields = append(fields, "trace_id", id)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "error", c.Errors.String())
		}

		switch {
		case status >= 500:
			log.Error("operator request failed", fields...)
		case status >= 400:
			log.Warn("operator request rejected", fields...)
		case quietRoutes[route]:
			log.Debug("health request", fields...)
		default:
			log.Info("operator request", fields...)
		}
	}
}

// routeOf is the matched route pattern, so ids never become label or log
// cardinality. Unmatched paths collapse to one value.
func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unmatched"
}
