package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yungbote/gazette-ingest/internal/observability"
)

func TestMetricsSkipsScrapesAndCollapsesUnmatchedRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg, reg)

	r := gin.New()
	r.Use(Metrics(m))
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/ingestion/runs/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/metrics", "/api/ingestion/runs/run-1", "/api/ingestion/runs/run-2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := promtest.ToFloat64(m.APIRequests.WithLabelValues(http.MethodGet, "/api/ingestion/runs/:id", "200")); got != 2 {
		t.Fatalf("run lookups: got %v, want 2", got)
	}
	if got := promtest.ToFloat64(m.APIRequests.WithLabelValues(http.MethodGet, "unmatched", "404")); got != 1 {
		t.Fatalf("unmatched: got %v, want 1", got)
	}
	if got := promtest.ToFloat64(m.APIRequests.WithLabelValues(http.MethodGet, "/metrics", "200")); got != 0 {
		t.Fatalf("scrapes must not be counted, got %v", got)
	}
	if got := promtest.ToFloat64(m.APIInflight); got != 0 {
		t.Fatalf("inflight gauge should settle at 0, got %v", got)
	}
}
