package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSAllowsDashboardOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		env    string
		origin string
		allow  bool
	}{
		{name: "local dev", origin: "http://localhost:5173", allow: true},
		{name: "unknown", origin: "https://evil.example", allow: false},
		{name: "configured", env: "https://ops.example", origin: "https://ops.example", allow: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CORS_ALLOWED_ORIGINS", tc.env)
			r := gin.New()
			r.Use(CORS())
			r.OPTIONS("/api/ingestion/runs", func(c *gin.Context) {
				c.Status(http.StatusNoContent)
			})

			req := httptest.NewRequest(http.MethodOptions, "/api/ingestion/runs", nil)
			req.Header.Set("Origin", tc.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tc.allow && got != tc.origin {
				t.Fatalf("allow-origin: got=%q want=%q", got, tc.origin)
			}
			if !tc.allow && got != "" {
				t.Fatalf("origin %q should be refused, got %q", tc.origin, got)
			}
		})
	}
}
