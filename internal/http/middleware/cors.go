package middleware

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
)

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:5173",
}

// CORS admits the operator dashboard. CORS_ALLOWED_ORIGINS overrides the
// local dev origins.
func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: envutil.List("CORS_ALLOWED_ORIGINS", defaultOrigins),
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Request-Id", "X-Trace-Id"},
	})
}
