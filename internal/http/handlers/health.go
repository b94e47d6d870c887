package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Pinger is any dependency the health check pings besides the database.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	db     *gorm.DB
	checks map[string]Pinger
}

func NewHealthHandler(db *gorm.DB, checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{db: db, checks: checks}
}

// GET /healthz
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	report := gin.H{}
	if h.db != nil {
		report["database"] = "ok"
		if sqlDB, err := h.db.DB(); err != nil {
			report["database"], status = err.Error(), http.StatusServiceUnavailable
		} else if err := sqlDB.PingContext(ctx); err != nil {
			report["database"], status = err.Error(), http.StatusServiceUnavailable
		}
	}
	for name, p := range h.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			report[name], status = err.Error(), http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	report["status"] = "ok"
	if status != http.StatusOK {
		report["status"] = "degraded"
	}
	c.JSON(status, report)
}
