package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/http/response"
	"github.com/yungbote/gazette-ingest/internal/services"
)

type IngestionHandler struct {
	svc services.IngestionService
}

func NewIngestionHandler(svc services.IngestionService) *IngestionHandler {
	return &IngestionHandler{svc: svc}
}

type runRequest struct {
	Category     string `json:"category" binding:"required"`
	LookbackDays int    `json:"lookback_days"`
	PageSize     int    `json:"page_size"`
	Wait         bool   `json:"wait"`
}

// POST /api/ingestion/runs
func (h *IngestionHandler) StartRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	sum, err := h.svc.Run(c.Request.Context(), services.RunRequest{
		Category: req.Category,
		Lookback: time.Duration(req.LookbackDays) * 24 * time.Hour,
		PageSize: req.PageSize,
		Wait:     req.Wait,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondRun(c, sum, req.Wait)
}

// GET /api/ingestion/runs/:id
func (h *IngestionHandler) GetRun(c *gin.Context) {
	sum, err := h.svc.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondRun(c, sum, true)
}
