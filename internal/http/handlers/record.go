package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	"github.com/yungbote/gazette-ingest/internal/http/response"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
)

type RecordHandler struct {
	records repos.RecordRepo
}

func NewRecordHandler(records repos.RecordRepo) *RecordHandler {
	return &RecordHandler{records: records}
}

// GET /api/records/review
func (h *RecordHandler) ListNeedsReview(c *gin.Context) {
	recs, err := h.records.ListNeedsReview(dbctx.Context{Ctx: c.Request.Context()}, queryLimit(c))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondList(c, "records", recs)
}
