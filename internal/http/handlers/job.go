package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/http/response"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
)

var jobStatuses = map[string]bool{
	jobdomain.StatusQueued:          true,
	jobdomain.StatusRunning:         true,
	jobdomain.StatusSucceeded:       true,
	jobdomain.StatusFailed:          true,
	jobdomain.StatusFailedPermanent: true,
}

type JobHandler struct {
	jobs repos.JobRunRepo
}

func NewJobHandler(jobs repos.JobRunRepo) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// GET /api/jobs?status=failed_permanent&limit=100
func (h *JobHandler) ListJobs(c *gin.Context) {
	status := strings.TrimSpace(c.DefaultQuery("status", jobdomain.StatusFailedPermanent))
	if !jobStatuses[status] {
		response.RespondError(c, http.StatusBadRequest, "invalid_status", fmt.Errorf("unknown job status %q", status))
		return
	}
	jobs, err := h.jobs.ListByStatus(dbctx.Context{Ctx: c.Request.Context()}, status, queryLimit(c))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondList(c, "jobs", jobs)
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetByID(dbctx.Context{Ctx: c.Request.Context()}, jobID)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			response.RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// queryLimit reads ?limit=; the repos clamp out-of-range values.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		return 100
	}
	return n
}
