// Package jobs is the durable task queue over job_run.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepo "github.com/yungbote/gazette-ingest/internal/data/repos/jobs"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// Queue hands work to the worker pool.
type Queue interface {
	// Enqueue returns the live job for (record, op) when there is one, so
	// enqueuing twice never duplicates work.
	Enqueue(ctx context.Context, recordID uuid.UUID, op, runID string) (*types.JobRun, error)
}

type queue struct {
	log  *logger.Logger
	repo jobrepo.JobRunRepo
}

func NewQueue(log *logger.Logger, repo jobrepo.JobRunRepo) Queue {
	return &queue{log: log.With("service", "JobQueue"), repo: repo}
}

func (q *queue) Enqueue(ctx context.Context, recordID uuid.UUID, op, runID string) (*types.JobRun, error) {
	if recordID == uuid.Nil || op == "" {
		return nil, fmt.Errorf("enqueue: record and op required: %w", apierr.ErrInvalidArgument)
	}
	dbc := dbctx.Context{Ctx: ctx}
	if existing, err := q.repo.FindActive(dbc, recordID, op); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	payload, _ := json.Marshal(map[string]any{"record_id": recordID.String()})
	job := &types.JobRun{
		JobType:  op,
		RecordID: recordID,
		RunID:    runID,
		Payload:  datatypes.JSON(payload),
	}
	if _, err := q.repo.Create(dbc, []*types.JobRun{job}); err != nil {
		// Lost a race on the active-job index; the winner's row is the job.
		if existing, ferr := q.repo.FindActive(dbc, recordID, op); ferr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("enqueue %s for %s: %w", op, recordID, err)
	}
	q.log.Info("job enqueued", "job_id", job.ID, "job_type", op, "record_id", recordID, "run_id", runID)
	return job, nil
}
