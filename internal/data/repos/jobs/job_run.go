package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

// StatusCount is one row of a per-run status breakdown.
type StatusCount struct {
	Status string
	Count  int64
}

type JobRunRepo interface {
	Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error)
	FindActive(dbc dbctx.Context, recordID uuid.UUID, jobType string) (*types.JobRun, error)
	ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.JobRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	ListByStatus(dbc dbctx.Context, status string, limit int) ([]*types.JobRun, error)
	ListByRun(dbc dbctx.Context, runID string) ([]*types.JobRun, error)
	CountByRun(dbc dbctx.Context, runID string) ([]StatusCount, error)
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{
		db:  db,
		log: baseLog.With("repo", "JobRunRepo"),
	}
}

func (r *jobRunRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	if len(jobs) == 0 {
		return []*types.JobRun{}, nil
	}
	if err := dbc.DB(r.db).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	var job types.JobRun
	err := dbc.DB(r.db).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("job %s: %w", id, apierr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindActive returns the queued, running or retry-pending job for
// (record, job type), or nil when there is none.
func (r *jobRunRepo) FindActive(dbc dbctx.Context, recordID uuid.UUID, jobType string) (*types.JobRun, error) {
	if recordID == uuid.Nil || jobType == "" {
		return nil, nil
	}
	var job types.JobRun
	err := dbc.DB(r.db).
		Where("record_id = ? AND job_type = ? AND status IN ?", recordID, jobType,
			[]string{jobdomain.StatusQueued, jobdomain.StatusRunning, jobdomain.StatusFailed}).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

// ClaimNextRunnable picks the oldest queued job, a failed job whose backoff
// elapsed, or a running job whose heartbeat went stale, and marks it running.
// Failed jobs are only re-queued by the worker while attempts remain, so the
// attempt ceiling lives in the retry strategy rather than here.
func (r *jobRunRepo) ClaimNextRunnable(dbc dbctx.Context, staleRunning time.Duration) (*types.JobRun, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.JobRun
	err := dbc.DB(r.db).Transaction(func(txx *gorm.DB) error {
		var job types.JobRun
		q := txx
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		q = q.Where(`
        (
          status = ?
          OR (
            status = ?
            AND (next_run_at IS NULL OR next_run_at <= ?)
          )
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, jobdomain.StatusQueued, jobdomain.StatusFailed, now, jobdomain.StatusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		res := txx.Model(&types.JobRun{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]interface{}{
				"status":       jobdomain.StatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		job.Status = jobdomain.StatusRunning
		job.Attempts++
		job.LockedAt = &now
		job.HeartbeatAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return dbc.DB(r.db).
		Model(&types.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return dbc.DB(r.db).
		Model(&types.JobRun{}).
		Where("id = ? AND status = ?", id, jobdomain.StatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *jobRunRepo) ListByStatus(dbc dbctx.Context, status string, limit int) ([]*types.JobRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.JobRun
	err := dbc.DB(r.db).
		Where("status = ?", status).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) ListByRun(dbc dbctx.Context, runID string) ([]*types.JobRun, error) {
	var out []*types.JobRun
	if runID == "" {
		return out, nil
	}
	if err := dbc.DB(r.db).Where("run_id = ?", runID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) CountByRun(dbc dbctx.Context, runID string) ([]StatusCount, error) {
	var out []StatusCount
	if runID == "" {
		return out, nil
	}
	err := dbc.DB(r.db).
		Model(&types.JobRun{}).
		Select("status, count(*) AS count").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
