package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/gazette-ingest/internal/data/repos/jobs"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

/*
Context is the execution handle for a single claimed job_run.
It wraps:
	- the request-scoped context (cancellation, run id)
	- the database handle handlers open their own transactions on
	- the in-memory job_run row
	- the only sanctioned ways to record a stage or a terminal state
Handlers never write job_run directly. Lifecycle transitions go through
Stage, Succeed, Retry and FailPermanent so the invariants stay here.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Job     *types.JobRun
	Repo    jobrepo.JobRunRepo
	Log     *logger.Logger
	payload map[string]any
}

// NewContext decodes the payload eagerly; a malformed payload leaves an
// empty map and handlers validate what they need.
func NewContext(ctx context.Context, db *gorm.DB, job *types.JobRun, repo jobrepo.JobRunRepo, log *logger.Logger) *Context {
	if log == nil {
		log = logger.Nop()
	}
	c := &Context{
		Ctx:  ctxutil.Default(ctx),
		DB:   db,
		Job:  job,
		Repo: repo,
		Log:  log,
	}
	if job != nil {
		c.Log = log.With("job_id", job.ID, "job_type", job.JobType, "record_id", job.RecordID)
		if job.RunID != "" {
			c.Ctx = ctxutil.WithRunID(c.Ctx, job.RunID)
		}
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Attempt is the 1-based attempt number of this execution.
func (c *Context) Attempt() int {
	if c.Job == nil {
		return 0
	}
	return c.Job.Attempts
}

func (c *Context) dbc() dbctx.Context { return dbctx.Context{Ctx: c.Ctx} }

// Stage records progress and refreshes the heartbeat.
func (c *Context) Stage(stage string) {
	if c == nil || c.Job == nil {
		return
	}
	now := time.Now().UTC()
	if c.Repo != nil && c.Job.ID != uuid.Nil {
		if err := c.Repo.UpdateFields(c.dbc(), c.Job.ID, map[string]interface{}{
			"stage":        stage,
			"heartbeat_at": now,
		}); err != nil {
			c.Log.Warn("stage update failed", "stage", stage, "error", err)
		}
	}
	c.Job.Stage = stage
	c.Job.HeartbeatAt = &now
}

// Succeed stores result as job_run.result and clears the lock.
func (c *Context) Succeed(stage string, result any) error {
	if c == nil || c.Job == nil {
		return nil
	}
	var res datatypes.JSON
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		res = datatypes.JSON(b)
	}
	now := time.Now().UTC()
	if err := c.finish(map[string]interface{}{
		"status":       jobdomain.StatusSucceeded,
		"stage":        stage,
		"error":        "",
		"result":       res,
		"locked_at":    nil,
		"heartbeat_at": now,
		"next_run_at":  nil,
	}); err != nil {
		return err
	}
	c.Job.Status = jobdomain.StatusSucceeded
	c.Job.Stage = stage
	c.Job.Error = ""
	c.Job.Result = res
	c.Job.LockedAt = nil
	c.Job.NextRunAt = nil
	return nil
}

// Retry parks the job as failed until next; ClaimNextRunnable picks it up
// again once next has passed.
func (c *Context) Retry(stage string, err error, next time.Time) error {
	if c == nil || c.Job == nil {
		return nil
	}
	now := time.Now().UTC()
	next = next.UTC()
	msg := errString(err)
	if uerr := c.finish(map[string]interface{}{
		"status":        jobdomain.StatusFailed,
		"stage":         stage,
		"error":         msg,
		"last_error_at": now,
		"next_run_at":   next,
		"locked_at":     nil,
	}); uerr != nil {
		return uerr
	}
	c.Job.Status = jobdomain.StatusFailed
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	c.Job.NextRunAt = &next
	c.Job.LockedAt = nil
	return nil
}

// FailPermanent keeps the job for inspection with its error preserved.
func (c *Context) FailPermanent(stage string, err error) error {
	if c == nil || c.Job == nil {
		return nil
	}
	now := time.Now().UTC()
	msg := errString(err)
	if uerr := c.finish(map[string]interface{}{
		"status":        jobdomain.StatusFailedPermanent,
		"stage":         stage,
		"error":         msg,
		"last_error_at": now,
		"next_run_at":   nil,
		"locked_at":     nil,
	}); uerr != nil {
		return uerr
	}
	c.Job.Status = jobdomain.StatusFailedPermanent
	c.Job.Stage = stage
	c.Job.Error = msg
	c.Job.LastErrorAt = &now
	c.Job.NextRunAt = nil
	c.Job.LockedAt = nil
	return nil
}

// finish writes a terminal or parked state even when the job context was
// canceled, so shutdown never strands a row in running.
func (c *Context) finish(updates map[string]interface{}) error {
	if c.Repo == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Ctx), 10*time.Second)
	defer cancel()
	return c.Repo.UpdateFields(dbctx.Context{Ctx: ctx}, c.Job.ID, updates)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
