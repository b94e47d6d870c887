package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	jobrepo "github.com/yungbote/gazette-ingest/internal/data/repos/jobs"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// StaleRunning must exceed the longest backend timeout.
	StaleRunning time.Duration
	Retry        retry.Strategy
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:       envutil.Int("WORKER_CONCURRENCY", 4),
		PollInterval:      envutil.Duration("WORKER_POLL_INTERVAL", time.Second),
		HeartbeatInterval: envutil.Duration("JOB_HEARTBEAT_INTERVAL", 30*time.Second),
		StaleRunning:      envutil.Duration("JOB_STALE_RUNNING", 10*time.Minute),
		Retry: retry.Strategy{
			MaxAttempts: envutil.Int("JOB_MAX_ATTEMPTS", 5),
			BaseDelay:   envutil.Duration("JOB_RETRY_BASE_DELAY", 30*time.Second),
			MaxDelay:    envutil.Duration("JOB_RETRY_MAX_DELAY", 10*time.Minute),
			Multiplier:  2,
			Jitter:      0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 10 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Default()
	}
	return c
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     jobrepo.JobRunRepo
	registry *runtime.Registry
	cfg      Config
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo jobrepo.JobRunRepo, registry *runtime.Registry, cfg Config, m *observability.Metrics) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		now:      time.Now,
	}
}

// Run polls with cfg.Concurrency loops until ctx is done. Several processes
// may run pools against the same table; claims use SKIP LOCKED.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Starting job worker pool",
		"concurrency", w.cfg.Concurrency,
		"max_attempts", w.cfg.Retry.MaxAttempts,
		"job_types", w.registry.Types(),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			w.runLoop(gctx, workerID)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Drain while work is available, then wait for the next tick.
		for {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.StaleRunning)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *types.JobRun) {
	start := w.now()
	jc := runtime.NewContext(ctx, w.db, job, w.repo, w.log)

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		w.settle(jc, "dispatch", retry.Permanent(&missingHandlerError{JobType: job.JobType}), start)
		return
	}

	spanCtx, span := observability.StartSpan(jc.Ctx, "job."+job.JobType,
		attribute.String("job.id", job.ID.String()),
		attribute.String("record.id", job.RecordID.String()),
		attribute.Int("job.attempt", job.Attempts),
	)
	jc.Ctx = spanCtx

	stopHeartbeat := w.heartbeat(spanCtx, job)
	runErr := w.safeRun(h, jc)
	stopHeartbeat()

	observability.EndSpan(span, runErr)
	w.settle(jc, "run", runErr, start)
}

func (w *Worker) safeRun(h runtime.Handler, jc *runtime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Job handler panic",
				"job_id", jc.Job.ID,
				"job_type", jc.Job.JobType,
				"panic", r,
			)
			err = retry.Permanent(&panicError{Val: r})
		}
	}()
	return h.Run(jc)
}

// heartbeat refreshes heartbeat_at until the returned stop is called.
func (w *Worker) heartbeat(ctx context.Context, job *types.JobRun) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(w.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := w.repo.Heartbeat(dbctx.Context{Ctx: hbCtx}, job.ID); err != nil && hbCtx.Err() == nil {
					w.log.Warn("heartbeat failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// settle maps a handler result onto the job row: success, a backoff retry
// while attempts remain on a transient error, else failed_permanent.
func (w *Worker) settle(jc *runtime.Context, stage string, runErr error, start time.Time) {
	job := jc.Job
	var err error
	switch {
	case runErr == nil:
		if job.Status == jobdomain.StatusRunning {
			err = jc.Succeed("done", nil)
		}
	case errors.Is(runErr, context.Canceled) && jc.Ctx.Err() != nil:
		// Shutdown: leave the row running so the stale sweep reclaims it.
		w.log.Info("job interrupted by shutdown", "job_id", job.ID)
		return
	case w.cfg.Retry.ShouldRetry(job.Attempts, runErr):
		next := w.now().Add(w.cfg.Retry.Backoff(job.Attempts))
		w.log.Warn("job failed; will retry",
			"job_id", job.ID,
			"job_type", job.JobType,
			"attempt", job.Attempts,
			"next_run_at", next,
			"error", runErr,
		)
		err = jc.Retry(stage, runErr, next)
	default:
		if !retry.IsPermanent(runErr) && retry.IsTransient(runErr) {
			runErr = fmt.Errorf("%w after %d attempts: %w", retry.ErrAttemptsExhausted, job.Attempts, runErr)
		}
		w.log.Error("job failed permanently",
			"job_id", job.ID,
			"job_type", job.JobType,
			"attempt", job.Attempts,
			"error", runErr,
		)
		err = jc.FailPermanent(stage, runErr)
	}
	if err != nil {
		w.log.Error("job state update failed", "job_id", job.ID, "error", err)
	}
	w.metrics.ObserveJob(job.JobType, job.Status, w.now().Sub(start))
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
