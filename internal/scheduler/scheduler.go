// Package scheduler triggers ingestion runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/services"
)

const DefaultSpec = "0 */6 * * *"

var DefaultCategories = []string{"tenders", "auctions", "practices"}

// Runner is the ingestion capability the scheduler drives.
type Runner interface {
	Run(ctx context.Context, req services.RunRequest) (*services.Summary, error)
}

type Config struct {
	Spec       string
	Categories []string
	// Lookback <= 0 uses the ingestion service default.
	Lookback time.Duration
	PageSize int
}

func ConfigFromEnv() Config {
	return Config{
		Spec:       envutil.String("INGEST_CRON", DefaultSpec),
		Categories: envutil.List("INGEST_CATEGORIES", DefaultCategories),
		Lookback:   envutil.Duration("INGEST_LOOKBACK", 0),
		PageSize:   envutil.Int("FETCH_PAGE_SIZE", 0),
	}
}

type Scheduler struct {
	log      *logger.Logger
	runner   Runner
	cfg      Config
	cron     *cron.Cron
	schedule cron.Schedule

	mu      sync.Mutex
	ctx     context.Context
	entryID cron.EntryID
}

// New validates the cron spec. The schedule is read in Kuwait time.
func New(log *logger.Logger, runner Runner, cfg Config) (*Scheduler, error) {
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(cfg.Spec) == "" {
		cfg.Spec = DefaultSpec
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse INGEST_CRON %q: %w", cfg.Spec, err)
	}
	log = log.With("component", "Scheduler")
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(dates.Location()),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{log: log, runner: runner, cfg: cfg, cron: c, schedule: schedule, ctx: context.Background()}, nil
}

// Start registers the run and starts the cron loop. It stops when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	id, err := s.cron.AddFunc(s.cfg.Spec, func() { s.RunAll(s.runContext()) })
	if err != nil {
		return fmt.Errorf("schedule ingestion: %w", err)
	}
	s.entryID = id
	s.cron.Start()
	s.log.Info("scheduler started",
		"spec", s.cfg.Spec,
		"categories", s.cfg.Categories,
		"next_run", s.NextRun(time.Now()).Format(time.RFC3339),
	)
	go func() {
		<-ctx.Done()
		<-s.Stop().Done()
	}()
	return nil
}

// Stop prevents new runs; the returned context ends when a running one
// finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) NextRun(after time.Time) time.Time {
	return s.schedule.Next(after.In(dates.Location()))
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// RunAll runs every configured category in turn. A failing category is
// logged and does not stop the others.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, category := range s.cfg.Categories {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		sum, err := s.runner.Run(ctx, services.RunRequest{
			Category: category,
			Lookback: s.cfg.Lookback,
			PageSize: s.cfg.PageSize,
		})
		switch {
		case err != nil && services.IsRunLocked(err):
			s.log.Info("skipping scheduled run; category busy", "category", category)
		case err != nil:
			s.log.Error("scheduled run failed", "category", category, "error", err)
		default:
			s.log.Info("scheduled run done",
				"category", category,
				"run_id", sum.RunID,
				"fetched", sum.Fetched,
				"new", sum.New,
				"queued", sum.Queued,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}

// cronLogger routes cron's own messages through the service logger.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
