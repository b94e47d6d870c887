package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	redisclient "github.com/yungbote/gazette-ingest/internal/clients/redis"
	"github.com/yungbote/gazette-ingest/internal/data/repos"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/changes"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dedup"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/ingestion/fetcher"
	"github.com/yungbote/gazette-ingest/internal/ingestion/validate"
	"github.com/yungbote/gazette-ingest/internal/jobs"
	"github.com/yungbote/gazette-ingest/internal/jobs/pipeline/enrich_record"
	"github.com/yungbote/gazette-ingest/internal/jobs/pipeline/extract_record"
	jobruntime "github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/jobs/worker"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/scheduler"
	"github.com/yungbote/gazette-ingest/internal/services"
)

type Services struct {
	Catalog   *catalog.Client
	Engine    *extractor.Engine
	Queue     jobs.Queue
	Registry  *jobruntime.Registry
	Worker    *worker.Worker
	Ingestion services.IngestionService
	Scheduler *scheduler.Scheduler
}

func wireServices(
	ctx context.Context,
	theDB *gorm.DB,
	log *logger.Logger,
	cfg Config,
	reposet repos.Set,
	clients Clients,
	m *observability.Metrics,
) (Services, func(), error) {
	noop := func() {}

	cal, err := dates.NewCalendar(append(append([]dates.MonthStart(nil), dates.DefaultMonthStarts...), cfg.MonthStarts...))
	if err != nil {
		return Services{}, noop, fmt.Errorf("hijri calendar: %w", err)
	}
	normalizer := dates.NewNormalizer(log, cal)

	cat, err := catalog.New(log, cfg.Catalog)
	if err != nil {
		return Services{}, noop, fmt.Errorf("init catalog client: %w", err)
	}
	fetch := fetcher.New(log, cat, cfg.Fetch)

	// One gate bounds every backend call: tier calls and the analyzer.
	gate := inflight.FromEnv(m)
	tiers, closeTiers, err := extractor.BuildTiers(ctx, log, cfg.Tiers, gate)
	if err != nil {
		return Services{}, noop, fmt.Errorf("init extraction tiers: %w", err)
	}
	engine := extractor.NewEngine(log, tiers, cfg.Engine,
		extractor.WithValidator(validate.New(log, cfg.Validate, m)),
		extractor.WithMetrics(m),
	)
	if len(tiers) == 0 {
		log.Warn("no extraction tier configured; every page will need review")
	} else {
		log.Info("extraction tiers ready", "tiers", engine.TierNames())
	}

	queue := jobs.NewQueue(log, reposet.Jobs)
	maxAttempts := cfg.Worker.Retry.MaxAttempts

	var publisher changes.Publisher
	if clients.Bus != nil {
		publisher = clients.Bus
	}
	detector := changes.New(log, m)

	registry := jobruntime.NewRegistry()
	handlers := []jobruntime.Handler{
		extract_record.New(
			theDB, log, reposet.Records, queue, cat, clients.Archive, engine,
			detector, publisher, maxAttempts,
		),
		enrich_record.New(log, reposet.Records, clients.Analyzer, gate, maxAttempts),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			closeTiers()
			return Services{}, noop, fmt.Errorf("register %s: %w", h.Type(), err)
		}
	}
	w := worker.NewWorker(theDB, log, reposet.Jobs, registry, cfg.Worker, m)

	var lock services.RunLocker
	if clients.Redis != nil {
		lock = redisclient.NewRunLock(clients.Redis, cfg.RunLockTTL)
	} else {
		lock = services.NewLocalRunLock()
	}
	ingestion := services.NewIngestionService(
		log,
		fetch,
		dedup.New(log, reposet.Records),
		detector,
		publisher,
		normalizer,
		reposet,
		queue,
		lock,
		m,
		cfg.Ingestion,
	)

	sched, err := scheduler.New(log, ingestion, cfg.Scheduler)
	if err != nil {
		closeTiers()
		return Services{}, noop, err
	}

	return Services{
		Catalog:   cat,
		Engine:    engine,
		Queue:     queue,
		Registry:  registry,
		Worker:    w,
		Ingestion: ingestion,
		Scheduler: sched,
	}, closeTiers, nil
}
