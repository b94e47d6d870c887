package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/gazette-ingest/internal/data/db"
	"github.com/yungbote/gazette-ingest/internal/data/repos"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	apphttp "github.com/yungbote/gazette-ingest/internal/http"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/services"
)

const serviceName = "gazette-ingest"

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Metrics  *observability.Metrics
	Repos    repos.Set
	Clients  Clients
	Services Services
	Server   *apphttp.Server

	closers []func()
}

// New builds the logger from LOG_MODE, loads the config and wires the app.
func New(ctx context.Context) (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := Build(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

// Build wires every component from cfg. Optional backends that are not
// configured are left out.
func Build(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	a := &App{Log: log, Cfg: cfg}

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: cfg.Env,
	})
	a.closers = append(a.closers, func() { _ = shutdownOTel(context.Background()) })
	a.Metrics = observability.Init(log)

	store, err := db.NewService(log, cfg.DB)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	if err := store.AutoMigrateAll(); err != nil {
		a.Close()
		return nil, err
	}
	a.DB = store.DB()
	a.Repos = repos.NewSet(a.DB, log)

	clients, closeClients, err := wireClients(ctx, log, cfg, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Clients = clients
	a.closers = append(a.closers, closeClients)

	svcs, closeSvcs, err := wireServices(ctx, a.DB, log, cfg, a.Repos, clients, a.Metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = svcs
	a.closers = append(a.closers, closeSvcs)

	a.Server = apphttp.NewServer(wireRouter(log, a))
	return a, nil
}

// Serve runs the HTTP surface, the worker pool and the scheduler until ctx
// ends or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Log.Info("HTTP server listening", "addr", a.Cfg.HTTPAddr)
		return a.Server.Run(gctx, a.Cfg.HTTPAddr, a.Cfg.ShutdownTimeout)
	})
	g.Go(func() error { return a.Services.Worker.Run(gctx) })
	if a.Cfg.SchedulerEnabled {
		if err := a.Services.Scheduler.Start(gctx); err != nil {
			return err
		}
	}
	a.startBackground(gctx)

	return ignoreCanceled(g.Wait())
}

// RunWorker runs only the worker pool.
func (a *App) RunWorker(ctx context.Context) error {
	a.startBackground(ctx)
	return ignoreCanceled(a.Services.Worker.Run(ctx))
}

// RunOnce triggers a single ingestion run.
func (a *App) RunOnce(ctx context.Context, req services.RunRequest) (*services.Summary, error) {
	return a.Services.Ingestion.Run(ctx, req)
}

func (a *App) startBackground(ctx context.Context) {
	a.Metrics.StartJobQueueCollector(ctx, a.Log, a.DB)
	if a.Clients.Bus == nil {
		return
	}
	err := a.Clients.Bus.StartForwarder(ctx, func(ev types.ChangeEvent) {
		a.Log.Info("change event",
			"kind", ev.Kind,
			"record_id", ev.RecordID,
			"source_id", ev.SourceID,
			"previous", ev.Previous,
			"current", ev.Current,
		)
	})
	if err != nil {
		a.Log.Warn("change event subscription failed", "error", err)
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.Log != nil {
		a.Log.Sync()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
