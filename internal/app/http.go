package app

import (
	"context"

	apphttp "github.com/yungbote/gazette-ingest/internal/http"
	httpH "github.com/yungbote/gazette-ingest/internal/http/handlers"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

func wireRouter(log *logger.Logger, a *App) apphttp.RouterConfig {
	checks := map[string]httpH.Pinger{}
	if rdb := a.Clients.Redis; rdb != nil {
		checks["redis"] = httpH.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return apphttp.RouterConfig{
		Log:              log,
		Metrics:          a.Metrics,
		ServiceName:      serviceName,
		IngestionHandler: httpH.NewIngestionHandler(a.Services.Ingestion),
		JobHandler:       httpH.NewJobHandler(a.Repos.Jobs),
		RecordHandler:    httpH.NewRecordHandler(a.Repos.Records),
		HealthHandler:    httpH.NewHealthHandler(a.DB, checks),
	}
}
