package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/gazette-ingest/internal/http/handlers"
	httpMW "github.com/yungbote/gazette-ingest/internal/http/middleware"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

type RouterConfig struct {
	Log         *logger.Logger
	Metrics     *observability.Metrics
	ServiceName string

	IngestionHandler *httpH.IngestionHandler
	JobHandler       *httpH.JobHandler
	RecordHandler    *httpH.RecordHandler
	HealthHandler    *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "gazette-ingest"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		if cfg.IngestionHandler != nil {
			api.POST("/ingestion/runs", cfg.IngestionHandler.StartRun)
			api.GET("/ingestion/runs/:id", cfg.IngestionHandler.GetRun)
		}
		if cfg.JobHandler != nil {
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		}
		if cfg.RecordHandler != nil {
			api.GET("/records/review", cfg.RecordHandler.ListNeedsReview)
		}
	}
	return r
}
