package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	redisclient "github.com/yungbote/gazette-ingest/internal/clients/redis"
	"github.com/yungbote/gazette-ingest/internal/ingestion/analyzer"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/gcp"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/openai"
)

// Clients holds the optional external backends. Nil fields mean the backend
// is not configured and its local fallback is used.
type Clients struct {
	Redis    *goredis.Client
	Bus      redisclient.EventBus
	Archive  gcp.Archive
	Analyzer analyzer.Analyzer
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config, m *observability.Metrics) (Clients, func(), error) {
	var (
		out     Clients
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Redis.Enabled() {
		rdb, err := redisclient.Open(ctx, cfg.Redis)
		if err != nil {
			closeAll()
			return Clients{}, nil, fmt.Errorf("init redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		bus, err := redisclient.NewEventBus(log, rdb, cfg.Redis.Channel)
		if err != nil {
			closeAll()
			return Clients{}, nil, fmt.Errorf("init change bus: %w", err)
		}
		out.Redis, out.Bus = rdb, bus
	} else {
		log.Warn("REDIS_URL/REDIS_ADDR not set; using in-process run lock and no change bus")
	}

	if cfg.Archive.Enabled() {
		archive, err := gcp.NewArchive(ctx, log, cfg.Archive)
		if err != nil {
			closeAll()
			return Clients{}, nil, fmt.Errorf("init document archive: %w", err)
		}
		closers = append(closers, func() { _ = archive.Close() })
		out.Archive = archive
	}

	if cfg.OpenAI.Enabled() {
		client, err := openai.NewClient(log, cfg.OpenAI)
		if err != nil {
			closeAll()
			return Clients{}, nil, fmt.Errorf("init openai: %w", err)
		}
		a, err := analyzer.New(log, client, m)
		if err != nil {
			closeAll()
			return Clients{}, nil, fmt.Errorf("init analyzer: %w", err)
		}
		if out.Redis != nil {
			a = analyzer.WithCache(log, a, redisclient.NewCache(out.Redis, "analysis"), cfg.AnalysisCacheTTL, m)
		}
		out.Analyzer = a
	} else {
		log.Warn("OPENAI_API_KEY not set; relevance falls back to keyword scoring")
	}

	return out, closeAll, nil
}
