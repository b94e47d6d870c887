package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const DefaultCacheTTL = 7 * 24 * time.Hour

// Store is satisfied by the Redis cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type cached struct {
	next    Analyzer
	store   Store
	ttl     time.Duration
	log     *logger.Logger
	metrics *observability.Metrics
}

// WithCache memoizes next keyed on sha256 of the trimmed text. Cache
// failures never fail the analysis.
func WithCache(log *logger.Logger, next Analyzer, store Store, ttl time.Duration, m *observability.Metrics) Analyzer {
	if store == nil {
		return next
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &cached{next: next, store: store, ttl: ttl, log: log.With("service", "AnalysisCache"), metrics: m}
}

func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func (c *cached) Analyze(ctx context.Context, text string) (*Analysis, error) {
	key := CacheKey(text)
	raw, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.metrics.IncAnalysisCache("error")
		c.log.Warn("analysis cache read failed", "error", err)
	case ok:
		var out Analysis
		if err := json.Unmarshal(raw, &out); err == nil {
			c.metrics.IncAnalysisCache("hit")
			return &out, nil
		}
		c.metrics.IncAnalysisCache("error")
	default:
		c.metrics.IncAnalysisCache("miss")
	}

	out, err := c.next.Analyze(ctx, text)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(out); err == nil {
		if err := c.store.Set(ctx, key, b, c.ttl); err != nil {
			c.log.Warn("analysis cache write failed", "error", err)
		}
	}
	return out, nil
}
