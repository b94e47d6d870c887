// Package inflight bounds concurrent calls to external backends (OCR tiers,
// the analyzer) with one weighted semaphore shared across workers.
package inflight

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
)

const DefaultMaxInflight = 20

type Gate struct {
	sem     *semaphore.Weighted
	size    int64
	metrics *observability.Metrics
}

func New(size int64, m *observability.Metrics) *Gate {
	if size <= 0 {
		size = DefaultMaxInflight
	}
	return &Gate{sem: semaphore.NewWeighted(size), size: size, metrics: m}
}

// FromEnv sizes the gate from BACKEND_MAX_INFLIGHT.
func FromEnv(m *observability.Metrics) *Gate {
	return New(int64(envutil.Int("BACKEND_MAX_INFLIGHT", DefaultMaxInflight)), m)
}

func (g *Gate) Size() int64 {
	if g == nil {
		return 0
	}
	return g.size
}

// Do runs fn while holding one slot. A nil gate runs fn unbounded.
func (g *Gate) Do(ctx context.Context, backend string, fn func(ctx context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.metrics.BackendInflightAdd(backend, 1)
	defer func() {
		g.metrics.BackendInflightAdd(backend, -1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}
