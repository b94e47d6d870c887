package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/services"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []services.RunRequest
	errs map[string]error
}

func (r *fakeRunner) Run(_ context.Context, req services.RunRequest) (*services.Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if err := r.errs[req.Category]; err != nil {
		return nil, err
	}
	return &services.Summary{RunID: "run-" + req.Category}, nil
}

func TestRunAllContinuesPastFailures(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"tenders":  errors.New("catalog down"),
		"auctions": fmt.Errorf("auctions: %w", services.ErrRunInProgress),
	}}
	s, err := New(logger.Nop(), runner, Config{Lookback: 72 * time.Hour})
	require.NoError(t, err)

	s.RunAll(context.Background())
	require.Len(t, runner.reqs, 3)
	for i, category := range DefaultCategories {
		assert.Equal(t, category, runner.reqs[i].Category)
		assert.Equal(t, 72*time.Hour, runner.reqs[i].Lookback)
	}
}

func TestRunAllStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{}
	s, err := New(logger.Nop(), runner, Config{Categories: []string{"tenders"}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunAll(ctx)
	assert.Empty(t, runner.reqs)
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(logger.Nop(), &fakeRunner{}, Config{Spec: "every six hours"})
	assert.Error(t, err)
}

func TestNextRunUsesKuwaitTime(t *testing.T) {
	s, err := New(logger.Nop(), &fakeRunner{}, Config{})
	require.NoError(t, err)

	// 04:30 in Kuwait; the next 6-hourly slot is 06:00 Kuwait.
	after := time.Date(2025, 3, 1, 4, 30, 0, 0, dates.Location())
	next := s.NextRun(after).In(dates.Location())
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 1, next.Day())
}
