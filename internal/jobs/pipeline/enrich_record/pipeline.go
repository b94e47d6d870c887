// Package enrich_record scores an extracted notice's relevance to STC's
// business units.
package enrich_record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/ingestion/analyzer"
	jobrt "github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	backendName  = "analyzer"
	noteFallback = "keyword fallback"
)

type Pipeline struct {
	log         *logger.Logger
	records     repos.RecordRepo
	analyzer    analyzer.Analyzer
	gate        *inflight.Gate
	maxAttempts int
	now         func() time.Time
}

// New wires the enrich job. A nil analyzer scores every record with the
// keyword fallback.
func New(baseLog *logger.Logger, records repos.RecordRepo, a analyzer.Analyzer, gate *inflight.Gate, maxAttempts int) *Pipeline {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Pipeline{
		log:         baseLog.With("job", jobdomain.OpEnrich),
		records:     records,
		analyzer:    a,
		gate:        gate,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (p *Pipeline) Type() string { return jobdomain.OpEnrich }

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	recordID := jc.Job.RecordID
	if recordID == uuid.Nil {
		recordID, _ = jc.PayloadUUID("record_id")
	}
	rec, err := p.records.GetByID(dbctx.Context{Ctx: jc.Ctx}, recordID)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	switch {
	case rec.MergedIntoID != nil:
		return jc.Succeed("skipped", types.JobResult{Skipped: "merged"})
	case rec.Body == nil:
		return jc.Succeed("skipped", types.JobResult{Skipped: "no_text"})
	case rec.AnalyzedAt != nil:
		return jc.Succeed("skipped", types.JobResult{Skipped: "already_analyzed"})
	}

	jc.Stage("analyzing")
	analysis, note, err := p.analyze(jc, rec)
	if err != nil {
		return err
	}

	now := p.now().UTC()
	if err := p.records.UpdateFields(dbctx.Context{Ctx: jc.Ctx}, rec.ID, map[string]interface{}{
		"relevance_score":      analysis.RelevanceScore,
		"relevance_confidence": analysis.Confidence,
		"keywords":             datatypes.JSONSlice[string](analysis.Keywords),
		"sectors":              datatypes.JSONSlice[string](analysis.Sectors),
		"recommended_team":     analysis.RecommendedTeam,
		"reasoning":            analysis.Reasoning,
		"analyzed_at":          now,
	}); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return jc.Succeed("analyzed", types.JobResult{Relevance: analysis.RelevanceScore, Note: note})
}

// analyze calls the model through the backend gate. Permanent failures, and
// any failure on the last attempt, fall back to keyword scoring so every
// extracted record ends up with a relevance.
func (p *Pipeline) analyze(jc *jobrt.Context, rec *types.Record) (*analyzer.Analysis, string, error) {
	entity := ""
	if rec.Entity != nil {
		entity = *rec.Entity
	}
	if p.analyzer == nil {
		return analyzer.KeywordScore(*rec.Body, entity), noteFallback, nil
	}

	var out *analyzer.Analysis
	err := p.gate.Do(jc.Ctx, backendName, func(ctx context.Context) error {
		a, err := p.analyzer.Analyze(ctx, *rec.Body)
		out = a
		return err
	})
	if err == nil && out != nil {
		return out, "", nil
	}
	if err == nil {
		err = errors.New("analyzer returned no analysis")
	}
	if jc.Ctx.Err() != nil {
		return nil, "", jc.Ctx.Err()
	}
	if retry.IsPermanent(err) || jc.Attempt() >= p.maxAttempts {
		p.log.Warn("analysis failed; using keyword fallback",
			"record_id", rec.ID,
			"attempt", jc.Attempt(),
			"error", err,
		)
		return analyzer.KeywordScore(*rec.Body, entity), fmt.Sprintf("%s: %v", noteFallback, err), nil
	}
	return nil, "", retry.Transient(err)
}
