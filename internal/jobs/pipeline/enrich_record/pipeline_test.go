package enrich_record

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	"github.com/yungbote/gazette-ingest/internal/data/repos/testutil"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/domain/records"
	"github.com/yungbote/gazette-ingest/internal/ingestion/analyzer"
	jobrt "github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

type stubAnalyzer struct {
	calls int
	out   *analyzer.Analysis
	err   error
}

func (s *stubAnalyzer) Analyze(context.Context, string) (*analyzer.Analysis, error) {
	s.calls++
	return s.out, s.err
}

func setup(t *testing.T, a analyzer.Analyzer) (repos.Set, *Pipeline, func(rec *types.Record, attempt int) (*types.JobRun, error)) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	p := New(log, set.Records, a, inflight.New(2, nil), 3)
	run := func(rec *types.Record, attempt int) (*types.JobRun, error) {
		job := &types.JobRun{JobType: jobdomain.OpEnrich, RecordID: rec.ID, Status: jobdomain.StatusRunning, Attempts: attempt}
		_, err := set.Jobs.Create(dbctx.Context{Ctx: context.Background()}, []*types.JobRun{job})
		require.NoError(t, err)
		err = p.Run(jobrt.NewContext(context.Background(), db, job, set.Jobs, log))
		if err != nil {
			require.NoError(t, set.Jobs.UpdateFields(dbctx.Context{Ctx: context.Background()}, job.ID, map[string]interface{}{"status": jobdomain.StatusFailedPermanent}))
		}
		return job, err
	}
	return set, p, run
}

func extractedRecord(t *testing.T, set repos.Set, body string) *types.Record {
	t.Helper()
	entity := "وزارة المواصلات"
	rec := &types.Record{
		SourceID:         "KA-" + time.Now().Format("150405.000000"),
		Category:         records.CategoryTenders,
		CategoryID:       1,
		Title:            "مناقصة",
		Fingerprint:      "fp",
		Body:             &body,
		Entity:           &entity,
		ExtractionStatus: records.ExtractionDone,
	}
	require.NoError(t, set.Records.Create(dbctx.Context{Ctx: context.Background()}, rec))
	return rec
}

func TestEnrichStoresAnalysis(t *testing.T) {
	stub := &stubAnalyzer{out: &analyzer.Analysis{
		RelevanceScore:  analyzer.RelevanceHigh,
		Confidence:      0.8,
		Keywords:        []string{"fiber"},
		Sectors:         []string{"Telecom infrastructure"},
		RecommendedTeam: analyzer.TeamGovernment,
		Reasoning:       "fiber rollout",
	}}
	set, _, run := setup(t, stub)
	rec := extractedRecord(t, set, "Supply and installation of fiber network")

	job, err := run(rec, 1)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusSucceeded, job.Status)
	assert.Contains(t, string(job.Result), `"relevance":"high"`)

	got, err := set.Records.GetByID(dbctx.Context{Ctx: context.Background()}, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RelevanceScore)
	assert.Equal(t, analyzer.RelevanceHigh, *got.RelevanceScore)
	require.NotNil(t, got.RecommendedTeam)
	assert.Equal(t, analyzer.TeamGovernment, *got.RecommendedTeam)
	assert.Equal(t, []string{"fiber"}, []string(got.Keywords))
	assert.NotNil(t, got.AnalyzedAt)

	// Analyzed records are not scored again.
	_, err = run(got, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.calls)
}

func TestEnrichRetriesTransientFailures(t *testing.T) {
	stub := &stubAnalyzer{err: errors.New("connection reset")}
	set, _, run := setup(t, stub)
	rec := extractedRecord(t, set, "cloud hosting services")

	_, err := run(rec, 1)
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))

	got, err := set.Records.GetByID(dbctx.Context{Ctx: context.Background()}, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AnalyzedAt)
}

func TestEnrichFallsBackToKeywords(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		attempt int
	}{
		{name: "permanent", err: retry.Permanent(errors.New("bad schema")), attempt: 1},
		{name: "last attempt", err: errors.New("timeout"), attempt: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set, _, run := setup(t, &stubAnalyzer{err: tc.err})
			rec := extractedRecord(t, set, "توريد ألياف ضوئية وأبراج اتصالات وخوادم")

			job, err := run(rec, tc.attempt)
			require.NoError(t, err)
			assert.Contains(t, string(job.Result), noteFallback)

			got, err := set.Records.GetByID(dbctx.Context{Ctx: context.Background()}, rec.ID)
			require.NoError(t, err)
			require.NotNil(t, got.RelevanceScore)
			assert.Equal(t, analyzer.RelevanceVeryHigh, *got.RelevanceScore)
			assert.Equal(t, analyzer.TeamGovernment, *got.RecommendedTeam)
		})
	}
}

func TestEnrichSkipsRecordsWithoutText(t *testing.T) {
	stub := &stubAnalyzer{}
	set, _, run := setup(t, stub)
	rec := extractedRecord(t, set, "x")
	require.NoError(t, set.Records.UpdateFields(dbctx.Context{Ctx: context.Background()}, rec.ID, map[string]interface{}{"body": nil}))

	job, err := run(rec, 1)
	require.NoError(t, err)
	assert.Contains(t, string(job.Result), "no_text")
	assert.Zero(t, stub.calls)
}
