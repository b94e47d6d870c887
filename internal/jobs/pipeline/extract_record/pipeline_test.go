package extract_record

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	"github.com/yungbote/gazette-ingest/internal/data/repos/testutil"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/domain/records"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/changes"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/jobs"
	jobrt "github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

type fakeDocs struct {
	mu    sync.Mutex
	calls []catalog.CatalogRecord
}

func (d *fakeDocs) FetchDocument(_ context.Context, rec catalog.CatalogRecord) ([]byte, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, rec)
	return []byte("%PDF-1.4"), "application/pdf", nil
}

type fakeEngine struct {
	calls int
	next  *extractor.Result
}

func (e *fakeEngine) Extract(context.Context, extractor.Document) (*extractor.Result, error) {
	e.calls++
	res := *e.next
	return &res, nil
}

type recordingPublisher struct{ events []types.ChangeEvent }

func (p *recordingPublisher) Publish(_ context.Context, ev types.ChangeEvent) error {
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	db       *gorm.DB
	repos    repos.Set
	docs     *fakeDocs
	engine   *fakeEngine
	events   *recordingPublisher
	pipeline *Pipeline
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	set := repos.NewSet(db, log)
	f := &fixture{
		db:     db,
		repos:  set,
		docs:   &fakeDocs{},
		engine: &fakeEngine{},
		events: &recordingPublisher{},
	}
	f.pipeline = New(db, log, set.Records, jobs.NewQueue(log, set.Jobs), f.docs, nil, f.engine, changes.New(log, nil), f.events, 3)
	return f
}

func (f *fixture) record(t *testing.T, sourceID, fingerprint string) *types.Record {
	t.Helper()
	rec := &types.Record{
		SourceID:    sourceID,
		Category:    records.CategoryTenders,
		CategoryID:  1,
		Title:       "مناقصة توريد أجهزة",
		EditionNo:   "1712",
		PageNumber:  14,
		Fingerprint: fingerprint,
	}
	require.NoError(t, f.repos.Records.Create(dbctx.Context{Ctx: context.Background()}, rec))
	return rec
}

func (f *fixture) run(t *testing.T, recordID uuid.UUID, attempt int) (*types.JobRun, error) {
	t.Helper()
	job := &types.JobRun{JobType: jobdomain.OpExtract, RecordID: recordID, RunID: "run-1", Status: jobdomain.StatusRunning, Attempts: attempt}
	_, err := f.repos.Jobs.Create(dbctx.Context{Ctx: context.Background()}, []*types.JobRun{job})
	require.NoError(t, err)
	jc := jobrt.NewContext(context.Background(), f.db, job, f.repos.Jobs, testutil.Logger(t))
	err = f.pipeline.Run(jc)
	if err != nil {
		// Settle the row so the next attempt can be created under the
		// active-job index.
		require.NoError(t, f.repos.Jobs.UpdateFields(dbctx.Context{Ctx: context.Background()}, job.ID, map[string]interface{}{"status": jobdomain.StatusFailedPermanent}))
	}
	return job, err
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *types.Record {
	t.Helper()
	rec, err := f.repos.Records.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) refingerprint(t *testing.T, id uuid.UUID, fp string) {
	t.Helper()
	require.NoError(t, f.repos.Records.UpdateFields(dbctx.Context{Ctx: context.Background()}, id, map[string]interface{}{"fingerprint": fp}))
}

func extracted(deadline string) *extractor.Result {
	text := "تعلن وزارة الصحة عن طرح المناقصة رقم 5/2025 لتوريد أجهزة طبية"
	return &extractor.Result{
		Text:       &text,
		Confidence: 0.9,
		Tier:       "claude",
		Fields: extractor.Fields{
			BusinessKey:  "MOH-5/2025",
			Entity:       "وزارة الصحة",
			DeadlineText: deadline,
		},
		Verdict: &extractor.Verdict{Accepted: true, Score: 0.92},
	}
}

func TestExtractStoresFieldsAndQueuesEnrich(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-101", "fp-1")
	f.engine.next = extracted("2025-03-10")

	job, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)

	got := f.reload(t, rec.ID)
	assert.Equal(t, records.ExtractionDone, got.ExtractionStatus)
	assert.Equal(t, "fp-1", got.ExtractedFingerprint)
	require.NotNil(t, got.Body)
	require.NotNil(t, got.BusinessKey)
	assert.Equal(t, "MOH-5/2025", *got.BusinessKey)
	require.NotNil(t, got.Deadline)
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.Deadline))
	require.NotNil(t, got.QualityScore)
	assert.InDelta(t, 0.92, *got.QualityScore, 1e-9)

	require.Len(t, f.docs.calls, 1)
	assert.Equal(t, int64(101), f.docs.calls[0].UpstreamID)

	enrich, err := f.repos.Jobs.FindActive(dbctx.Context{Ctx: context.Background()}, rec.ID, jobdomain.OpEnrich)
	require.NoError(t, err)
	require.NotNil(t, enrich)
	assert.Equal(t, "run-1", enrich.RunID)

	stored, err := f.repos.Jobs.GetByID(dbctx.Context{Ctx: context.Background()}, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StatusSucceeded, stored.Status)
	assert.Contains(t, string(stored.Result), `"extracted":true`)
	assert.Empty(t, f.events.events)
}

func TestExtractIsIdempotent(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-102", "fp-1")
	f.engine.next = extracted("2025-03-10")

	_, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)
	job, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.calls)
	assert.Equal(t, jobdomain.StatusSucceeded, job.Status)
	assert.Contains(t, string(job.Result), skipExtracted)
}

func TestReExtractionRecordsPostponementOnce(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-103", "fp-1")
	f.engine.next = extracted("2025-03-10")
	_, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)

	f.refingerprint(t, rec.ID, "fp-2")
	f.engine.next = extracted("2025-04-15")
	_, err = f.run(t, rec.ID, 1)
	require.NoError(t, err)

	got := f.reload(t, rec.ID)
	assert.True(t, got.IsPostponed)
	require.NotNil(t, got.OriginalDeadline)
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.OriginalDeadline))
	assert.Equal(t, "2025-04-15", dates.DayKey(*got.Deadline))
	require.Len(t, got.DeadlineHistory, 1)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, records.ChangeKindPostponed, f.events.events[0].Kind)

	// The same deadline read again is not a new postponement.
	f.refingerprint(t, rec.ID, "fp-3")
	_, err = f.run(t, rec.ID, 1)
	require.NoError(t, err)
	got = f.reload(t, rec.ID)
	assert.Len(t, got.DeadlineHistory, 1)
	assert.Len(t, f.events.events, 1)
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.OriginalDeadline))
}

func TestLaterNoticeFoldsIntoOwner(t *testing.T) {
	f := setup(t)
	owner := f.record(t, "KA-200", "fp-a")
	f.engine.next = extracted("2025-03-10")
	_, err := f.run(t, owner.ID, 1)
	require.NoError(t, err)

	notice := f.record(t, "KA-250", "fp-b")
	f.engine.next = extracted("2025-05-01")
	f.engine.next.Fields.MeetingLocation = "مبنى الوزارة - الدور الثالث"
	job, err := f.run(t, notice.ID, 1)
	require.NoError(t, err)

	merged := f.reload(t, notice.ID)
	require.NotNil(t, merged.MergedIntoID)
	assert.Equal(t, owner.ID, *merged.MergedIntoID)
	assert.Equal(t, records.ExtractionMerged, merged.ExtractionStatus)
	assert.Equal(t, "fp-b", merged.ExtractedFingerprint)

	got := f.reload(t, owner.ID)
	assert.True(t, got.IsPostponed)
	assert.Equal(t, "2025-05-01", dates.DayKey(*got.Deadline))
	require.NotNil(t, got.MeetingLocation)
	require.Len(t, got.DeadlineHistory, 1)
	assert.Equal(t, "KA-250", got.DeadlineHistory[0].SourceID)

	kinds := map[string]uuid.UUID{}
	for _, ev := range f.events.events {
		kinds[ev.Kind] = ev.RecordID
	}
	assert.Equal(t, owner.ID, kinds[records.ChangeKindPostponed])
	assert.Equal(t, owner.ID, kinds[records.ChangeKindMeeting])
	assert.Contains(t, string(job.Result), owner.ID.String())

	// Merged notices are not analyzed on their own.
	enrich, err := f.repos.Jobs.FindActive(dbctx.Context{Ctx: context.Background()}, notice.ID, jobdomain.OpEnrich)
	require.NoError(t, err)
	assert.Nil(t, enrich)
}

func TestFailedReExtractionKeepsExtractedBody(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-104", "fp-1")
	f.engine.next = extracted("2025-03-10")
	_, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)
	before := f.reload(t, rec.ID)
	require.NotNil(t, before.Body)

	f.refingerprint(t, rec.ID, "fp-2")
	f.engine.next = &extractor.Result{Note: extractor.CouldNotExtract + ": claude failed: bad media"}
	_, err = f.run(t, rec.ID, 1)
	require.NoError(t, err)

	got := f.reload(t, rec.ID)
	require.NotNil(t, got.Body)
	assert.Equal(t, *before.Body, *got.Body)
	assert.Equal(t, "claude", got.ExtractionTier)
	require.NotNil(t, got.ExtractionConfidence)
	assert.InDelta(t, 0.9, *got.ExtractionConfidence, 1e-9)
	assert.Equal(t, records.ExtractionReview, got.ExtractionStatus)
	assert.True(t, got.NeedsReview)
	assert.Contains(t, []string(got.ReviewReasons), ReviewReextractionFailed)
	assert.Contains(t, got.ExtractionNote, extractor.CouldNotExtract)
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.Deadline))
	assert.Empty(t, f.events.events)
}

func TestDeadlineRevertIsRecorded(t *testing.T) {
	f := setup(t)
	owner := f.record(t, "KA-500", "fp-a")
	f.engine.next = extracted("2025-03-10")
	_, err := f.run(t, owner.ID, 1)
	require.NoError(t, err)

	for i, deadline := range []string{"2025-04-15", "2025-05-20", "2025-04-15"} {
		notice := f.record(t, fmt.Sprintf("KA-50%d", i+1), fmt.Sprintf("fp-n%d", i))
		f.engine.next = extracted(deadline)
		_, err := f.run(t, notice.ID, 1)
		require.NoError(t, err)
	}

	got := f.reload(t, owner.ID)
	assert.Equal(t, "2025-04-15", dates.DayKey(*got.Deadline))
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.OriginalDeadline))
	require.Len(t, got.DeadlineHistory, 3)
	last := got.DeadlineHistory[2]
	assert.Equal(t, "2025-05-20", dates.DayKey(*last.Old))
	assert.Equal(t, "2025-04-15", dates.DayKey(*last.New))
	assert.Equal(t, "KA-503", last.SourceID)
	assert.Len(t, f.events.events, 3)
}

func TestUnparsedDeadlineAgainstStoredDeadlineNeedsReview(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-105", "fp-1")
	f.engine.next = extracted("2025-03-10")
	_, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)

	f.refingerprint(t, rec.ID, "fp-2")
	f.engine.next = extracted("قبل نهاية الدوام الرسمي")
	_, err = f.run(t, rec.ID, 1)
	require.NoError(t, err)

	got := f.reload(t, rec.ID)
	assert.False(t, got.IsPostponed)
	assert.Equal(t, "2025-03-10", dates.DayKey(*got.Deadline))
	assert.True(t, got.NeedsReview)
	assert.Contains(t, []string(got.ReviewReasons), changes.ReviewUnsafeComparison)
	assert.Empty(t, got.DeadlineHistory)
	assert.Empty(t, f.events.events)
}

func TestTextlessRetryableResultRetriesUntilLastAttempt(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-300", "fp-1")
	f.engine.next = &extractor.Result{Note: extractor.CouldNotExtract + ": claude: 429", Retryable: true}

	_, err := f.run(t, rec.ID, 1)
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))
	assert.Equal(t, records.ExtractionPending, f.reload(t, rec.ID).ExtractionStatus)

	_, err = f.run(t, rec.ID, 3)
	require.NoError(t, err)
	got := f.reload(t, rec.ID)
	assert.Equal(t, records.ExtractionFailed, got.ExtractionStatus)
	assert.Nil(t, got.Body)
	assert.Contains(t, got.ExtractionNote, extractor.CouldNotExtract)

	enrich, err := f.repos.Jobs.FindActive(dbctx.Context{Ctx: context.Background()}, rec.ID, jobdomain.OpEnrich)
	require.NoError(t, err)
	assert.Nil(t, enrich)
}

func TestDeadlineBeforePublicationNeedsReview(t *testing.T) {
	f := setup(t)
	rec := f.record(t, "KA-400", "fp-1")
	published := dates.Midnight(2025, 6, 1)
	require.NoError(t, f.repos.Records.UpdateFields(dbctx.Context{Ctx: context.Background()}, rec.ID, map[string]interface{}{"published_at": published}))
	f.engine.next = extracted("2024-06-10")

	_, err := f.run(t, rec.ID, 1)
	require.NoError(t, err)
	got := f.reload(t, rec.ID)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, records.ExtractionReview, got.ExtractionStatus)
	assert.Contains(t, []string(got.ReviewReasons), dates.IssueBeforePublication)
}

func TestMissingRecordIsPermanent(t *testing.T) {
	f := setup(t)
	_, err := f.run(t, uuid.New(), 1)
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}
