package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/gazette-ingest/internal/data/repos"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/changes"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dedup"
	"github.com/yungbote/gazette-ingest/internal/ingestion/fetcher"
	"github.com/yungbote/gazette-ingest/internal/jobs"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/ctxutil"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const WarnFetchIncomplete = "fetch_incomplete"

type RunRequest struct {
	Category string
	Lookback time.Duration
	PageSize int
	Wait     bool
}

// Summary counts what one run did. Fetch-side counts (fetched, new,
// changed, unchanged, warnings) only exist on the Summary returned by Run;
// a Summary recomputed from job_run carries the job-side counts.
type Summary struct {
	RunID           string            `json:"run_id"`
	Category        string            `json:"category,omitempty"`
	Fetched         int               `json:"fetched"`
	New             int               `json:"new"`
	Changed         int               `json:"changed"`
	Unchanged       int               `json:"unchanged"`
	Queued          int               `json:"queued"`
	Extracted       int               `json:"extracted"`
	ValidatedFailed int               `json:"validated_failed"`
	NeedsReview     int               `json:"needs_review"`
	FailedPermanent int               `json:"failed_permanent"`
	Warnings        int               `json:"warnings"`
	Errors          int               `json:"errors"`
	Pending         int               `json:"pending"`
	Complete        bool              `json:"complete"`
	FetchWarnings   []fetcher.Warning `json:"fetch_warnings,omitempty"`
}

type IngestionConfig struct {
	Lookback     time.Duration
	WaitPoll     time.Duration
	WaitTimeout  time.Duration
	FetchTimeout time.Duration
}

func IngestionConfigFromEnv() IngestionConfig {
	return IngestionConfig{
		Lookback:     envutil.Duration("INGEST_LOOKBACK", 7*24*time.Hour),
		WaitPoll:     envutil.Duration("INGEST_WAIT_POLL", 2*time.Second),
		WaitTimeout:  envutil.Duration("INGEST_WAIT_TIMEOUT", 30*time.Minute),
		FetchTimeout: envutil.Duration("INGEST_FETCH_TIMEOUT", 10*time.Minute),
	}
}

type IngestionService interface {
	Run(ctx context.Context, req RunRequest) (*Summary, error)
	Summary(ctx context.Context, runID string) (*Summary, error)
}

// Source is the fetcher capability a run needs.
type Source interface {
	Fetch(ctx context.Context, category string, r fetcher.DateRange, pageSize int) (fetcher.FetchResult, error)
}

type ingestionService struct {
	log       *logger.Logger
	source    Source
	dedup     *dedup.Deduplicator
	detector  *changes.Detector
	publisher changes.Publisher
	dates     *dates.Normalizer
	records   repos.RecordRepo
	jobs      repos.JobRunRepo
	queue     jobs.Queue
	lock      RunLocker
	metrics   *observability.Metrics
	cfg       IngestionConfig
	now       func() time.Time
}

func NewIngestionService(
	baseLog *logger.Logger,
	source Source,
	dd *dedup.Deduplicator,
	detector *changes.Detector,
	publisher changes.Publisher,
	normalizer *dates.Normalizer,
	repoSet repos.Set,
	queue jobs.Queue,
	lock RunLocker,
	m *observability.Metrics,
	cfg IngestionConfig,
) IngestionService {
	if lock == nil {
		lock = NewLocalRunLock()
	}
	if detector == nil {
		detector = changes.New(baseLog, m)
	}
	if cfg.WaitPoll <= 0 {
		cfg.WaitPoll = 2 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 7 * 24 * time.Hour
	}
	return &ingestionService{
		log:       baseLog.With("service", "IngestionService"),
		source:    source,
		dedup:     dd,
		detector:  detector,
		publisher: publisher,
		dates:     normalizer,
		records:   repoSet.Records,
		jobs:      repoSet.Jobs,
		queue:     queue,
		lock:      lock,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *ingestionService) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if _, err := catalog.CategoryID(category); err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrInvalidArgument, err)
	}
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = s.cfg.Lookback
	}

	release, err := s.lock.Acquire(ctx, category)
	if err != nil {
		if IsRunLocked(err) {
			return nil, apierr.New(http.StatusConflict, "run_in_progress", fmt.Errorf("%s: %w: %w", category, err, apierr.ErrConflict))
		}
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	runID := uuid.NewString()
	ctx = ctxutil.WithRunID(ctx, runID)
	log := s.log.With("run_id", runID, "category", category)

	sum, err := s.ingest(ctx, log, runID, category, lookback, req.PageSize)
	release()
	if err != nil {
		return nil, err
	}
	if req.Wait {
		if err := s.wait(ctx, sum); err != nil {
			return sum, err
		}
	}
	log.Info("ingestion run finished",
		"fetched", sum.Fetched,
		"new", sum.New,
		"changed", sum.Changed,
		"unchanged", sum.Unchanged,
		"queued", sum.Queued,
		"errors", sum.Errors,
		"complete", sum.Complete,
	)
	return sum, nil
}

func (s *ingestionService) ingest(ctx context.Context, log *logger.Logger, runID, category string, lookback time.Duration, pageSize int) (*Summary, error) {
	to := s.now().UTC()
	from := to.Add(-lookback)
	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}
	res, err := s.source.Fetch(fetchCtx, category, fetcher.DateRange{From: &from, To: &to}, pageSize)
	if err != nil {
		if len(res.Records) == 0 {
			return nil, fmt.Errorf("fetch %s: %w", category, err)
		}
		log.Warn("fetch stopped early; ingesting what was fetched", "records", len(res.Records), "error", err)
		res.Warnings = append(res.Warnings, fetcher.Warning{Code: WarnFetchIncomplete, Message: err.Error()})
	}

	sum := &Summary{
		RunID:         runID,
		Category:      category,
		Fetched:       len(res.Records),
		Warnings:      len(res.Warnings),
		FetchWarnings: res.Warnings,
	}
	for _, cr := range res.Records {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind, queued, err := s.ingestRecord(ctx, runID, cr)
		sum.Queued += queued
		if err != nil {
			sum.Errors++
			log.Warn("record ingestion failed", "source_id", cr.SourceID, "error", err)
			continue
		}
		switch kind {
		case dedup.KindNew:
			sum.New++
		case dedup.KindChanged:
			sum.Changed++
		case dedup.KindUnchanged:
			sum.Unchanged++
		}
	}
	s.metrics.AddRunRecords(category, string(dedup.KindNew), sum.New)
	s.metrics.AddRunRecords(category, string(dedup.KindChanged), sum.Changed)
	s.metrics.AddRunRecords(category, string(dedup.KindUnchanged), sum.Unchanged)
	s.metrics.AddRunRecords(category, "error", sum.Errors)
	return sum, nil
}

// ingestRecord stores one catalog row and queues the work it still needs.
// It returns the number of jobs it enqueued alongside any error.
func (s *ingestionService) ingestRecord(ctx context.Context, runID string, cr catalog.CatalogRecord) (dedup.Kind, int, error) {
	dbc := dbctx.Context{Ctx: ctx}
	rec := s.toRecord(cr)
	cls, err := s.dedup.Classify(ctx, rec)
	if err != nil {
		return "", 0, err
	}

	target := rec
	switch cls.Kind {
	case dedup.KindNew:
		if err := s.records.Create(dbc, rec); err != nil {
			// A concurrent insert of the same page wins; treat ours as seen.
			existing, gerr := s.records.GetBySourceID(dbc, rec.SourceID)
			if gerr != nil || existing == nil {
				return "", 0, fmt.Errorf("create record: %w", err)
			}
			cls.Kind, target = dedup.KindUnchanged, existing
		}
	case dedup.KindChanged:
		target = cls.Existing
		if err := s.commitChanged(ctx, rec, target, cls.Diff); err != nil {
			return "", 0, err
		}
	default:
		target = cls.Existing
	}

	queued := 0
	if op := nextOp(target); op != "" {
		if _, err := s.queue.Enqueue(ctx, target.ID, op, runID); err != nil {
			return cls.Kind, queued, err
		}
		queued++
	}
	return cls.Kind, queued, nil
}

// commitChanged writes the catalog diff onto existing without re-extracting
// it. A record already extracted at its current fingerprint keeps its body
// and moves to the new fingerprint, unless the diff points at a different
// page image. A moved publication day goes through change detection.
func (s *ingestionService) commitChanged(ctx context.Context, incoming, existing *types.Record, diff []dedup.FieldChange) error {
	updates := dedup.Updates(incoming, diff)
	upToDate := existing.ExtractedFingerprint != "" && existing.ExtractedFingerprint == existing.Fingerprint
	if upToDate && !dedup.DocumentMoved(diff) {
		updates["extracted_fingerprint"] = incoming.Fingerprint
		existing.ExtractedFingerprint = incoming.Fingerprint
	}

	var events []types.ChangeEvent
	if dedup.Touches(diff, "published_at") {
		var check dates.DeadlineCheck
		events, check = s.detector.DetectRepublication(changes.SnapshotOf(existing), incoming.PublishedAt)
		if check.NeedsReview() {
			existing.AddReviewReason(check.Issue)
			updates["needs_review"] = true
			updates["review_reasons"] = existing.ReviewReasons
		}
		existing.PublishedAt = incoming.PublishedAt
	}

	if err := s.records.UpdateFields(dbctx.Context{Ctx: ctx}, existing.ID, updates); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	existing.Fingerprint = incoming.Fingerprint

	for _, ev := range events {
		if s.publisher == nil {
			break
		}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.log.Warn("change event publish failed", "record_id", ev.RecordID, "kind", ev.Kind, "error", err)
		}
	}
	return nil
}

// nextOp is the job a stored record still needs, if any.
func nextOp(rec *types.Record) string {
	switch {
	case rec.MergedIntoID != nil:
		return ""
	case rec.ExtractedFingerprint != rec.Fingerprint:
		return jobdomain.OpExtract
	case rec.Body != nil && rec.AnalyzedAt == nil:
		return jobdomain.OpEnrich
	}
	return ""
}

func (s *ingestionService) toRecord(cr catalog.CatalogRecord) *types.Record {
	published := s.dates.Normalize(cr.EditionDate, cr.HijriDate)
	return &types.Record{
		SourceID:        cr.SourceID,
		Category:        cr.Category,
		CategoryID:      cr.CategoryID,
		Title:           strings.TrimSpace(cr.Title),
		EditionNo:       cr.EditionNo,
		EditionID:       cr.EditionID,
		PageNumber:      cr.PageNumber,
		PageURL:         cr.PageURL,
		HijriDate:       cr.HijriDate,
		PublishedAt:     published.Time,
		PublishedSource: published.Source,
	}
}

// wait polls job_run until every job of the run is terminal, the wait
// timeout passes or ctx ends.
func (s *ingestionService) wait(ctx context.Context, sum *Summary) error {
	if sum.Queued == 0 {
		sum.Complete = true
		return nil
	}
	if s.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WaitTimeout)
		defer cancel()
	}
	ticker := time.NewTicker(s.cfg.WaitPoll)
	defer ticker.Stop()
	for {
		counts, err := s.Summary(ctx, sum.RunID)
		if err != nil {
			return err
		}
		mergeJobCounts(sum, counts)
		if sum.Complete {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.log.Warn("stopped waiting for run", "run_id", sum.RunID, "pending", sum.Pending)
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func mergeJobCounts(dst, src *Summary) {
	dst.Extracted = src.Extracted
	dst.ValidatedFailed = src.ValidatedFailed
	dst.NeedsReview = src.NeedsReview
	dst.FailedPermanent = src.FailedPermanent
	dst.Pending = src.Pending
	dst.Complete = src.Complete
}

// Summary recounts a run from its job_run rows.
func (s *ingestionService) Summary(ctx context.Context, runID string) (*Summary, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("%w: run id required", apierr.ErrInvalidArgument)
	}
	rows, err := s.jobs.ListByRun(dbctx.Context{Ctx: ctx}, runID)
	if err != nil {
		return nil, fmt.Errorf("list run jobs: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, apierr.ErrNotFound)
	}
	return summarize(runID, rows), nil
}

func summarize(runID string, rows []*types.JobRun) *Summary {
	sum := &Summary{RunID: runID}
	for _, job := range rows {
		sum.Queued++
		if !jobdomain.IsTerminal(job.Status) {
			sum.Pending++
		}
		if job.Status == jobdomain.StatusFailedPermanent {
			sum.FailedPermanent++
		}
		if job.JobType != jobdomain.OpExtract || job.Status != jobdomain.StatusSucceeded || len(job.Result) == 0 {
			continue
		}
		var res types.JobResult
		if err := json.Unmarshal(job.Result, &res); err != nil {
			continue
		}
		if res.Extracted {
			sum.Extracted++
		}
		if res.ValidationFail {
			sum.ValidatedFailed++
		}
		if res.NeedsReview {
			sum.NeedsReview++
		}
	}
	sum.Complete = sum.Pending == 0
	return sum
}
