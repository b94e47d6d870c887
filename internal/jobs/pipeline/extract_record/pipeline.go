package extract_record

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	jobdomain "github.com/yungbote/gazette-ingest/internal/domain/jobs"
	"github.com/yungbote/gazette-ingest/internal/domain/records"
	"github.com/yungbote/gazette-ingest/internal/ingestion/catalog"
	"github.com/yungbote/gazette-ingest/internal/ingestion/changes"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	jobrt "github.com/yungbote/gazette-ingest/internal/jobs/runtime"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	ReviewValidationFailed   = "validation_failed"
	ReviewReextractionFailed = "reextraction_failed"

	skipMerged    = "merged"
	skipExtracted = "already_extracted"
)

type outcome struct {
	result types.JobResult
	events []types.ChangeEvent
	// enrich is the record whose body should be analyzed next.
	enrich uuid.UUID
}

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	recordID := jc.Job.RecordID
	if recordID == uuid.Nil {
		recordID, _ = jc.PayloadUUID("record_id")
	}
	if recordID == uuid.Nil {
		return retry.Permanent(fmt.Errorf("missing record_id"))
	}

	rec, err := p.records.GetByID(dbctx.Context{Ctx: jc.Ctx}, recordID)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	if skip := skipReason(rec); skip != "" {
		if err := p.ensureEnrich(jc.Ctx, rec, jc.Job.RunID); err != nil {
			return err
		}
		return jc.Succeed("skipped", types.JobResult{Skipped: skip})
	}

	jc.Stage("document")
	doc, err := p.loadDocument(jc.Ctx, rec)
	if err != nil {
		return err
	}

	jc.Stage("extracting")
	res, err := p.engine.Extract(jc.Ctx, doc)
	if err != nil {
		return err
	}
	if res.Text == nil && res.Retryable && jc.Attempt() < p.maxAttempts {
		return retry.Transient(errors.New(res.Note))
	}

	jc.Stage("persisting")
	out, err := p.persist(jc.Ctx, recordID, res)
	if err != nil {
		return err
	}

	for _, ev := range out.events {
		if p.publisher == nil {
			break
		}
		if err := p.publisher.Publish(jc.Ctx, ev); err != nil {
			p.log.Warn("change event publish failed", "record_id", ev.RecordID, "kind", ev.Kind, "error", err)
		}
	}
	if out.enrich != uuid.Nil {
		if _, err := p.queue.Enqueue(jc.Ctx, out.enrich, jobdomain.OpEnrich, jc.Job.RunID); err != nil {
			return fmt.Errorf("enqueue enrich: %w", err)
		}
	}
	return jc.Succeed("extracted", out.result)
}

// skipReason makes the job idempotent: a merged record or one already
// extracted at its current fingerprint needs no work.
func skipReason(rec *types.Record) string {
	switch {
	case rec.MergedIntoID != nil:
		return skipMerged
	case rec.ExtractedFingerprint != "" && rec.ExtractedFingerprint == rec.Fingerprint:
		return skipExtracted
	}
	return ""
}

// ensureEnrich re-queues analysis for a record whose earlier enqueue may
// have been lost after its extraction committed.
func (p *Pipeline) ensureEnrich(ctx context.Context, rec *types.Record, runID string) error {
	if rec.MergedIntoID != nil || rec.Body == nil || rec.AnalyzedAt != nil {
		return nil
	}
	if _, err := p.queue.Enqueue(ctx, rec.ID, jobdomain.OpEnrich, runID); err != nil {
		return fmt.Errorf("enqueue enrich: %w", err)
	}
	return nil
}

// loadDocument prefers the archived copy so retries don't download the page
// again.
func (p *Pipeline) loadDocument(ctx context.Context, rec *types.Record) (extractor.Document, error) {
	doc := extractor.Document{SourceID: rec.SourceID, Category: rec.Category}
	if p.archive != nil {
		data, mimeType, err := p.archive.Get(ctx, rec.Category, rec.SourceID)
		switch {
		case err == nil:
			doc.Data, doc.MimeType = data, mimeType
			return doc, nil
		case !errors.Is(err, apierr.ErrNotFound):
			p.log.Warn("archive read failed; fetching from catalog", "source_id", rec.SourceID, "error", err)
		}
	}

	data, mimeType, err := p.docs.FetchDocument(ctx, catalogRecord(rec))
	if err != nil {
		return doc, fmt.Errorf("fetch document: %w", err)
	}
	doc.Data, doc.MimeType = data, mimeType

	if p.archive != nil {
		uri, err := p.archive.Put(ctx, rec.Category, rec.SourceID, data, mimeType)
		if err != nil {
			p.log.Warn("archive write failed", "source_id", rec.SourceID, "error", err)
		} else if uri != rec.DocumentURI {
			if err := p.records.UpdateFields(dbctx.Context{Ctx: ctx}, rec.ID, map[string]interface{}{"document_uri": uri}); err != nil {
				p.log.Warn("document_uri update failed", "record_id", rec.ID, "error", err)
			}
		}
	}
	return doc, nil
}

func catalogRecord(rec *types.Record) catalog.CatalogRecord {
	return catalog.CatalogRecord{
		SourceID:   rec.SourceID,
		UpstreamID: catalog.UpstreamID(rec.SourceID),
		Category:   rec.Category,
		CategoryID: rec.CategoryID,
		Title:      rec.Title,
		EditionNo:  rec.EditionNo,
		EditionID:  rec.EditionID,
		PageNumber: rec.PageNumber,
		PageURL:    rec.PageURL,
		HijriDate:  rec.HijriDate,
	}
}

// persist commits the extraction and its change events in one transaction.
// The record is re-read inside it so detection always compares against the
// latest committed state.
func (p *Pipeline) persist(ctx context.Context, recordID uuid.UUID, res *extractor.Result) (outcome, error) {
	var out outcome
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		rec, err := p.records.GetByID(dbc, recordID)
		if err != nil {
			return err
		}
		if skip := skipReason(rec); skip != "" {
			out.result.Skipped = skip
			return nil
		}

		previouslyExtracted := rec.ExtractedFingerprint != ""
		prev := changes.SnapshotOf(rec)
		prevBody := rec.Body
		applyExtraction(rec, res)
		if !sameText(prevBody, rec.Body) {
			rec.AnalyzedAt = nil
		}
		incoming := changes.SnapshotOf(rec)
		if text := res.Fields.DeadlineText; strings.TrimSpace(text) != "" && dates.ParseDeadline(text) == nil {
			incoming = incoming.WithUnparsedDeadline(text)
		}
		rec.ExtractedFingerprint = rec.Fingerprint

		owner, wrote, err := p.records.UpsertByBusinessKey(dbc, rec)
		if err != nil {
			return fmt.Errorf("save record: %w", err)
		}

		target := rec
		var (
			events []types.ChangeEvent
			unsafe bool
		)
		if wrote {
			if previouslyExtracted {
				events, unsafe = p.detector.Detect(incoming, prev)
			}
			if rec.Body != nil && rec.AnalyzedAt == nil {
				out.enrich = rec.ID
			}
		} else {
			target = owner
			events, unsafe = p.detector.Detect(incoming, changes.SnapshotOf(owner))
			if err := p.foldInto(dbc, rec, owner); err != nil {
				return err
			}
			out.result.MergedInto = owner.ID.String()
		}

		applied, err := p.applyEvents(dbc, target, events)
		if err != nil {
			return err
		}
		out.events = applied
		if unsafe {
			target.AddReviewReason(changes.ReviewUnsafeComparison)
			if err := p.records.UpdateFields(dbc, target.ID, map[string]interface{}{
				"needs_review":   true,
				"review_reasons": target.ReviewReasons,
			}); err != nil {
				return err
			}
		}
		out.result = resultOf(rec, res, applied, out.result.MergedInto)
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return out, nil
}

// foldInto marks rec as a later notice of owner and fills the owner's gaps
// from it. Deadline changes are left to change detection.
func (p *Pipeline) foldInto(dbc dbctx.Context, rec, owner *types.Record) error {
	updates := extractionColumns(rec)
	updates["merged_into_id"] = owner.ID
	updates["extraction_status"] = records.ExtractionMerged
	if err := p.records.UpdateFields(dbc, rec.ID, updates); err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	rec.MergedIntoID = &owner.ID
	rec.ExtractionStatus = records.ExtractionMerged

	fill := map[string]interface{}{}
	if owner.Deadline == nil && rec.Deadline != nil {
		fill["deadline"] = rec.Deadline.UTC()
		fill["deadline_text"] = rec.DeadlineText
		owner.Deadline = rec.Deadline
	}
	if owner.MeetingDate == nil && rec.MeetingDate != nil {
		fill["meeting_date"] = rec.MeetingDate.UTC()
		owner.MeetingDate = rec.MeetingDate
	}
	if isBlank(owner.MeetingDateText) && !isBlank(rec.MeetingDateText) {
		fill["meeting_date_text"] = rec.MeetingDateText
		owner.MeetingDateText = rec.MeetingDateText
	}
	if isBlank(owner.MeetingLocation) && !isBlank(rec.MeetingLocation) {
		fill["meeting_location"] = rec.MeetingLocation
		owner.MeetingLocation = rec.MeetingLocation
	}
	if len(fill) == 0 {
		return nil
	}
	return p.records.UpdateFields(dbc, owner.ID, fill)
}

// applyEvents writes postponements onto target. A postponement whose new
// deadline is already in the history is dropped as a replay.
func (p *Pipeline) applyEvents(dbc dbctx.Context, target *types.Record, events []types.ChangeEvent) ([]types.ChangeEvent, error) {
	var applied []types.ChangeEvent
	for _, ev := range events {
		if ev.Kind != records.ChangeKindPostponed {
			applied = append(applied, ev)
			continue
		}
		pp, err := changes.ApplyPostponement(target, ev)
		if err != nil {
			return nil, err
		}
		appended, err := p.records.AppendHistory(dbc, target.ID, pp.Entry)
		if err != nil {
			return nil, fmt.Errorf("append history: %w", err)
		}
		if !appended {
			continue
		}
		if err := p.records.UpdateFields(dbc, target.ID, pp.Updates); err != nil {
			return nil, fmt.Errorf("apply postponement: %w", err)
		}
		target.IsPostponed = true
		if target.OriginalDeadline == nil {
			target.OriginalDeadline = ev.Previous
		}
		target.Deadline = ev.Current
		applied = append(applied, ev)
	}
	return applied, nil
}

// applyExtraction copies a result onto rec. Structured fields only
// overwrite when the new extraction carries them, and a failed re-extraction
// never replaces a body that was already extracted.
func applyExtraction(rec *types.Record, res *extractor.Result) {
	rec.ExtractionNote = res.Note
	if res.Text == nil && rec.Body != nil {
		rec.AddReviewReason(ReviewReextractionFailed)
		if rec.ExtractionStatus == records.ExtractionDone {
			rec.ExtractionStatus = records.ExtractionReview
		}
		return
	}

	rec.Body = res.Text
	rec.ExtractionTier = res.Tier
	rec.ExtractionConfidence = nil
	if res.Text != nil {
		c := res.Confidence
		rec.ExtractionConfidence = &c
	}
	if res.Verdict != nil {
		s := res.Verdict.Score
		rec.QualityScore = &s
	}

	f := res.Fields
	setText(&rec.Entity, f.Entity)
	setText(&rec.BusinessKey, f.BusinessKey)
	setText(&rec.DocumentPrice, f.DocumentPrice)
	setText(&rec.MeetingLocation, f.MeetingLocation)
	if d := dates.ParseDeadline(f.DeadlineText); d != nil {
		rec.Deadline = d
		setText(&rec.DeadlineText, f.DeadlineText)
	} else if strings.TrimSpace(f.DeadlineText) != "" && rec.DeadlineText == nil {
		setText(&rec.DeadlineText, f.DeadlineText)
	}
	if setText(&rec.MeetingDateText, f.MeetingDateText) {
		if d := dates.ParseDeadline(f.MeetingDateText); d != nil {
			rec.MeetingDate = d
		}
	}
	if len(f.Requirements) > 0 {
		rec.Requirements = datatypes.JSONSlice[string](f.Requirements)
	}

	switch {
	case res.Text == nil:
		rec.ExtractionStatus = records.ExtractionFailed
	case res.NeedsReview:
		rec.ExtractionStatus = records.ExtractionReview
		rec.AddReviewReason(ReviewValidationFailed)
	default:
		rec.ExtractionStatus = records.ExtractionDone
	}
	if check := dates.CheckDeadline(rec.Deadline, rec.PublishedAt); check.NeedsReview() {
		rec.AddReviewReason(check.Issue)
		if rec.ExtractionStatus == records.ExtractionDone {
			rec.ExtractionStatus = records.ExtractionReview
		}
	}
}

func extractionColumns(rec *types.Record) map[string]interface{} {
	return map[string]interface{}{
		"body":                  rec.Body,
		"extraction_note":       rec.ExtractionNote,
		"extraction_status":     rec.ExtractionStatus,
		"extraction_tier":       rec.ExtractionTier,
		"extraction_confidence": rec.ExtractionConfidence,
		"quality_score":         rec.QualityScore,
		"needs_review":          rec.NeedsReview,
		"review_reasons":        rec.ReviewReasons,
		"entity":                rec.Entity,
		"business_key":          rec.BusinessKey,
		"deadline":              rec.Deadline,
		"deadline_text":         rec.DeadlineText,
		"meeting_date":          rec.MeetingDate,
		"meeting_date_text":     rec.MeetingDateText,
		"meeting_location":      rec.MeetingLocation,
		"document_price":        rec.DocumentPrice,
		"requirements":          rec.Requirements,
		"extracted_fingerprint": rec.ExtractedFingerprint,
	}
}

func resultOf(rec *types.Record, res *extractor.Result, events []types.ChangeEvent, mergedInto string) types.JobResult {
	out := types.JobResult{
		Extracted:   res.Text != nil,
		NeedsReview: rec.NeedsReview,
		Tier:        res.Tier,
		MergedInto:  mergedInto,
		Note:        res.Note,
	}
	if res.Verdict != nil {
		out.ValidationFail = !res.Verdict.Accepted
		out.Hallucinations = res.Verdict.Hallucinations
	}
	for _, ev := range events {
		out.Changes = append(out.Changes, ev.Kind)
	}
	return out
}

// setText stores v in *dst when v is not blank and reports whether it did.
func setText(dst **string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	*dst = &v
	return true
}

func sameText(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func isBlank(s *string) bool { return s == nil || strings.TrimSpace(*s) == "" }
