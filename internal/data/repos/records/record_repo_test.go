package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/gazette-ingest/internal/data/repos/testutil"
	types "github.com/yungbote/gazette-ingest/internal/domain"
	domrecords "github.com/yungbote/gazette-ingest/internal/domain/records"
	"github.com/yungbote/gazette-ingest/internal/platform/apierr"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func newRecord(sourceID, fingerprint string) *types.Record {
	return &types.Record{
		SourceID:    sourceID,
		Category:    domrecords.CategoryTenders,
		CategoryID:  1,
		Title:       "مناقصة رقم " + sourceID,
		Fingerprint: fingerprint,
	}
}

func TestRecordRepoLookups(t *testing.T) {
	db := testutil.DB(t)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	rec := newRecord("KA-100", "fp-100")
	if err := repo.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == uuid.Nil {
		t.Fatalf("Create: expected id to be assigned")
	}
	if rec.ExtractionStatus != domrecords.ExtractionPending || rec.PublishedSource != domrecords.DateSourceNone {
		t.Fatalf("Create: defaults not applied: %+v", rec)
	}

	got, err := repo.GetByFingerprint(dbc, "fp-100")
	if err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("GetByFingerprint: got=%v err=%v", got, err)
	}
	if missing, err := repo.GetByFingerprint(dbc, "nope"); err != nil || missing != nil {
		t.Fatalf("GetByFingerprint(missing): got=%v err=%v", missing, err)
	}
	if got, err := repo.GetBySourceID(dbc, "KA-100"); err != nil || got == nil || got.ID != rec.ID {
		t.Fatalf("GetBySourceID: got=%v err=%v", got, err)
	}
	if _, err := repo.GetByID(dbc, uuid.New()); !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("GetByID(missing): expected ErrNotFound, got %v", err)
	}
}

func TestUpsertByBusinessKey(t *testing.T) {
	db := testutil.DB(t)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	first := newRecord("KA-1", "fp-1")
	first.BusinessKey = strPtr("RFQ-2024-77")
	owner, wrote, err := repo.UpsertByBusinessKey(dbc, first)
	if err != nil || !wrote || owner.ID != first.ID {
		t.Fatalf("Upsert(first): owner=%v wrote=%v err=%v", owner, wrote, err)
	}

	second := newRecord("KA-2", "fp-2")
	if err := repo.Create(dbc, second); err != nil {
		t.Fatalf("Create(second): %v", err)
	}
	second.BusinessKey = strPtr("RFQ-2024-77")
	owner, wrote, err = repo.UpsertByBusinessKey(dbc, second)
	if err != nil {
		t.Fatalf("Upsert(second): %v", err)
	}
	if wrote || owner.ID != first.ID {
		t.Fatalf("Upsert(second): expected owner %s without write, got owner=%s wrote=%v", first.ID, owner.ID, wrote)
	}

	stored, err := repo.GetByID(dbc, second.ID)
	if err != nil {
		t.Fatalf("GetByID(second): %v", err)
	}
	if stored.BusinessKey != nil {
		t.Fatalf("Upsert(second): record must stay untouched, got key %q", *stored.BusinessKey)
	}

	found, err := repo.GetByBusinessKey(dbc, "RFQ-2024-77", first.ID)
	if err != nil || found != nil {
		t.Fatalf("GetByBusinessKey(exclude owner): got=%v err=%v", found, err)
	}
}

func TestAppendHistoryIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	rec := newRecord("KA-9", "fp-9")
	if err := repo.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d1 := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	entry := types.DeadlineChange{
		Kind:       domrecords.ChangeKindPostponed,
		Old:        timePtr(d1),
		New:        timePtr(d2),
		ObservedAt: time.Now().UTC(),
	}

	for i := 0; i < 2; i++ {
		appended, err := repo.AppendHistory(dbc, rec.ID, entry)
		if err != nil {
			t.Fatalf("AppendHistory #%d: %v", i, err)
		}
		if appended != (i == 0) {
			t.Fatalf("AppendHistory #%d: appended=%v", i, appended)
		}
	}

	stored, err := repo.GetByID(dbc, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(stored.DeadlineHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(stored.DeadlineHistory))
	}
	h := stored.DeadlineHistory[0]
	if h.Old == nil || !h.Old.Equal(d1) || h.New == nil || !h.New.Equal(d2) {
		t.Fatalf("unexpected history entry: %+v", h)
	}
}

func TestAppendHistoryRecordsRevertToEarlierDeadline(t *testing.T) {
	db := testutil.DB(t)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	rec := newRecord("KA-10", "fp-10")
	if err := repo.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d1 := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	d3 := time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)
	moves := [][2]time.Time{{d1, d2}, {d2, d3}, {d3, d2}}
	for i, m := range moves {
		appended, err := repo.AppendHistory(dbc, rec.ID, types.DeadlineChange{
			Kind: domrecords.ChangeKindPostponed,
			Old:  timePtr(m[0]),
			New:  timePtr(m[1]),
		})
		if err != nil || !appended {
			t.Fatalf("move #%d: appended=%v err=%v", i, appended, err)
		}
	}

	stored, err := repo.GetByID(dbc, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(stored.DeadlineHistory) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(stored.DeadlineHistory))
	}
	if last := stored.DeadlineHistory[2]; !last.Old.Equal(d3) || !last.New.Equal(d2) {
		t.Fatalf("revert entry: %+v", last)
	}
}

func TestUpdateFieldsAndReviewQueue(t *testing.T) {
	db := testutil.DB(t)
	repo := NewRecordRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	rec := newRecord("KA-5", "fp-5")
	if err := repo.Create(dbc, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.AddReviewReason("comparison_unsafe")
	if err := repo.UpdateFields(dbc, rec.ID, map[string]interface{}{
		"needs_review":   true,
		"review_reasons": rec.ReviewReasons,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	list, err := repo.ListNeedsReview(dbc, 10)
	if err != nil {
		t.Fatalf("ListNeedsReview: %v", err)
	}
	if len(list) != 1 || list[0].ID != rec.ID {
		t.Fatalf("ListNeedsReview: got %d records", len(list))
	}
	if len(list[0].ReviewReasons) != 1 || list[0].ReviewReasons[0] != "comparison_unsafe" {
		t.Fatalf("ListNeedsReview: reasons=%v", list[0].ReviewReasons)
	}
}
