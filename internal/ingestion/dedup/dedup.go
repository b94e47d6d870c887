// Package dedup decides whether a fetched catalog record is new, unchanged
// or a changed version of something already stored.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/normalization"
	"github.com/yungbote/gazette-ingest/internal/platform/dbctx"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

type Kind string

const (
	KindNew       Kind = "new"
	KindUnchanged Kind = "unchanged"
	KindChanged   Kind = "changed"
)

// Lookup is the slice of the record store the deduplicator reads.
type Lookup interface {
	GetByFingerprint(dbc dbctx.Context, fingerprint string) (*types.Record, error)
	GetBySourceID(dbc dbctx.Context, sourceID string) (*types.Record, error)
	GetByBusinessKey(dbc dbctx.Context, businessKey string, excludeID uuid.UUID) (*types.Record, error)
}

// FieldChange is one catalog-level difference between a stored record and
// its refetched version.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

type Classification struct {
	Kind     Kind
	Existing *types.Record
	Diff     []FieldChange
}

type Deduplicator struct {
	log    *logger.Logger
	lookup Lookup
}

func New(log *logger.Logger, lookup Lookup) *Deduplicator {
	if log == nil {
		log = logger.Nop()
	}
	return &Deduplicator{log: log.With("component", "Deduplicator"), lookup: lookup}
}

// Classify sets incoming.Fingerprint and looks it up: same fingerprint is
// Unchanged, same source id or business key is Changed, anything else New.
func (d *Deduplicator) Classify(ctx context.Context, incoming *types.Record) (Classification, error) {
	if incoming == nil {
		return Classification{}, fmt.Errorf("classify: nil record")
	}
	dbc := dbctx.Context{Ctx: ctx}
	incoming.Fingerprint = Fingerprint(incoming)

	existing, err := d.lookup.GetByFingerprint(dbc, incoming.Fingerprint)
	if err != nil {
		return Classification{}, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if existing != nil {
		return Classification{Kind: KindUnchanged, Existing: existing}, nil
	}

	existing, err = d.lookup.GetBySourceID(dbc, incoming.SourceID)
	if err != nil {
		return Classification{}, fmt.Errorf("lookup source id: %w", err)
	}
	if existing == nil && incoming.BusinessKey != nil && strings.TrimSpace(*incoming.BusinessKey) != "" {
		existing, err = d.lookup.GetByBusinessKey(dbc, *incoming.BusinessKey, uuid.Nil)
		if err != nil {
			return Classification{}, fmt.Errorf("lookup business key: %w", err)
		}
	}
	if existing == nil {
		return Classification{Kind: KindNew}, nil
	}
	diff := Diff(incoming, existing)
	d.log.Debug("record changed upstream", "source_id", incoming.SourceID, "existing_id", existing.ID, "fields", len(diff))
	return Classification{Kind: KindChanged, Existing: existing, Diff: diff}, nil
}

// Fingerprint hashes the normalized entity, category, business key, title
// and publication day (YYYY-MM-DD, Kuwait).
func Fingerprint(rec *types.Record) string {
	day := ""
	if rec.PublishedAt != nil {
		day = dates.DayKey(*rec.PublishedAt)
	}
	parts := []string{
		norm(rec.Entity),
		strings.ToLower(strings.TrimSpace(rec.Category)),
		norm(rec.BusinessKey),
		normalization.Arabic(rec.Title),
		day,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func norm(s *string) string {
	if s == nil {
		return ""
	}
	return normalization.Arabic(*s)
}

// Diff lists catalog metadata that differs between incoming and existing.
// Extracted content is not compared.
func Diff(incoming, existing *types.Record) []FieldChange {
	var out []FieldChange
	add := func(field, oldV, newV string) {
		if oldV != newV {
			out = append(out, FieldChange{Field: field, Old: oldV, New: newV})
		}
	}
	add("title", existing.Title, incoming.Title)
	add("edition_no", existing.EditionNo, incoming.EditionNo)
	add("edition_id", strconv.FormatInt(existing.EditionID, 10), strconv.FormatInt(incoming.EditionID, 10))
	add("page_number", strconv.Itoa(existing.PageNumber), strconv.Itoa(incoming.PageNumber))
	add("page_url", existing.PageURL, incoming.PageURL)
	add("hijri_date", existing.HijriDate, incoming.HijriDate)
	add("published_at", dayOrEmpty(existing.PublishedAt), dayOrEmpty(incoming.PublishedAt))
	return out
}

// DocumentMoved reports whether the diff points the record at a different
// page image, which is the only catalog change that needs re-extraction.
func DocumentMoved(diff []FieldChange) bool {
	for _, c := range diff {
		switch c.Field {
		case "edition_no", "edition_id", "page_number", "page_url":
			return true
		}
	}
	return false
}

// Touches reports whether field is part of the diff.
func Touches(diff []FieldChange, field string) bool {
	for _, c := range diff {
		if c.Field == field {
			return true
		}
	}
	return false
}

// Updates turns a diff into column updates for the stored record.
func Updates(incoming *types.Record, diff []FieldChange) map[string]interface{} {
	updates := map[string]interface{}{"fingerprint": incoming.Fingerprint}
	for _, c := range diff {
		switch c.Field {
		case "title":
			updates["title"] = incoming.Title
		case "edition_no":
			updates["edition_no"] = incoming.EditionNo
		case "edition_id":
			updates["edition_id"] = incoming.EditionID
		case "page_number":
			updates["page_number"] = incoming.PageNumber
		case "page_url":
			updates["page_url"] = incoming.PageURL
		case "hijri_date":
			updates["hijri_date"] = incoming.HijriDate
		case "published_at":
			updates["published_at"] = incoming.PublishedAt
			updates["published_source"] = incoming.PublishedSource
		}
	}
	return updates
}

func dayOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return dates.DayKey(*t)
}
