// Package changes compares a freshly extracted notice against the stored
// record and reports postponements and newly announced meetings.
package changes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/gazette-ingest/internal/domain"
	"github.com/yungbote/gazette-ingest/internal/domain/records"
	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const (
	ReviewUnsafeComparison = "deadline_comparison_unsafe"

	reasonPostponed = "deadline moved later by a new notice"
	reasonAdvanced  = "deadline moved earlier by a new notice"
)

// Publisher fans change events out to subscribers (the Redis bus).
type Publisher interface {
	Publish(ctx context.Context, ev types.ChangeEvent) error
}

// Snapshot is the part of a record change detection looks at.
type Snapshot struct {
	RecordID     uuid.UUID
	SourceID     string
	Deadline     *time.Time
	DeadlineText string
	// DeadlineNaive marks deadline text that never became a zoned instant.
	// Such a deadline is never compared.
	DeadlineNaive   bool
	MeetingDate     *time.Time
	MeetingDateText string
	MeetingLocation string
	PublishedAt     *time.Time
}

func SnapshotOf(rec *types.Record) Snapshot {
	if rec == nil {
		return Snapshot{}
	}
	text := deref(rec.DeadlineText)
	return Snapshot{
		RecordID:        rec.ID,
		SourceID:        rec.SourceID,
		Deadline:        rec.Deadline,
		DeadlineText:    text,
		DeadlineNaive:   rec.Deadline == nil && text != "",
		MeetingDate:     rec.MeetingDate,
		MeetingDateText: deref(rec.MeetingDateText),
		MeetingLocation: deref(rec.MeetingLocation),
		PublishedAt:     rec.PublishedAt,
	}
}

// WithUnparsedDeadline replaces the snapshot's deadline with text that
// could not be parsed, so a comparison against it is reported as unsafe.
func (s Snapshot) WithUnparsedDeadline(text string) Snapshot {
	s.Deadline = nil
	s.DeadlineText = strings.TrimSpace(text)
	s.DeadlineNaive = s.DeadlineText != ""
	return s
}

func (s Snapshot) hasDeadline() bool { return s.Deadline != nil || s.DeadlineNaive }

type Detector struct {
	log     *logger.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(log *logger.Logger, m *observability.Metrics) *Detector {
	if log == nil {
		log = logger.Nop()
	}
	return &Detector{log: log.With("service", "changes.Detector"), metrics: m, now: time.Now}
}

// Detect returns the events implied by incoming against existing. unsafe is
// set when both sides carry a deadline but one of them cannot be placed in
// Kuwait time; the caller flags the record for review instead of guessing.
func (d *Detector) Detect(incoming, existing Snapshot) (events []types.ChangeEvent, unsafe bool) {
	now := d.now().UTC()

	if incoming.hasDeadline() && existing.hasDeadline() {
		switch {
		case incoming.DeadlineNaive && existing.DeadlineNaive:
			unsafe = incoming.DeadlineText != existing.DeadlineText
		case incoming.DeadlineNaive || existing.DeadlineNaive ||
			!resolvable(*incoming.Deadline) || !resolvable(*existing.Deadline):
			unsafe = true
		case dates.DayKey(*incoming.Deadline) != dates.DayKey(*existing.Deadline):
			prev := existing.Deadline.In(dates.Location())
			cur := incoming.Deadline.In(dates.Location())
			events = append(events, types.ChangeEvent{
				Kind:       records.ChangeKindPostponed,
				RecordID:   existing.RecordID,
				SourceID:   incoming.SourceID,
				Previous:   &prev,
				Current:    &cur,
				DetectedAt: now,
			})
		}
		if unsafe {
			d.log.Warn("deadline comparison skipped",
				"record_id", existing.RecordID,
				"incoming_naive", incoming.DeadlineNaive,
				"existing_naive", existing.DeadlineNaive,
				"incoming_text", incoming.DeadlineText,
				"existing_text", existing.DeadlineText,
			)
		}
	}

	hadMeeting := existing.MeetingDate != nil || existing.MeetingDateText != ""
	hasMeeting := incoming.MeetingDate != nil || incoming.MeetingDateText != ""
	hadLocation := existing.MeetingLocation != ""
	hasLocation := incoming.MeetingLocation != ""
	if (!hadMeeting && hasMeeting) || (!hadLocation && hasLocation) {
		events = append(events, types.ChangeEvent{
			Kind:       records.ChangeKindMeeting,
			RecordID:   existing.RecordID,
			SourceID:   incoming.SourceID,
			Current:    incoming.MeetingDate,
			Location:   incoming.MeetingLocation,
			DetectedAt: now,
		})
	}

	for _, ev := range events {
		d.metrics.IncChangeEvent(ev.Kind)
		d.log.Info("change detected",
			"kind", ev.Kind,
			"record_id", ev.RecordID,
			"source_id", ev.SourceID,
		)
	}
	return events, unsafe
}

// DetectRepublication handles a catalog refetch whose publication day moved.
// It emits publication_date_changed and re-checks the stored deadline against
// the new day; the deadline itself is left alone.
func (d *Detector) DetectRepublication(existing Snapshot, published *time.Time) ([]types.ChangeEvent, dates.DeadlineCheck) {
	if existing.PublishedAt == nil || published == nil ||
		dates.DayKey(*existing.PublishedAt) == dates.DayKey(*published) {
		return nil, dates.DeadlineCheck{}
	}
	prev := existing.PublishedAt.In(dates.Location())
	cur := published.In(dates.Location())
	ev := types.ChangeEvent{
		Kind:       records.ChangeKindPublished,
		RecordID:   existing.RecordID,
		SourceID:   existing.SourceID,
		Previous:   &prev,
		Current:    &cur,
		DetectedAt: d.now().UTC(),
	}
	d.metrics.IncChangeEvent(ev.Kind)
	d.log.Info("change detected", "kind", ev.Kind, "record_id", ev.RecordID, "source_id", ev.SourceID)

	var check dates.DeadlineCheck
	if existing.Deadline != nil && !existing.DeadlineNaive {
		check = dates.CheckDeadline(existing.Deadline, published)
	}
	return []types.ChangeEvent{ev}, check
}

// Postponement is what applying a deadline_postponed event writes.
type Postponement struct {
	Updates map[string]interface{}
	Entry   types.DeadlineChange
}

// ApplyPostponement computes the record update for ev. original_deadline is
// only set the first time; history deduplication is the repo's job.
func ApplyPostponement(rec *types.Record, ev types.ChangeEvent) (Postponement, error) {
	if ev.Kind != records.ChangeKindPostponed {
		return Postponement{}, fmt.Errorf("not a postponement: %s", ev.Kind)
	}
	if rec == nil || ev.Previous == nil || ev.Current == nil {
		return Postponement{}, fmt.Errorf("postponement needs a record and both deadlines")
	}
	reason := reasonPostponed
	if ev.Current.Before(*ev.Previous) {
		reason = reasonAdvanced
	}
	if ev.SourceID != "" && ev.SourceID != rec.SourceID {
		reason = fmt.Sprintf("%s (%s)", reason, ev.SourceID)
	}

	updates := map[string]interface{}{
		"is_postponed":        true,
		"deadline":            ev.Current.UTC(),
		"postponement_reason": reason,
	}
	if rec.OriginalDeadline == nil {
		updates["original_deadline"] = ev.Previous.UTC()
	}
	prev := ev.Previous.UTC()
	cur := ev.Current.UTC()
	return Postponement{
		Updates: updates,
		Entry: types.DeadlineChange{
			Kind:       records.ChangeKindPostponed,
			Old:        &prev,
			New:        &cur,
			ObservedAt: ev.DetectedAt,
			Reason:     reason,
			SourceID:   ev.SourceID,
		},
	}, nil
}

// resolvable rejects the zero instant. Any other time carries an offset, so
// it converts to Kuwait time even when its zone has no name, as the SQLite
// driver returns it.
func resolvable(t time.Time) bool {
	return !t.IsZero()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
