package extractor

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
)

// Cost classes order tiers by price and reliability.
type Cost string

const (
	CostCheap      Cost = "cheap"
	CostGeneral    Cost = "general"
	CostLastResort Cost = "last_resort"
)

// Document is one gazette page as fetched (or read back from the archive).
type Document struct {
	SourceID string
	Category string
	MimeType string
	Data     []byte
}

// Tier is one extraction backend. Process never panics on backend errors;
// it reports them as a Failed outcome.
type Tier interface {
	Name() string
	Cost() Cost
	Process(ctx context.Context, doc Document) Outcome
}

type OutcomeKind int

const (
	OutcomeOk OutcomeKind = iota
	OutcomeInsufficient
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the tagged result of one tier call. Which fields are meaningful
// depends on Kind: Ok carries text, fields and confidence; Insufficient
// carries whatever partial text came back; Failed carries Err.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	Fields     Fields
	Confidence float64
	Note       string
	Err        error
}

func Ok(text string, fields Fields, confidence float64, note string) Outcome {
	return Outcome{Kind: OutcomeOk, Text: text, Fields: fields, Confidence: confidence, Note: note}
}

func Insufficient(text, note string) Outcome {
	return Outcome{Kind: OutcomeInsufficient, Text: text, Note: note}
}

func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Fields are the structured values a tier lifted from the page. Empty means
// absent.
type Fields struct {
	Title           string   `json:"title,omitempty"`
	BusinessKey     string   `json:"business_key,omitempty"`
	Entity          string   `json:"entity,omitempty"`
	DeadlineText    string   `json:"deadline_text,omitempty"`
	MeetingDateText string   `json:"meeting_date_text,omitempty"`
	MeetingLocation string   `json:"meeting_location,omitempty"`
	DocumentPrice   string   `json:"document_price,omitempty"`
	Requirements    []string `json:"requirements,omitempty"`
}

// Attempt is one entry of the per-tier trail kept on a Result.
type Attempt struct {
	Tier     string        `json:"tier"`
	Outcome  string        `json:"outcome"`
	Chars    int           `json:"chars"`
	Note     string        `json:"note,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Limit wraps t so every Process call holds a slot of the shared backend gate.
func Limit(t Tier, g *inflight.Gate) Tier {
	if g == nil {
		return t
	}
	return &limitedTier{Tier: t, gate: g}
}

type limitedTier struct {
	Tier
	gate *inflight.Gate
}

func (l *limitedTier) Process(ctx context.Context, doc Document) Outcome {
	var out Outcome
	err := l.gate.Do(ctx, l.Name(), func(ctx context.Context) error {
		out = l.Tier.Process(ctx, doc)
		return nil
	})
	if err != nil {
		return Failed(fmt.Errorf("%s: waiting for backend slot: %w", l.Name(), err))
	}
	return out
}
