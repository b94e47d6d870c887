package extractor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/gazette-ingest/internal/platform/httpx"
	"github.com/yungbote/gazette-ingest/internal/platform/inflight"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

type fakeTier struct {
	name  string
	out   Outcome
	delay time.Duration
	calls int32
}

func (f *fakeTier) Name() string { return f.name }
func (f *fakeTier) Cost() Cost   { return CostCheap }

func (f *fakeTier) Process(ctx context.Context, doc Document) Outcome {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return Failed(ctx.Err())
		case <-time.After(f.delay):
		}
	}
	return f.out
}

type fakeValidator struct {
	accept func(res *Result) bool
}

func (v fakeValidator) Check(ctx context.Context, res *Result) Verdict {
	if v.accept(res) {
		return Verdict{Accepted: true, Score: 1}
	}
	return Verdict{Accepted: false, Score: 0.2, Issues: []string{"low_script_ratio"}}
}

var arabicPage = strings.Repeat("وزارة الأشغال العامة تعلن عن طرح مناقصة ", 5)

func doc() Document {
	return Document{SourceID: "KA-1", Category: "tenders", MimeType: "image/png", Data: []byte("png")}
}

func TestShortTextFromEveryTierYieldsNoBody(t *testing.T) {
	short := strings.Repeat("ب", 40)
	tiers := []Tier{
		&fakeTier{name: "a", out: Ok(short, Fields{}, 0.9, "")},
		&fakeTier{name: "b", out: Ok(short, Fields{}, 0.9, "")},
		&fakeTier{name: "c", out: Insufficient(short, "")},
	}
	e := NewEngine(logger.Nop(), tiers, Config{})

	res, err := e.Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != nil {
		t.Fatalf("expected nil text, got %q", *res.Text)
	}
	if !strings.HasPrefix(res.Note, CouldNotExtract) {
		t.Fatalf("note: got %q", res.Note)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(res.Note, name+" insufficient") {
			t.Fatalf("note should name tier %s: %q", name, res.Note)
		}
	}
	if len(res.Attempts) != 3 || res.TierIndex != -1 || res.Retryable {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEscalatesToFirstSufficientTier(t *testing.T) {
	first := &fakeTier{name: "cheap", out: Ok("قصير", Fields{}, 0.9, "")}
	second := &fakeTier{name: "general", out: Ok(arabicPage, Fields{Entity: "وزارة الأشغال العامة"}, 0.8, "")}
	third := &fakeTier{name: "last", out: Ok(arabicPage, Fields{}, 0.99, "")}
	e := NewEngine(logger.Nop(), []Tier{first, second, third}, Config{})

	res, err := e.Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text == nil || res.Tier != "general" || res.TierIndex != 1 {
		t.Fatalf("expected tier general, got %+v", res)
	}
	if res.Fields.Entity == "" || res.Confidence != 0.8 {
		t.Fatalf("fields/confidence not carried: %+v", res)
	}
	if third.calls != 0 {
		t.Fatalf("later tier should not be called")
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Outcome != "insufficient" || res.Attempts[1].Outcome != "ok" {
		t.Fatalf("attempt trail: %+v", res.Attempts)
	}
}

func TestTransientFailuresMarkResultRetryable(t *testing.T) {
	tiers := []Tier{
		&fakeTier{name: "a", out: Failed(&httpx.StatusError{Service: "x", StatusCode: 503})},
		&fakeTier{name: "b", out: Failed(retry.Permanent(errors.New("bad media")))},
	}
	res, err := NewEngine(logger.Nop(), tiers, Config{}).Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != nil || !res.Retryable {
		t.Fatalf("expected retryable empty result, got %+v", res)
	}

	tiers = []Tier{&fakeTier{name: "b", out: Failed(retry.Permanent(errors.New("bad media")))}}
	res, _ = NewEngine(logger.Nop(), tiers, Config{}).Extract(context.Background(), doc())
	if res.Retryable {
		t.Fatalf("permanent failures must not be retryable")
	}
}

func TestValidatorRejectionKeepsLastCandidateForReview(t *testing.T) {
	a := &fakeTier{name: "a", out: Ok(arabicPage, Fields{}, 0.9, "")}
	b := &fakeTier{name: "b", out: Ok(arabicPage+" ثانية", Fields{}, 0.7, "")}
	v := fakeValidator{accept: func(*Result) bool { return false }}

	res, err := NewEngine(logger.Nop(), []Tier{a, b}, Config{}, WithValidator(v)).Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text == nil || res.Tier != "b" || !res.NeedsReview {
		t.Fatalf("expected tier b kept for review, got %+v", res)
	}
	if res.Verdict == nil || res.Verdict.Accepted {
		t.Fatalf("verdict not recorded: %+v", res.Verdict)
	}

	accepting := fakeValidator{accept: func(r *Result) bool { return r.Tier == "b" }}
	res, _ = NewEngine(logger.Nop(), []Tier{a, b}, Config{}, WithValidator(accepting)).Extract(context.Background(), doc())
	if res.Tier != "b" || res.NeedsReview {
		t.Fatalf("expected escalation to accepted tier b, got %+v", res)
	}
	if res.Attempts[0].Outcome != "rejected" {
		t.Fatalf("first attempt should be rejected: %+v", res.Attempts)
	}
}

type scoringValidator map[string]float64

func (v scoringValidator) Check(ctx context.Context, res *Result) Verdict {
	return Verdict{Accepted: false, Score: v[res.Tier], Issues: []string{"unverifiable_fields"}}
}

func TestRejectedCandidateFromLastTierWinsOverScore(t *testing.T) {
	a := &fakeTier{name: "a", out: Ok(arabicPage, Fields{}, 0.9, "")}
	b := &fakeTier{name: "b", out: Ok(arabicPage+" ثانية", Fields{}, 0.7, "")}
	v := scoringValidator{"a": 0.8, "b": 0.3}

	res, err := NewEngine(logger.Nop(), []Tier{a, b}, Config{}, WithValidator(v)).Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Tier != "b" || !res.NeedsReview || res.Verdict.Score != 0.3 {
		t.Fatalf("expected the last rejected candidate, got tier=%s verdict=%+v", res.Tier, res.Verdict)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Outcome != "rejected" || res.Attempts[1].Outcome != "rejected" {
		t.Fatalf("attempt trail: %+v", res.Attempts)
	}
}

func TestTierTimeoutFailsOnlyThatTier(t *testing.T) {
	slow := &fakeTier{name: "slow", delay: time.Second, out: Ok(arabicPage, Fields{}, 1, "")}
	fast := &fakeTier{name: "fast", out: Ok(arabicPage, Fields{}, 0.6, "")}
	e := NewEngine(logger.Nop(), []Tier{slow, fast}, Config{TierTimeout: 20 * time.Millisecond})

	res, err := e.Extract(context.Background(), doc())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Tier != "fast" || res.Attempts[0].Outcome != "failed" {
		t.Fatalf("expected fallback to fast tier, got %+v", res)
	}
}

func TestCanceledContextIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(logger.Nop(), []Tier{&fakeTier{name: "a"}}, Config{}).Extract(ctx, doc())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimitedTierKeepsIdentity(t *testing.T) {
	inner := &fakeTier{name: "mistral_ocr", out: Ok(arabicPage, Fields{}, 0.85, "")}
	lt := Limit(inner, inflight.New(1, nil))
	if lt.Name() != "mistral_ocr" || lt.Cost() != CostCheap {
		t.Fatalf("decorator must keep name and cost")
	}
	if out := lt.Process(context.Background(), doc()); out.Kind != OutcomeOk {
		t.Fatalf("outcome: %v", out.Kind)
	}
	if Limit(inner, nil) != Tier(inner) {
		t.Fatalf("nil gate should return the tier unchanged")
	}
}
