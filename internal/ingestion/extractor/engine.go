package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	DefaultMinTextChars = 100
	DefaultTierTimeout  = 90 * time.Second

	// CouldNotExtract prefixes the note of a result without text.
	CouldNotExtract = "could not extract"
)

type Config struct {
	MinTextChars int
	// TierTimeout bounds each tier call, including the wait for a backend
	// slot. Keep it below JOB_STALE_RUNNING.
	TierTimeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		MinTextChars: envutil.Int("EXTRACT_MIN_TEXT_CHARS", DefaultMinTextChars),
		TierTimeout:  envutil.Duration("EXTRACT_TIER_TIMEOUT", DefaultTierTimeout),
	}
}

// Verdict is what a Validator says about a candidate.
type Verdict struct {
	Accepted       bool     `json:"accepted"`
	Score          float64  `json:"score"`
	Issues         []string `json:"issues,omitempty"`
	Hallucinations []string `json:"hallucinations,omitempty"`
}

// Validator checks a candidate before the engine accepts it. It may drop
// unverifiable fields from res.
type Validator interface {
	Check(ctx context.Context, res *Result) Verdict
}

// Result is the engine's answer for one document. Text is nil when no tier
// produced usable text; Note then starts with CouldNotExtract.
type Result struct {
	Text        *string   `json:"text"`
	Fields      Fields    `json:"fields"`
	Confidence  float64   `json:"confidence"`
	Tier        string    `json:"tier,omitempty"`
	TierIndex   int       `json:"tier_index"`
	Note        string    `json:"note,omitempty"`
	Attempts    []Attempt `json:"attempts"`
	Verdict     *Verdict  `json:"verdict,omitempty"`
	NeedsReview bool      `json:"needs_review"`
	// Retryable is set on a text-less result when at least one tier failed
	// transiently, so a later attempt may succeed.
	Retryable bool `json:"retryable"`
}

type Engine struct {
	log       *logger.Logger
	tiers     []Tier
	cfg       Config
	validator Validator
	metrics   *observability.Metrics
}

type Option func(*Engine)

func WithValidator(v Validator) Option { return func(e *Engine) { e.validator = v } }

func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(log *logger.Logger, tiers []Tier, cfg Config, opts ...Option) *Engine {
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = DefaultMinTextChars
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = DefaultTierTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		log:   log.With("service", "extractor.Engine"),
		tiers: append([]Tier(nil), tiers...),
		cfg:   cfg,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) TierNames() []string {
	out := make([]string, 0, len(e.tiers))
	for _, t := range e.tiers {
		out = append(out, t.Name())
	}
	return out
}

// Extract walks the tiers in order and returns the first acceptable text.
// The only error it returns is the caller's context ending; backend failures
// are folded into the result.
func (e *Engine) Extract(ctx context.Context, doc Document) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "extractor.Extract",
		attribute.String("source_id", doc.SourceID),
		attribute.Int("bytes", len(doc.Data)),
	)

	var (
		attempts  []Attempt
		reasons   []string
		rejected  *Result
		retryable bool
	)

	for i, t := range e.tiers {
		if err := ctx.Err(); err != nil {
			observability.EndSpan(span, err)
			return nil, err
		}

		out, dur := e.call(ctx, t, doc)
		att := Attempt{Tier: t.Name(), Outcome: out.Kind.String(), Chars: utf8.RuneCountInString(out.Text), Note: out.Note, Duration: dur}

		switch out.Kind {
		case OutcomeFailed:
			if retry.IsTransient(out.Err) {
				retryable = true
			}
			att.Note = out.Err.Error()
			reasons = append(reasons, fmt.Sprintf("%s failed: %v", t.Name(), out.Err))

		case OutcomeInsufficient:
			reasons = append(reasons, fmt.Sprintf("%s insufficient: %s", t.Name(), noteOr(out.Note, fmt.Sprintf("%d chars", att.Chars))))

		case OutcomeOk:
			text := strings.TrimSpace(out.Text)
			att.Chars = utf8.RuneCountInString(text)
			if att.Chars < e.cfg.MinTextChars {
				att.Outcome = OutcomeInsufficient.String()
				reasons = append(reasons, fmt.Sprintf("%s insufficient: %d chars (min %d)", t.Name(), att.Chars, e.cfg.MinTextChars))
				break
			}

			cand := &Result{
				Text:       &text,
				Fields:     out.Fields,
				Confidence: clamp01(out.Confidence),
				Tier:       t.Name(),
				TierIndex:  i,
				Note:       out.Note,
			}
			if e.validator != nil {
				v := e.validator.Check(ctx, cand)
				cand.Verdict = &v
				if !v.Accepted {
					att.Outcome = "rejected"
					att.Note = strings.Join(v.Issues, ",")
					reasons = append(reasons, fmt.Sprintf("%s rejected: %s", t.Name(), att.Note))
					rejected = cand
					break
				}
			}

			attempts = append(attempts, att)
			e.metrics.ObserveTier(t.Name(), att.Outcome, dur)
			cand.Attempts = attempts
			e.log.Info("extraction accepted",
				"source_id", doc.SourceID,
				"tier", t.Name(),
				"tier_index", i,
				"chars", att.Chars,
				"confidence", cand.Confidence,
			)
			span.SetAttributes(attribute.String("tier", t.Name()))
			observability.EndSpan(span, nil)
			return cand, nil
		}

		attempts = append(attempts, att)
		e.metrics.ObserveTier(t.Name(), att.Outcome, dur)
	}

	if rejected != nil {
		// The last rejected candidate is kept for a human, whatever the earlier
		// tiers scored. It came from the most expensive tier that produced text.
		rejected.NeedsReview = true
		rejected.Attempts = attempts
		e.log.Warn("extraction kept for review",
			"source_id", doc.SourceID,
			"tier", rejected.Tier,
			"reasons", strings.Join(reasons, "; "),
		)
		span.SetAttributes(attribute.String("tier", rejected.Tier), attribute.Bool("needs_review", true))
		observability.EndSpan(span, nil)
		return rejected, nil
	}

	if len(e.tiers) == 0 {
		reasons = append(reasons, "no extraction tiers configured")
	}
	res := &Result{
		TierIndex: -1,
		Note:      CouldNotExtract + ": " + strings.Join(reasons, "; "),
		Attempts:  attempts,
		Retryable: retryable,
	}
	e.log.Warn("extraction failed on every tier",
		"source_id", doc.SourceID,
		"retryable", retryable,
		"note", res.Note,
	)
	span.SetAttributes(attribute.Bool("extracted", false))
	observability.EndSpan(span, nil)
	return res, nil
}

func (e *Engine) call(ctx context.Context, t Tier, doc Document) (Outcome, time.Duration) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TierTimeout)
	defer cancel()
	tctx, span := observability.StartSpan(tctx, "extractor.tier",
		attribute.String("tier", t.Name()),
		attribute.String("cost", string(t.Cost())),
	)

	start := time.Now()
	out := t.Process(tctx, doc)
	dur := time.Since(start)

	if out.Kind == OutcomeFailed && out.Err == nil {
		out.Err = fmt.Errorf("%s: failed without error", t.Name())
	}
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	observability.EndSpan(span, out.Err)
	return out, dur
}

func noteOr(note, def string) string {
	if strings.TrimSpace(note) == "" {
		return def
	}
	return note
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
