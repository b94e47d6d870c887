// Package validate scores an extraction for legibility and drops structured
// fields that cannot be found in the extracted text.
package validate

import (
	"context"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/gazette-ingest/internal/ingestion/dates"
	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/normalization"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/envutil"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const (
	IssueTooShort        = "too_short"
	IssueLowScriptRatio  = "low_script_ratio"
	IssueRepetition      = "repetition_detected"
	IssueSymbolNoise     = "symbol_noise"
	IssueUnverifiable    = "unverifiable_fact"
	EventHallucination   = "hallucination_detected"
	FieldBusinessKey     = "business_key"
	FieldEntity          = "entity"
	FieldDeadlineText    = "deadline_text"
	FieldMeetingDateText = "meeting_date_text"
)

type Config struct {
	MinChars          int     `yaml:"min_chars"`
	MinScriptRatio    float64 `yaml:"min_script_ratio"`
	MaxRunLength      int     `yaml:"max_run_length"`
	MaxUnitShare      float64 `yaml:"max_unit_share"`
	MaxSymbolRatio    float64 `yaml:"max_symbol_ratio"`
	MaxHallucinations int     `yaml:"max_hallucinations"`
}

func DefaultConfig() Config {
	return Config{
		MinChars:          100,
		MinScriptRatio:    0.3,
		MaxRunLength:      12,
		MaxUnitShare:      0.4,
		MaxSymbolRatio:    0.35,
		MaxHallucinations: 2,
	}
}

// ConfigFromEnv overlays VALIDATE_* variables on base.
func ConfigFromEnv(base Config) Config {
	return Config{
		MinChars:          envutil.Int("VALIDATE_MIN_CHARS", base.MinChars),
		MinScriptRatio:    envutil.Float("VALIDATE_MIN_SCRIPT_RATIO", base.MinScriptRatio),
		MaxRunLength:      envutil.Int("VALIDATE_MAX_RUN_LENGTH", base.MaxRunLength),
		MaxUnitShare:      envutil.Float("VALIDATE_MAX_UNIT_SHARE", base.MaxUnitShare),
		MaxSymbolRatio:    envutil.Float("VALIDATE_MAX_SYMBOL_RATIO", base.MaxSymbolRatio),
		MaxHallucinations: envutil.Int("VALIDATE_MAX_HALLUCINATIONS", base.MaxHallucinations),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinChars <= 0 {
		c.MinChars = d.MinChars
	}
	if c.MinScriptRatio <= 0 {
		c.MinScriptRatio = d.MinScriptRatio
	}
	if c.MaxRunLength <= 0 {
		c.MaxRunLength = d.MaxRunLength
	}
	if c.MaxUnitShare <= 0 {
		c.MaxUnitShare = d.MaxUnitShare
	}
	if c.MaxSymbolRatio <= 0 {
		c.MaxSymbolRatio = d.MaxSymbolRatio
	}
	// 0 is a valid policy; only a negative ceiling means unset.
	if c.MaxHallucinations < 0 {
		c.MaxHallucinations = d.MaxHallucinations
	}
	return c
}

type Report struct {
	Score          float64  `json:"score"`
	Acceptable     bool     `json:"acceptable"`
	Issues         []string `json:"issues,omitempty"`
	Hallucinations []string `json:"hallucinations,omitempty"`
}

type Validator struct {
	log     *logger.Logger
	cfg     Config
	metrics *observability.Metrics
}

func New(log *logger.Logger, cfg Config, m *observability.Metrics) *Validator {
	if log == nil {
		log = logger.Nop()
	}
	return &Validator{log: log.With("service", "validate.Validator"), cfg: cfg.withDefaults(), metrics: m}
}

// Check adapts Validate to the extraction engine's hook, verifying fields
// against the candidate's own text.
func (v *Validator) Check(ctx context.Context, res *extractor.Result) extractor.Verdict {
	_, span := observability.StartSpan(ctx, "validate.Check", attribute.String("tier", res.Tier))
	source := ""
	if res.Text != nil {
		source = *res.Text
	}
	rep := v.Validate(res, source)
	span.SetAttributes(attribute.Float64("score", rep.Score), attribute.Bool("acceptable", rep.Acceptable))
	observability.EndSpan(span, nil)
	return extractor.Verdict{
		Accepted:       rep.Acceptable,
		Score:          rep.Score,
		Issues:         rep.Issues,
		Hallucinations: rep.Hallucinations,
	}
}

// Validate runs the length, script, noise and hallucination checks. Fields
// not found in source are cleared on res.
func (v *Validator) Validate(res *extractor.Result, source string) Report {
	var rep Report
	text := ""
	if res != nil && res.Text != nil {
		text = strings.TrimSpace(*res.Text)
	}
	chars := utf8.RuneCountInString(text)

	lengthOK := chars >= v.cfg.MinChars
	if !lengthOK {
		rep.Issues = append(rep.Issues, IssueTooShort)
	}

	ratio := normalization.ArabicRatio(text)
	scriptOK := ratio >= v.cfg.MinScriptRatio
	if !scriptOK {
		rep.Issues = append(rep.Issues, IssueLowScriptRatio)
	}

	noisy := false
	if longestRun(text) > v.cfg.MaxRunLength || periodicShare(text) > v.cfg.MaxUnitShare {
		rep.Issues = append(rep.Issues, IssueRepetition)
		noisy = true
	}
	if symbolRatio(text) > v.cfg.MaxSymbolRatio {
		rep.Issues = append(rep.Issues, IssueSymbolNoise)
		noisy = true
	}

	checked := 0
	if res != nil {
		checked, rep.Hallucinations = v.dropUnverified(res, source)
	}
	if len(rep.Hallucinations) > 0 {
		rep.Issues = append(rep.Issues, IssueUnverifiable)
	}

	rep.Acceptable = lengthOK && scriptOK && len(rep.Hallucinations) < hallucinationCeiling(v.cfg.MaxHallucinations)
	rep.Score = score(chars, v.cfg.MinChars, ratio, noisy, checked, len(rep.Hallucinations))
	return rep
}

func (v *Validator) dropUnverified(res *extractor.Result, source string) (int, []string) {
	targets := []struct {
		name string
		val  *string
	}{
		{FieldBusinessKey, &res.Fields.BusinessKey},
		{FieldEntity, &res.Fields.Entity},
		{FieldDeadlineText, &res.Fields.DeadlineText},
		{FieldMeetingDateText, &res.Fields.MeetingDateText},
	}
	var (
		checked int
		dropped []string
	)
	m := newMatcher(source)
	for _, tgt := range targets {
		if strings.TrimSpace(*tgt.val) == "" {
			continue
		}
		checked++
		if m.contains(*tgt.val) {
			continue
		}
		v.log.Warn(EventHallucination,
			"event", EventHallucination,
			"field", tgt.name,
			"value", *tgt.val,
			"tier", res.Tier,
		)
		v.metrics.IncHallucination(tgt.name)
		dropped = append(dropped, tgt.name)
		*tgt.val = ""
	}
	return checked, dropped
}

func score(chars, minChars int, ratio float64, noisy bool, checked, dropped int) float64 {
	lengthScore := math.Min(1, float64(chars)/float64(minChars))
	scriptScore := math.Min(1, ratio/0.6)
	noiseScore := 1.0
	if noisy {
		noiseScore = 0.3
	}
	factScore := 1.0
	if checked > 0 {
		factScore = 1 - float64(dropped)/float64(checked)
	}
	s := 0.2*lengthScore + 0.3*scriptScore + 0.25*noiseScore + 0.25*factScore
	return math.Round(s*1000) / 1000
}

// longestRun is the longest run of one repeated non-space rune.
func longestRun(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if unicode.IsSpace(r) {
			prev, cur = -1, 0
			continue
		}
		if r == prev {
			cur++
		} else {
			prev, cur = r, 1
		}
		if cur > best {
			best = cur
		}
	}
	return best
}

// periodicShare is the largest share of s covered by stretches that repeat a
// 2-4 rune unit at least three times ("abababab", "لا لا لا لا ").
func periodicShare(s string) float64 {
	rs := []rune(s)
	if len(rs) == 0 {
		return 0
	}
	best := 0
	for k := 2; k <= 4; k++ {
		covered := 0
		i := k
		for i < len(rs) {
			if rs[i] != rs[i-k] {
				i++
				continue
			}
			start := i - k
			for i < len(rs) && rs[i] == rs[i-k] {
				i++
			}
			if n := i - start; n >= 3*k && !uniform(rs[start:i]) {
				covered += n
			}
		}
		if covered > best {
			best = covered
		}
	}
	return float64(best) / float64(len(rs))
}

// uniform stretches ("ــــــ", "    ") belong to longestRun, not here.
func uniform(rs []rune) bool {
	for _, r := range rs[1:] {
		if r != rs[0] {
			return false
		}
	}
	return true
}

// symbolRatio counts runes that are neither letters, digits, spaces nor
// combining marks, over all runes.
func symbolRatio(s string) float64 {
	total, sym := 0, 0
	for _, r := range s {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) || unicode.Is(unicode.Mn, r) {
			continue
		}
		sym++
	}
	if total == 0 {
		return 0
	}
	return float64(sym) / float64(total)
}

type matcher struct {
	normalized string
	compact    string
	dates      map[string]bool
}

func newMatcher(source string) *matcher {
	m := &matcher{
		normalized: normalization.Arabic(source),
		compact:    normalization.Compact(source),
		dates:      map[string]bool{},
	}
	for _, d := range dates.FindDates(source) {
		m.dates[dates.DayKey(d)] = true
	}
	return m
}

// contains reports whether value appears in the source verbatim or nearly
// so: after Arabic and numeral folding, ignoring separators, or as the same
// calendar date written in another order.
func (m *matcher) contains(value string) bool {
	nv := normalization.Arabic(value)
	if nv == "" {
		return true
	}
	if strings.Contains(m.normalized, nv) {
		return true
	}
	if cv := normalization.Compact(value); cv != "" && strings.Contains(m.compact, cv) {
		return true
	}
	if d := dates.ParseDeadline(value); d != nil && m.dates[dates.DayKey(*d)] {
		return true
	}
	return false
}

// hallucinationCeiling maps the configured maximum to the exclusive bound
// used for acceptance. 0 means zero tolerance, the same as 1.
func hallucinationCeiling(max int) int {
	if max < 1 {
		return 1
	}
	return max
}
