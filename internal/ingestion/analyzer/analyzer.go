// Package analyzer scores how relevant a notice is to the telecom business
// units it is routed to.
package analyzer

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/openai"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

const (
	RelevanceVeryHigh = "very_high"
	RelevanceHigh     = "high"
	RelevanceMedium   = "medium"
	RelevanceLow      = "low"

	TeamGovernment = "STC Enterprise – Government"
	TeamCorporate  = "STC Enterprise – Corporate"
	TeamConsumer   = "STC Consumer"
	TeamSolutions  = "STC Solutions (ICT)"
	TeamChannels   = "STC Channels & Sales"

	maxKeywords   = 5
	maxInputRunes = 2000
	schemaName    = "score_tender_relevance"
)

var Relevances = []string{RelevanceVeryHigh, RelevanceHigh, RelevanceMedium, RelevanceLow}

var Teams = []string{TeamGovernment, TeamCorporate, TeamConsumer, TeamSolutions, TeamChannels}

var Sectors = []string{
	"Telecom infrastructure",
	"Data center & cloud",
	"Contact center / call center",
	"Networking & security",
	"Smart city / IoT",
}

type Analysis struct {
	RelevanceScore  string   `json:"relevance_score"`
	Confidence      float64  `json:"confidence"`
	Keywords        []string `json:"keywords"`
	Sectors         []string `json:"sectors"`
	RecommendedTeam string   `json:"recommended_team"`
	Reasoning       string   `json:"reasoning"`
}

// Analyzer is the structured-analysis backend used by the enrich job.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*Analysis, error)
}

type llmAnalyzer struct {
	log     *logger.Logger
	client  openai.Client
	metrics *observability.Metrics
}

func New(log *logger.Logger, client openai.Client, m *observability.Metrics) (Analyzer, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if client == nil {
		return nil, fmt.Errorf("openai client required")
	}
	return &llmAnalyzer{log: log.With("service", "RelevanceAnalyzer"), client: client, metrics: m}, nil
}

func (a *llmAnalyzer) Analyze(ctx context.Context, text string) (out *Analysis, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, retry.Permanent(fmt.Errorf("analyze: empty text"))
	}
	ctx, span := observability.StartSpan(ctx, "analyzer.analyze")
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	obj, err := a.client.GenerateJSON(ctx, systemPrompt, userPrompt(text), schemaName, schema())
	if err != nil {
		a.metrics.ObserveTier("analyzer", "failed", time.Since(start))
		return nil, fmt.Errorf("analyze: %w", err)
	}
	out, err = decode(obj)
	if err != nil {
		a.metrics.ObserveTier("analyzer", "failed", time.Since(start))
		return nil, retry.Permanent(err)
	}
	a.metrics.ObserveTier("analyzer", "ok", time.Since(start))
	a.log.Info("relevance scored",
		"relevance", out.RelevanceScore,
		"confidence", out.Confidence,
		"team", out.RecommendedTeam,
	)
	return out, nil
}

const systemPrompt = "You analyze Kuwaiti government procurement notices for STC Kuwait and score their business relevance. Reply with JSON only."

func userPrompt(text string) string {
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes])
	}
	var b strings.Builder
	b.WriteString("Notice text:\n")
	b.WriteString(text)
	b.WriteString("\n\nSTC business areas (use these exact names):\n")
	for i, s := range Sectors {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nSTC business units:\n")
	for _, t := range Teams {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	b.WriteString("\nProvide the relevance level, a 0-1 confidence, at most 5 technical keywords found in the text, ")
	b.WriteString("the matching business areas, the unit that should handle it and a one or two sentence reasoning.")
	return b.String()
}

func schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"relevance_score", "confidence", "keywords", "sectors", "recommended_team", "reasoning"},
		"properties": map[string]any{
			"relevance_score":  map[string]any{"type": "string", "enum": Relevances},
			"confidence":       map[string]any{"type": "number"},
			"keywords":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"sectors":          map[string]any{"type": "array", "items": map[string]any{"type": "string", "enum": Sectors}},
			"recommended_team": map[string]any{"type": "string", "enum": Teams},
			"reasoning":        map[string]any{"type": "string"},
		},
	}
}

func decode(obj map[string]any) (*Analysis, error) {
	out := &Analysis{}
	score, _ := obj["relevance_score"].(string)
	out.RelevanceScore = strings.ToLower(strings.TrimSpace(score))
	if !contains(Relevances, out.RelevanceScore) {
		return nil, fmt.Errorf("unknown relevance %q", score)
	}
	if c, ok := obj["confidence"].(float64); ok {
		if c > 1 && c <= 100 {
			c /= 100
		}
		out.Confidence = clamp01(c)
	}
	out.Keywords = uniqueStrings(obj["keywords"], maxKeywords)
	for _, s := range uniqueStrings(obj["sectors"], 0) {
		if contains(Sectors, s) {
			out.Sectors = append(out.Sectors, s)
		}
	}
	team, _ := obj["recommended_team"].(string)
	if contains(Teams, strings.TrimSpace(team)) {
		out.RecommendedTeam = strings.TrimSpace(team)
	}
	out.Reasoning, _ = obj["reasoning"].(string)
	out.Reasoning = strings.TrimSpace(out.Reasoning)
	return out, nil
}

func uniqueStrings(v any, max int) []string {
	raw, _ := v.([]any)
	seen := map[string]bool{}
	out := []string{}
	for _, item := range raw {
		s, _ := item.(string)
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
