package analyzer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/gazette-ingest/internal/clients/redis"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
	"github.com/yungbote/gazette-ingest/internal/platform/retry"
)

type fakeLLM struct {
	calls  int32
	reply  map[string]any
	err    error
	schema map[string]any
}

func (f *fakeLLM) GenerateJSON(ctx context.Context, system, user, name string, schema map[string]any) (map[string]any, error) {
	atomic.AddInt32(&f.calls, 1)
	f.schema = schema
	return f.reply, f.err
}

func (f *fakeLLM) Model() string { return "fake" }

func goodReply() map[string]any {
	return map[string]any{
		"relevance_score":  "High",
		"confidence":       85.0,
		"keywords":         []any{"Fiber", "MPLS", "fiber", "", "Firewall", "VPN", "LTE", "Tower"},
		"sectors":          []any{"Telecom infrastructure", "Astrology"},
		"recommended_team": TeamGovernment,
		"reasoning":        " fiber backbone for a ministry ",
	}
}

const notice = "وزارة المواصلات\nتوريد وتركيب شبكة ألياف ضوئية fiber مع خدمات mpls"

func TestAnalyzeDecodesAndClamps(t *testing.T) {
	llm := &fakeLLM{reply: goodReply()}
	a, err := New(logger.Nop(), llm, nil)
	require.NoError(t, err)

	out, err := a.Analyze(context.Background(), notice)
	require.NoError(t, err)
	require.Equal(t, RelevanceHigh, out.RelevanceScore)
	require.InDelta(t, 0.85, out.Confidence, 1e-9)
	require.Equal(t, []string{"Fiber", "MPLS", "Firewall", "VPN", "LTE"}, out.Keywords)
	require.Equal(t, []string{"Telecom infrastructure"}, out.Sectors)
	require.Equal(t, TeamGovernment, out.RecommendedTeam)
	require.Equal(t, "fiber backbone for a ministry", out.Reasoning)
	require.Equal(t, false, llm.schema["additionalProperties"])
}

func TestAnalyzeErrors(t *testing.T) {
	a, _ := New(logger.Nop(), &fakeLLM{reply: map[string]any{"relevance_score": "extreme"}}, nil)
	_, err := a.Analyze(context.Background(), notice)
	require.Error(t, err)
	require.True(t, retry.IsPermanent(err))

	_, err = a.Analyze(context.Background(), "   ")
	require.True(t, retry.IsPermanent(err))

	upstream := errors.New("connection reset")
	a, _ = New(logger.Nop(), &fakeLLM{err: upstream}, nil)
	_, err = a.Analyze(context.Background(), notice)
	require.ErrorIs(t, err, upstream)
	require.False(t, retry.IsPermanent(err))
}

func TestCacheServesRepeatedText(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := redis.Open(context.Background(), redis.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()

	llm := &fakeLLM{reply: goodReply()}
	inner, _ := New(logger.Nop(), llm, nil)
	a := WithCache(logger.Nop(), inner, redis.NewCache(rdb, "analysis"), time.Hour, nil)

	first, err := a.Analyze(context.Background(), notice)
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), "  "+notice+"\n")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, atomic.LoadInt32(&llm.calls))

	mr.FastForward(2 * time.Hour)
	_, err = a.Analyze(context.Background(), notice)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&llm.calls))
}

func TestCacheFailuresAreNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, _ := redis.Open(context.Background(), redis.Config{Addr: mr.Addr()})
	defer rdb.Close()

	llm := &fakeLLM{err: errors.New("503")}
	inner, _ := New(logger.Nop(), llm, nil)
	a := WithCache(logger.Nop(), inner, redis.NewCache(rdb, "analysis"), time.Hour, nil)
	_, err := a.Analyze(context.Background(), notice)
	require.Error(t, err)
	require.Empty(t, mr.Keys())

	require.Equal(t, inner, WithCache(logger.Nop(), inner, nil, 0, nil))
}

func TestKeywordScore(t *testing.T) {
	out := KeywordScore("Supply of fiber optical cable and firewall appliances", "وزارة الداخلية")
	require.Equal(t, RelevanceVeryHigh, out.RelevanceScore)
	require.Equal(t, TeamGovernment, out.RecommendedTeam)
	require.Equal(t, []string{"Telecom infrastructure", "Networking & security"}, out.Sectors)

	low := KeywordScore("توريد أثاث مكتبي", "شركة خاصة")
	require.Equal(t, RelevanceLow, low.RelevanceScore)
	require.Equal(t, TeamCorporate, low.RecommendedTeam)
	require.Empty(t, low.Keywords)
}
