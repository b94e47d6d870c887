package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/gazette-ingest/internal/ingestion/extractor"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const page = "وزارة الأشغال العامة\n" +
	"تعلن وزارة الأشغال العامة عن طرح المناقصة رقم هـ ع/2024/15 الخاصة بأعمال صيانة الطرق في محافظة الأحمدي. " +
	"آخر موعد لتقديم العطاءات ٢٠٢٥/١/١٥ ويعقد اجتماع تمهيدي يوم ٥ يناير ٢٠٢٥ في مبنى الوزارة."

func result(text string, f extractor.Fields) *extractor.Result {
	return &extractor.Result{Text: &text, Fields: f, Tier: "claude"}
}

func TestVerifiedFieldsSurvive(t *testing.T) {
	v := New(logger.Nop(), DefaultConfig(), nil)
	res := result(page, extractor.Fields{
		BusinessKey:     "هـ ع/2024/15",
		Entity:          "وزارة الاشغال العامة",
		DeadlineText:    "2025-01-15",
		MeetingDateText: "5 يناير 2025",
	})

	rep := v.Validate(res, page)
	require.True(t, rep.Acceptable, "report: %+v", rep)
	require.Empty(t, rep.Hallucinations)
	require.Empty(t, rep.Issues)
	require.Equal(t, "2025-01-15", res.Fields.DeadlineText)
	require.Equal(t, "هـ ع/2024/15", res.Fields.BusinessKey)
	require.InDelta(t, 1.0, rep.Score, 0.001)
}

func TestHallucinatedDeadlineIsDropped(t *testing.T) {
	v := New(logger.Nop(), DefaultConfig(), nil)
	res := result(page, extractor.Fields{
		Entity:       "وزارة الأشغال العامة",
		DeadlineText: "2024-12-20",
	})

	rep := v.Validate(res, page)
	require.Equal(t, []string{FieldDeadlineText}, rep.Hallucinations)
	require.Contains(t, rep.Issues, IssueUnverifiable)
	require.Empty(t, res.Fields.DeadlineText)
	require.Equal(t, "وزارة الأشغال العامة", res.Fields.Entity)
	// One flag stays below the default ceiling of two.
	require.True(t, rep.Acceptable)
	require.Less(t, rep.Score, 1.0)
}

func TestTwoHallucinationsReject(t *testing.T) {
	v := New(logger.Nop(), DefaultConfig(), nil)
	res := result(page, extractor.Fields{
		BusinessKey:  "RFP-9981",
		Entity:       "وزارة الصحة",
		DeadlineText: "2025-01-15",
	})

	rep := v.Validate(res, page)
	require.ElementsMatch(t, []string{FieldBusinessKey, FieldEntity}, rep.Hallucinations)
	require.False(t, rep.Acceptable)
	require.Equal(t, "2025-01-15", res.Fields.DeadlineText)
}

func TestLegibilityChecks(t *testing.T) {
	v := New(logger.Nop(), DefaultConfig(), nil)

	cases := []struct {
		name       string
		text       string
		issue      string
		acceptable bool
	}{
		{"too short", "وزارة المالية تعلن", IssueTooShort, false},
		{"latin page", strings.Repeat("The ministry announces a public tender. ", 4), IssueLowScriptRatio, false},
		{"repeated unit", strings.Repeat("اب", 60), IssueRepetition, true},
		{"long run", page + " " + strings.Repeat("ر", 13), IssueRepetition, true},
		{"symbols", strings.Repeat("ورق ##%% ", 15), IssueSymbolNoise, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := v.Validate(result(tc.text, extractor.Fields{}), tc.text)
			require.Contains(t, rep.Issues, tc.issue)
			require.Equal(t, tc.acceptable, rep.Acceptable)
			require.Less(t, rep.Score, 1.0)
		})
	}

	clean := v.Validate(result(page, extractor.Fields{}), page)
	require.Empty(t, clean.Issues)
}

func TestCheckAdaptsToEngineVerdict(t *testing.T) {
	v := New(logger.Nop(), Config{MaxHallucinations: 1}, nil)
	res := result(page, extractor.Fields{MeetingDateText: "12 مارس 2025"})

	verdict := v.Check(context.Background(), res)
	require.False(t, verdict.Accepted)
	require.Equal(t, []string{FieldMeetingDateText}, verdict.Hallucinations)
	require.Empty(t, res.Fields.MeetingDateText)

	var nilText extractor.Result
	verdict = v.Check(context.Background(), &nilText)
	require.False(t, verdict.Accepted)
	require.Contains(t, verdict.Issues, IssueTooShort)
}

func TestZeroHallucinationCeilingIsHonored(t *testing.T) {
	require.Equal(t, 2, Config{MaxHallucinations: -1}.withDefaults().MaxHallucinations)
	require.Equal(t, 0, Config{}.withDefaults().MaxHallucinations)

	strict := New(logger.Nop(), Config{MaxHallucinations: 0}, nil)
	rep := strict.Validate(result(page, extractor.Fields{DeadlineText: "2026-09-30"}), page)
	require.False(t, rep.Acceptable)
	require.Equal(t, []string{FieldDeadlineText}, rep.Hallucinations)

	rep = strict.Validate(result(page, extractor.Fields{DeadlineText: "2025-01-15"}), page)
	require.True(t, rep.Acceptable, "report: %+v", rep)
}
