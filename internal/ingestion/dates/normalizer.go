package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/gazette-ingest/internal/normalization"
	"github.com/yungbote/gazette-ingest/internal/observability"
	"github.com/yungbote/gazette-ingest/internal/platform/logger"
)

const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
	SourceNone      = "none"
)

// Normalized is a resolved publication date. Time is nil when neither input
// could be parsed; it is never defaulted to the current time.
type Normalized struct {
	Time   *time.Time
	Source string
}

type Normalizer struct {
	log      *logger.Logger
	calendar *Calendar
}

func NewNormalizer(log *logger.Logger, cal *Calendar) *Normalizer {
	if log == nil {
		log = logger.Nop()
	}
	if cal == nil {
		cal = DefaultCalendar()
	}
	return &Normalizer{log: log.With("component", "DateNormalizer"), calendar: cal}
}

func (n *Normalizer) Calendar() *Calendar { return n.calendar }

// Normalize resolves the primary (Gregorian) field first and the secondary
// (Hijri) field second.
func (n *Normalizer) Normalize(primary, secondary string) Normalized {
	if t, ok := ParsePrimary(primary); ok {
		observability.Current().IncDateSource(SourcePrimary)
		n.log.Debug("date resolved", "source", SourcePrimary, "raw", primary)
		return Normalized{Time: &t, Source: SourcePrimary}
	}
	if h, ok := ParseHijri(secondary); ok {
		if t, err := n.calendar.ToGregorian(h); err == nil {
			observability.Current().IncDateSource(SourceSecondary)
			n.log.Info("date resolved from hijri", "source", SourceSecondary, "primary_raw", primary, "hijri", h.String(), "gregorian", DayKey(t))
			return Normalized{Time: &t, Source: SourceSecondary}
		}
	}
	observability.Current().IncDateSource(SourceNone)
	n.log.Warn("date unresolved", "source", SourceNone, "primary_raw", primary, "secondary_raw", secondary)
	return Normalized{Source: SourceNone}
}

var (
	netDateRe = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)
	isoDayRe  = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
)

// ParsePrimary accepts /Date(ms)/, RFC3339 and YYYY-MM-DD. Bare days are
// read as Kuwait midnight.
func ParsePrimary(raw string) (time.Time, bool) {
	s := strings.TrimSpace(normalization.FoldDigits(raw))
	if s == "" {
		return time.Time{}, false
	}
	if m := netDateRe.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).In(Location()), true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(Location()), true
	}
	if m := isoDayRe.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		if validCivil(y, time.Month(mo), d) {
			return Midnight(y, time.Month(mo), d), true
		}
	}
	return time.Time{}, false
}

var (
	hijriDMYRe  = regexp.MustCompile(`(\d{1,2})\s*[/\-.]\s*(\d{1,2})\s*[/\-.]\s*(\d{4})`)
	hijriYMDRe  = regexp.MustCompile(`(\d{4})\s*[/\-.]\s*(\d{1,2})\s*[/\-.]\s*(\d{1,2})`)
	hijriNameRe = regexp.MustCompile(`(\d{1,2})\s+([^\d]+?)\s+(\d{4})`)
)

// hijriMonthAliases lists spellings seen in gazette headers. Keys are
// compared after Arabic normalization.
var hijriMonthAliases = map[int][]string{
	1:  {"محرم", "المحرم"},
	2:  {"صفر"},
	3:  {"ربيع الأول", "ربيع أول", "ربيع الاول"},
	4:  {"ربيع الثاني", "ربيع الآخر", "ربيع ثاني", "ربيع آخر"},
	5:  {"جمادى الأولى", "جمادى الأول", "جمادى أول", "جمادى الاولى"},
	6:  {"جمادى الآخرة", "جمادى الثانية", "جمادى الآخر", "جمادى الثاني", "جمادى ثاني"},
	7:  {"رجب"},
	8:  {"شعبان"},
	9:  {"رمضان"},
	10: {"شوال"},
	11: {"ذو القعدة", "ذي القعدة", "ذو القعده"},
	12: {"ذو الحجة", "ذي الحجة"},
}

var hijriMonthByName = func() map[string]int {
	out := map[string]int{}
	for month, names := range hijriMonthAliases {
		for _, name := range names {
			out[normalization.Arabic(name)] = month
		}
	}
	return out
}()

// ParseHijri reads D/M/YYYY, YYYY/M/D, D-M-YYYY and "25 جمادى الأولى 1447"
// (an optional هـ suffix is ignored). Eastern-Arabic digits are accepted.
func ParseHijri(raw string) (HijriDate, bool) {
	s := normalization.Arabic(raw)
	if s == "" {
		return HijriDate{}, false
	}
	if m := hijriYMDRe.FindStringSubmatch(s); m != nil {
		h := HijriDate{Year: atoi(m[1]), Month: atoi(m[2]), Day: atoi(m[3])}
		if h.valid() && plausibleHijriYear(h.Year) {
			return h, true
		}
	}
	if m := hijriDMYRe.FindStringSubmatch(s); m != nil {
		h := HijriDate{Day: atoi(m[1]), Month: atoi(m[2]), Year: atoi(m[3])}
		if h.valid() && plausibleHijriYear(h.Year) {
			return h, true
		}
	}
	if m := hijriNameRe.FindStringSubmatch(s); m != nil {
		month, ok := hijriMonthByName[strings.TrimSpace(m[2])]
		if !ok {
			return HijriDate{}, false
		}
		h := HijriDate{Day: atoi(m[1]), Month: month, Year: atoi(m[3])}
		if h.valid() && plausibleHijriYear(h.Year) {
			return h, true
		}
	}
	return HijriDate{}, false
}

// plausibleHijriYear keeps Gregorian years out of the Hijri branch.
func plausibleHijriYear(y int) bool {
	return y >= 1300 && y <= 1600
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
