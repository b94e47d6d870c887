package dates

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/yungbote/gazette-ingest/internal/normalization"
	"github.com/yungbote/gazette-ingest/internal/observability"
)

var (
	gregDMYRe  = regexp.MustCompile(`(\d{1,2})\s*[/\-.]\s*(\d{1,2})\s*[/\-.]\s*(\d{4})`)
	gregYMDRe  = regexp.MustCompile(`(\d{4})\s*[/\-.]\s*(\d{1,2})\s*[/\-.]\s*(\d{1,2})`)
	gregNameRe = regexp.MustCompile(`(\d{1,2})\s+([^\d\s,]+(?:\s[^\d\s,]+)?)\s*,?\s+(\d{4})`)
)

var gregorianMonthAliases = map[time.Month][]string{
	time.January:   {"يناير", "كانون الثاني", "january", "jan"},
	time.February:  {"فبراير", "شباط", "february", "feb"},
	time.March:     {"مارس", "آذار", "march", "mar"},
	time.April:     {"أبريل", "ابريل", "نيسان", "april", "apr"},
	time.May:       {"مايو", "أيار", "may"},
	time.June:      {"يونيو", "يونيه", "حزيران", "june", "jun"},
	time.July:      {"يوليو", "يوليه", "تموز", "july", "jul"},
	time.August:    {"أغسطس", "اغسطس", "آب", "august", "aug"},
	time.September: {"سبتمبر", "أيلول", "september", "sep", "sept"},
	time.October:   {"أكتوبر", "اكتوبر", "تشرين الأول", "october", "oct"},
	time.November:  {"نوفمبر", "تشرين الثاني", "november", "nov"},
	time.December:  {"ديسمبر", "كانون الأول", "december", "dec"},
}

var gregorianMonthByName = func() map[string]time.Month {
	out := map[string]time.Month{}
	for month, names := range gregorianMonthAliases {
		for _, name := range names {
			out[normalization.Arabic(name)] = month
		}
	}
	return out
}()

// ParseDeadline extracts the first Gregorian date in free deadline text,
// in Arabic or ASCII digits, as Kuwait midnight. Nil when nothing parses.
func ParseDeadline(text string) *time.Time {
	s := normalization.Arabic(text)
	if s == "" {
		return nil
	}
	if m := gregYMDRe.FindStringSubmatch(s); m != nil {
		if t, ok := civil(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			return &t
		}
	}
	if m := gregDMYRe.FindStringSubmatch(s); m != nil {
		if t, ok := civil(atoi(m[3]), atoi(m[2]), atoi(m[1])); ok {
			return &t
		}
	}
	for _, m := range gregNameRe.FindAllStringSubmatch(s, -1) {
		month, ok := lookupGregorianMonth(m[2])
		if !ok {
			continue
		}
		if t, ok := civil(atoi(m[3]), int(month), atoi(m[1])); ok {
			return &t
		}
	}
	return nil
}

// FindDates returns every Gregorian date written in text, in order of the
// pattern that found it. Used to verify extracted dates against the page.
func FindDates(text string) []time.Time {
	s := normalization.Arabic(text)
	if s == "" {
		return nil
	}
	var out []time.Time
	for _, m := range gregYMDRe.FindAllStringSubmatch(s, -1) {
		if t, ok := civil(atoi(m[1]), atoi(m[2]), atoi(m[3])); ok {
			out = append(out, t)
		}
	}
	for _, m := range gregDMYRe.FindAllStringSubmatch(s, -1) {
		if t, ok := civil(atoi(m[3]), atoi(m[2]), atoi(m[1])); ok {
			out = append(out, t)
		}
	}
	for _, m := range gregNameRe.FindAllStringSubmatch(s, -1) {
		month, ok := lookupGregorianMonth(m[2])
		if !ok {
			continue
		}
		if t, ok := civil(atoi(m[3]), int(month), atoi(m[1])); ok {
			out = append(out, t)
		}
	}
	return out
}

func lookupGregorianMonth(phrase string) (time.Month, bool) {
	phrase = strings.TrimSpace(phrase)
	if m, ok := gregorianMonthByName[phrase]; ok {
		return m, true
	}
	// "٢٠ ديسمبر سنة ٢٠٢٤" style phrases carry a trailing word.
	if first, _, ok := strings.Cut(phrase, " "); ok {
		if m, ok := gregorianMonthByName[first]; ok {
			return m, true
		}
	}
	return 0, false
}

// civil rejects Hijri-looking years so a Hijri date is never read as
// Gregorian.
func civil(year, month, day int) (time.Time, bool) {
	if year < 1900 || year > 2200 || !validCivil(year, time.Month(month), day) {
		return time.Time{}, false
	}
	return Midnight(year, time.Month(month), day), true
}

const (
	IssueBeforePublication = "deadline_before_publication"
	IssueTooFarFuture      = "deadline_too_far_future"
	IssueUrgent            = "urgent_deadline"

	SuggestYearOCR        = "year_ocr_error"
	SuggestDigitConfusion = "digit_confusion"
	SuggestExpired        = "expired_tender"

	maxFutureDays     = 730
	yearFixMaxGap     = 12
	yearFixWindowDays = 90
	expiredAfterDays  = 30
	urgentWithinDays  = 3
)

// Suggestion is a candidate correction for a suspicious deadline.
type Suggestion struct {
	Type       string     `json:"type"`
	Suggested  *time.Time `json:"suggested,omitempty"`
	Reason     string     `json:"reason"`
	Confidence float64    `json:"confidence"`
}

// DeadlineCheck is the sanity verdict of a deadline against its
// publication date. Valid is nil when either date is missing.
type DeadlineCheck struct {
	Valid       *bool        `json:"valid,omitempty"`
	Issue       string       `json:"issue,omitempty"`
	DaysDiff    int          `json:"days_diff"`
	Message     string       `json:"message,omitempty"`
	Confidence  float64      `json:"confidence"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// NeedsReview reports whether the record should go to the review queue.
func (c DeadlineCheck) NeedsReview() bool {
	return c.Valid != nil && !*c.Valid
}

// CheckDeadline flags deadlines before publication (with year-OCR and
// 6/16/26 digit-confusion suggestions) and deadlines over two years out.
func CheckDeadline(deadline, published *time.Time) DeadlineCheck {
	if deadline == nil || published == nil {
		return DeadlineCheck{Confidence: 1}
	}
	diff := DaysBetween(*published, *deadline)
	valid := true
	out := DeadlineCheck{DaysDiff: diff, Valid: &valid, Confidence: 1}

	switch {
	case diff < 0:
		valid = false
		out.Issue = IssueBeforePublication
		out.Confidence = 0.3
		out.Message = fmt.Sprintf("deadline %s is %d days before publication %s", DayKey(*deadline), -diff, DayKey(*published))
		out.Suggestions = suggestFixes(*deadline, *published, -diff)
	case diff > maxFutureDays:
		valid = false
		out.Issue = IssueTooFarFuture
		out.Confidence = 0.2
		out.Message = fmt.Sprintf("deadline is %d days (%d years) after publication", diff, diff/365)
	case diff > 0 && diff < urgentWithinDays:
		out.Issue = IssueUrgent
		out.Confidence = 0.9
		out.Message = fmt.Sprintf("deadline is only %d days away", diff)
	}
	if out.Issue != "" && out.Issue != IssueUrgent {
		observability.Current().IncDeadlineFlag(out.Issue)
	}
	return out
}

func suggestFixes(deadline, published time.Time, daysBefore int) []Suggestion {
	var out []Suggestion
	dl := deadline.In(Location())
	pub := published.In(Location())

	yearFix := false
	if gap := pub.Year() - dl.Year(); gap > 0 && gap <= yearFixMaxGap {
		if validCivil(pub.Year(), dl.Month(), dl.Day()) {
			fixed := Midnight(pub.Year(), dl.Month(), dl.Day())
			if d := DaysBetween(pub, fixed); d >= 0 && d <= yearFixWindowDays {
				conf := 0.85
				if gap >= 2 {
					conf = 0.95
				}
				yearFix = true
				out = append(out, Suggestion{
					Type:       SuggestYearOCR,
					Suggested:  &fixed,
					Reason:     fmt.Sprintf("year read as %d instead of %d", dl.Year(), pub.Year()),
					Confidence: conf,
				})
			}
		}
	}

	if dl.Year() == pub.Year() && (daysBefore == 10 || daysBefore == 20) {
		fixed := Midnight(dl.Year(), dl.Month(), dl.Day()+daysBefore)
		conf := 0.8
		reason := "possible OCR confusion of 6 and 16"
		if daysBefore == 20 {
			conf = 0.7
			reason = "possible OCR confusion of 6 and 26"
		}
		out = append(out, Suggestion{Type: SuggestDigitConfusion, Suggested: &fixed, Reason: reason, Confidence: conf})
	}

	if daysBefore > expiredAfterDays && !yearFix {
		out = append(out, Suggestion{
			Type:       SuggestExpired,
			Reason:     fmt.Sprintf("deadline is %d days before publication, likely a reposted notice", daysBefore),
			Confidence: 0.9,
		})
	}
	return out
}
