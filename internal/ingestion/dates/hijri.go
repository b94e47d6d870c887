package dates

import (
	"fmt"
	"sort"
	"time"
)

// HijriDate is a civil date in the Islamic calendar.
type HijriDate struct {
	Year  int
	Month int
	Day   int
}

func (h HijriDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d AH", h.Year, h.Month, h.Day)
}

func (h HijriDate) valid() bool {
	return h.Year >= 1 && h.Year <= 9999 && h.Month >= 1 && h.Month <= 12 && h.Day >= 1 && h.Day <= 30
}

// MonthStart pins the Gregorian date of the first day of a Hijri month,
// as published in the Umm al-Qura calendar.
type MonthStart struct {
	Year  int    `yaml:"year" json:"year"`
	Month int    `yaml:"month" json:"month"`
	Date  string `yaml:"date" json:"date"`
}

// DefaultMonthStarts are Umm al-Qura months where the announced start
// differs from, or confirms, the tabular calendar.
var DefaultMonthStarts = []MonthStart{
	{Year: 1445, Month: 9, Date: "2024-03-11"},
	{Year: 1445, Month: 10, Date: "2024-04-10"},
	{Year: 1445, Month: 12, Date: "2024-06-07"},
	{Year: 1446, Month: 1, Date: "2024-07-07"},
	{Year: 1446, Month: 9, Date: "2025-03-01"},
	{Year: 1446, Month: 10, Date: "2025-03-30"},
	{Year: 1446, Month: 12, Date: "2025-05-28"},
	{Year: 1447, Month: 1, Date: "2025-06-26"},
}

type monthKey struct{ year, month int }

type monthSpan struct {
	key   monthKey
	start int // julian day number
}

// Calendar converts Hijri dates using the Umm al-Qura month-start table
// and falls back to the tabular (Kuwaiti) arithmetic calendar for months
// the table does not cover.
type Calendar struct {
	starts map[monthKey]int
	spans  []monthSpan
}

func NewCalendar(overrides []MonthStart) (*Calendar, error) {
	c := &Calendar{starts: map[monthKey]int{}}
	for _, ms := range overrides {
		if ms.Month < 1 || ms.Month > 12 || ms.Year < 1 {
			return nil, fmt.Errorf("hijri month start %d/%d out of range", ms.Year, ms.Month)
		}
		t, err := time.Parse(DayLayout, ms.Date)
		if err != nil {
			return nil, fmt.Errorf("hijri month start %d/%d: %w", ms.Year, ms.Month, err)
		}
		k := monthKey{ms.Year, ms.Month}
		c.starts[k] = civilToJDN(t.Year(), t.Month(), t.Day())
	}
	for k, jdn := range c.starts {
		c.spans = append(c.spans, monthSpan{key: k, start: jdn})
	}
	sort.Slice(c.spans, func(i, j int) bool { return c.spans[i].start < c.spans[j].start })
	return c, nil
}

var defaultCalendar = mustCalendar(DefaultMonthStarts)

func mustCalendar(ms []MonthStart) *Calendar {
	c, err := NewCalendar(ms)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCalendar carries DefaultMonthStarts.
func DefaultCalendar() *Calendar { return defaultCalendar }

// ToGregorian returns Kuwait midnight of the Gregorian day matching h.
func (c *Calendar) ToGregorian(h HijriDate) (time.Time, error) {
	if !h.valid() {
		return time.Time{}, fmt.Errorf("invalid hijri date %s", h)
	}
	jdn := c.monthStart(h.Year, h.Month) + h.Day - 1
	y, m, d := jdnToCivil(jdn)
	return Midnight(y, m, d), nil
}

// FromGregorian returns the Hijri date of t's civil day in Kuwait.
func (c *Calendar) FromGregorian(t time.Time) HijriDate {
	y, m, d := t.In(Location()).Date()
	jdn := civilToJDN(y, m, d)
	for i := len(c.spans) - 1; i >= 0; i-- {
		sp := c.spans[i]
		if jdn < sp.start {
			continue
		}
		if jdn-sp.start < c.monthLength(sp.key) {
			return HijriDate{Year: sp.key.year, Month: sp.key.month, Day: jdn - sp.start + 1}
		}
		break
	}
	return tabularFromJDN(jdn)
}

func (c *Calendar) monthStart(year, month int) int {
	if jdn, ok := c.starts[monthKey{year, month}]; ok {
		return jdn
	}
	return tabularToJDN(year, month, 1)
}

func (c *Calendar) monthLength(k monthKey) int {
	next := monthKey{k.year, k.month + 1}
	if k.month == 12 {
		next = monthKey{k.year + 1, 1}
	}
	start := c.monthStart(k.year, k.month)
	if nextStart, ok := c.starts[next]; ok {
		return nextStart - start
	}
	return tabularToJDN(next.year, next.month, 1) - tabularToJDN(k.year, k.month, 1)
}

// Tabular Islamic calendar, civil epoch (1 Muharram 1 AH = JDN 1948440),
// with leap years 2, 5, 7, 10, 13, 16, 18, 21, 24, 26 and 29 of each
// 30-year cycle.
const islamicEpochJDN = 1948440

func tabularToJDN(year, month, day int) int {
	return day + (59*(month-1)+1)/2 + (year-1)*354 + floorDiv(3+11*year, 30) + islamicEpochJDN - 1
}

func tabularFromJDN(jdn int) HijriDate {
	year := floorDiv(30*(jdn-islamicEpochJDN)+10646, 10631)
	month := 1
	for month < 12 && jdn >= tabularToJDN(year, month+1, 1) {
		month++
	}
	day := jdn - tabularToJDN(year, month, 1) + 1
	return HijriDate{Year: year, Month: month, Day: day}
}

const unixEpochJDN = 2440588

func civilToJDN(year int, month time.Month, day int) int {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return floorDiv(int(t.Unix()), 86400) + unixEpochJDN
}

func jdnToCivil(jdn int) (int, time.Month, int) {
	t := time.Unix(int64(jdn-unixEpochJDN)*86400, 0).UTC()
	return t.Date()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
