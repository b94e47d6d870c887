package dates

import (
	"sync"
	"time"
	_ "time/tzdata"
)

const DayLayout = "2006-01-02"

var (
	locOnce sync.Once
	kuwait  *time.Location
)

// Location is Asia/Kuwait, or a fixed UTC+3 zone if the tz database is
// unusable. Kuwait has not observed DST since 2007.
func Location() *time.Location {
	locOnce.Do(func() {
		loc, err := time.LoadLocation("Asia/Kuwait")
		if err != nil {
			loc = time.FixedZone("AST", 3*60*60)
		}
		kuwait = loc
	})
	return kuwait
}

// Midnight is 00:00 Kuwait time on the given civil date.
func Midnight(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, Location())
}

// DayKey renders t as YYYY-MM-DD in Kuwait time.
func DayKey(t time.Time) string {
	return t.In(Location()).Format(DayLayout)
}

// DaysBetween counts civil days from a to b in Kuwait time.
func DaysBetween(a, b time.Time) int {
	ay, am, ad := a.In(Location()).Date()
	by, bm, bd := b.In(Location()).Date()
	da := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func validCivil(year int, month time.Month, day int) bool {
	if month < 1 || month > 12 || day < 1 || day > 31 || year < 1 {
		return false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return t.Year() == year && t.Month() == month && t.Day() == day
}
