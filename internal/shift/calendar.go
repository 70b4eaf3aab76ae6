// Package shift maps instants to configured shift-of-day intervals.
package shift

import (
	"strings"
	"time"

	"dutybot/internal/storage"
)

// Kind classifies a shift for leave substitution (day vs night backup).
type Kind int

const (
	KindDay Kind = iota
	KindNight
)

func (k Kind) String() string {
	if k == KindNight {
		return "night"
	}
	return "day"
}

// Calendar resolves wall-clock instants against the configured shift
// ranges in one fixed location. All timezone-sensitive minute math for the
// engine happens here.
type Calendar struct {
	loc *time.Location
}

func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc}
}

func (c *Calendar) Location() *time.Location { return c.loc }

// MinuteOfDay converts at to minutes since local midnight.
func (c *Calendar) MinuteOfDay(at time.Time) int {
	t := at.In(c.loc)
	return t.Hour()*60 + t.Minute()
}

// For returns the shift range covering at, if any. A range with
// end < start wraps past midnight; start == end == 0 covers the whole day.
// Ranges are assumed non-overlapping; the first match in slice order wins.
func (c *Calendar) For(at time.Time, ranges []storage.ShiftRange) (storage.ShiftRange, bool) {
	minute := c.MinuteOfDay(at)
	for _, r := range ranges {
		if Contains(r, minute) {
			return r, true
		}
	}
	return storage.ShiftRange{}, false
}

// Contains reports whether the range covers the given minute-of-day.
func Contains(r storage.ShiftRange, minute int) bool {
	switch {
	case r.StartMinute == 0 && r.EndMinute == 0:
		// Degenerate full-day range.
		return true
	case r.Wraps():
		return minute >= r.StartMinute || minute < r.EndMinute
	default:
		return minute >= r.StartMinute && minute < r.EndMinute
	}
}

// Classify buckets a range as day or night, by label when it names one,
// otherwise by its start hour (06:00..17:59 starts count as day).
func Classify(r storage.ShiftRange) Kind {
	switch strings.ToLower(strings.TrimSpace(r.Label)) {
	case "day", "gunduz":
		return KindDay
	case "night", "gece":
		return KindNight
	}
	h := r.StartMinute / 60
	if h >= 6 && h < 18 {
		return KindDay
	}
	return KindNight
}

// IsWeekend reports whether at falls on Saturday or Sunday in the
// calendar's location.
func (c *Calendar) IsWeekend(at time.Time) bool {
	wd := at.In(c.loc).Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// SameDate reports whether a and b share a calendar date in the
// calendar's location.
func (c *Calendar) SameDate(a, b time.Time) bool {
	ay, am, ad := a.In(c.loc).Date()
	by, bm, bd := b.In(c.loc).Date()
	return ay == by && am == bm && ad == bd
}

// ISOWeek returns the ISO year and week of at in the calendar's location.
func (c *Calendar) ISOWeek(at time.Time) (year, week int) {
	return at.In(c.loc).ISOWeek()
}
