// Package rotation computes the automatic weekly duty assignment.
package rotation

import (
	"errors"
	"time"

	"dutybot/internal/storage"
)

// ErrNoGuards means the roster is empty; nothing can be resolved.
var ErrNoGuards = errors.New("no guards in roster")

// Config pins the rotation to a known (date, index) pair. The guard at
// ReferenceIndex in roster order is on duty during the week containing
// ReferenceDate; every 7 elapsed days advance the index by one.
type Config struct {
	ReferenceDate  time.Time
	ReferenceIndex int
	Location       *time.Location
}

// Calculator is a pure function of (instant, roster snapshot, reference
// constants). It has no side effects.
type Calculator struct {
	cfg Config
}

func New(cfg Config) *Calculator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Calculator{cfg: cfg}
}

// Index returns the roster index assigned at the given instant for a
// roster of size n.
func (c *Calculator) Index(at time.Time, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoGuards
	}
	weeks := weeksBetween(c.cfg.ReferenceDate, at, c.cfg.Location)
	idx := (c.cfg.ReferenceIndex + weeks) % n
	if idx < 0 {
		idx += n
	}
	return idx, nil
}

// Assigned returns the guard assigned by rotation at the given instant.
// The roster must be ordered by creation id.
func (c *Calculator) Assigned(at time.Time, roster []storage.Guard) (storage.Guard, error) {
	idx, err := c.Index(at, len(roster))
	if err != nil {
		return storage.Guard{}, err
	}
	return roster[idx], nil
}

// weeksBetween counts whole 7-day weeks elapsed from ref to at, using local
// midnights in loc. It is NOT calendar-week-number arithmetic: the week
// boundary is anchored at ref's midnight, and negative spans floor toward
// minus infinity.
func weeksBetween(ref, at time.Time, loc *time.Location) int {
	days := localDays(at, loc) - localDays(ref, loc)
	return floorDiv(days, 7)
}

// localDays counts calendar days since the Unix epoch for t's local date.
func localDays(t time.Time, loc *time.Location) int {
	t = t.In(loc)
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
	return floorDiv(int(midnight.Unix()), 86400)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
