package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory": dependency-free in-memory backend (dev/test)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Guard is a participant in the duty rotation.
//
// Roster ordering is by ID (creation order); the rotation index is defined
// over that ordering and must stay stable across restarts.
type Guard struct {
	ID              int64
	Name            string
	ContactHandle   string // opaque messaging address; unique when set
	AccruedCredit   int64
	ProjectedCredit int64
	Active          bool
}

// CreditRule sets the per-tick credit amount for a calendar date, or, when
// EffectiveDate is zero, acts as the recurring weekend rule.
type CreditRule struct {
	ID            int64
	Name          string
	Amount        int64
	EffectiveDate time.Time // zero ⇒ recurring weekend rule
	Fixed         bool      // built-in weekend rule; cannot be deleted
}

// Recurring reports whether the rule has no effective date.
func (r CreditRule) Recurring() bool { return r.EffectiveDate.IsZero() }

// WeekendRuleName is the reserved name of the singular recurring rule.
const WeekendRuleName = "weekend"

// ShiftRange is a wall-clock interval with its own credit rate.
// EndMinute < StartMinute means the range wraps past midnight.
// Start == End == 0 is the degenerate full-day range.
type ShiftRange struct {
	ID            int64
	Label         string // e.g. "day", "night"; used for backup classification
	StartMinute   int    // minutes since midnight, 0..1439
	EndMinute     int    // minutes since midnight, 0..1439
	CreditPerTick int64
}

// Wraps reports whether the range spans midnight.
func (s ShiftRange) Wraps() bool { return s.EndMinute < s.StartMinute }

// Validate checks minute bounds and the credit rate.
func (s ShiftRange) Validate() error {
	if s.StartMinute < 0 || s.StartMinute > 1439 || s.EndMinute < 0 || s.EndMinute > 1439 {
		return fmt.Errorf("shift %q: minutes out of range", s.Label)
	}
	if s.CreditPerTick < 0 {
		return fmt.Errorf("shift %q: credit per tick must be >= 0", s.Label)
	}
	return nil
}

// WeeklyOverride pins a week's duty to a guard, superseding rotation.
// A cleared override keeps its row with GuardID nil.
type WeeklyOverride struct {
	Year    int
	Week    int // ISO week
	GuardID *int64
	Remark  string
}

// LeaveRecord is a time-bounded absence with mandatory day and night backups.
type LeaveRecord struct {
	ID            int64
	GuardID       int64
	Start         time.Time
	End           time.Time
	DayBackupID   int64
	NightBackupID int64
}

// Covers reports whether at falls inside [Start, End).
func (l LeaveRecord) Covers(at time.Time) bool {
	return !at.Before(l.Start) && at.Before(l.End)
}

// Validate enforces the backup invariants: both backups set, neither equal
// to the guard on leave.
func (l LeaveRecord) Validate() error {
	if l.DayBackupID == 0 || l.NightBackupID == 0 {
		return errors.New("leave record: both day and night backups are required")
	}
	if l.DayBackupID == l.GuardID || l.NightBackupID == l.GuardID {
		return errors.New("leave record: backup cannot be the guard on leave")
	}
	if !l.End.After(l.Start) {
		return errors.New("leave record: end must be after start")
	}
	return nil
}

// DateKey formats t as the canonical calendar-date key used for
// special-date rule matching.
func DateKey(t time.Time) string { return t.Format("2006-01-02") }

func normName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
