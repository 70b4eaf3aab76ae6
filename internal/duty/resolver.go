package duty

import (
	"context"
	"time"

	"dutybot/internal/rotation"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
)

// Source tags where a duty decision came from so callers can branch on
// provenance without re-deriving it.
type Source int

const (
	SourceAutomatic Source = iota
	SourceOverride
	SourceSubstituted
)

func (s Source) String() string {
	switch s {
	case SourceOverride:
		return "override"
	case SourceSubstituted:
		return "substitution"
	default:
		return "rotation"
	}
}

// Decision is one canonical answer to "who is on duty at this instant".
type Decision struct {
	Guard  storage.Guard
	Source Source

	// RotationGuard is what the automatic rotation alone would pick.
	RotationGuard storage.Guard
	Year, Week    int

	// ClearOverride is set when the week's override targets a guard on
	// leave; the Manager clears that override as a side effect.
	ClearOverride bool
}

// Resolver merges rotation, weekly override and leave substitution into a
// Decision. It never mutates state; side effects carried in the Decision
// are applied by the Manager.
type Resolver struct {
	store storage.Store
	rot   *rotation.Calculator
	cal   *shift.Calendar
}

func NewResolver(store storage.Store, rot *rotation.Calculator, cal *shift.Calendar) *Resolver {
	return &Resolver{store: store, rot: rot, cal: cal}
}

// Resolve computes the duty decision for the given instant.
//
// Precedence, in order: weekly override beats rotation; an active leave on
// the chosen candidate swaps in the shift-appropriate backup. An override
// whose target is on leave is flagged for clearing so it cannot silently
// win again once the leave ends.
func (r *Resolver) Resolve(ctx context.Context, at time.Time) (Decision, error) {
	roster, err := r.store.Roster(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(roster) == 0 {
		return Decision{}, ErrNoGuards
	}
	byID := make(map[int64]storage.Guard, len(roster))
	for _, g := range roster {
		byID[g.ID] = g
	}

	year, week := r.cal.ISOWeek(at)

	rotationGuard, err := r.rot.Assigned(at, roster)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Guard:         rotationGuard,
		Source:        SourceAutomatic,
		RotationGuard: rotationGuard,
		Year:          year,
		Week:          week,
	}

	if o, ok, err := r.store.Override(ctx, year, week); err != nil {
		return Decision{}, err
	} else if ok && o.GuardID != nil {
		if g, found := byID[*o.GuardID]; found {
			d.Guard = g
			d.Source = SourceOverride
		}
	}

	leaves, err := r.store.LeavesCovering(ctx, at)
	if err != nil {
		return Decision{}, err
	}
	var ranges []storage.ShiftRange
	if len(leaves) > 0 {
		ranges, err = r.store.ShiftRanges(ctx)
		if err != nil {
			return Decision{}, err
		}
	}
	for _, l := range leaves {
		if l.GuardID != d.Guard.ID {
			continue
		}
		// No matching shift ⇒ day backup.
		primary, secondary := l.DayBackupID, l.NightBackupID
		if cur, ok := r.cal.For(at, ranges); ok && shift.Classify(cur) == shift.KindNight {
			primary, secondary = l.NightBackupID, l.DayBackupID
		}
		backup, found := byID[primary]
		if !found {
			// The shift-appropriate backup left the roster; any standing is
			// better than handing the duty to a guard on leave.
			backup, found = byID[secondary]
		}
		if !found {
			// Both backups gone; the leave record is fully stale. Keep the
			// candidate rather than resolve to a non-member.
			break
		}
		if d.Source == SourceOverride {
			d.ClearOverride = true
		}
		d.Guard = backup
		d.Source = SourceSubstituted
		break
	}

	return d, nil
}
