package credit

import (
	"context"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/rotation"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

const minutesPerDay = 24 * 60

// RedistributedEvent is published after a projection run.
type RedistributedEvent struct {
	AsOf   time.Time
	Total  int64
	Shares map[int64]int64
}

// Distributor projects the credit accruable from an instant through
// year-end and divides it across the roster.
type Distributor struct {
	store storage.Store
	cal   *shift.Calendar
	bus   eventbus.Bus
	log   logx.Logger
}

func NewDistributor(store storage.Store, cal *shift.Calendar, bus eventbus.Bus, log logx.Logger) *Distributor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Distributor{store: store, cal: cal, bus: bus, log: log}
}

// Redistribute computes shares for the projected year-end total and
// persists each guard's projected credit. Shares use integer floor
// division; the remainder goes +1 to the LAST guards in roster order, so
// sum(shares) == total exactly.
func (d *Distributor) Redistribute(ctx context.Context, asOf time.Time) (map[int64]int64, error) {
	roster, err := d.store.Roster(ctx)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, rotation.ErrNoGuards
	}

	total, err := d.ProjectTotal(ctx, asOf)
	if err != nil {
		return nil, err
	}

	n := int64(len(roster))
	base := total / n
	rem := int(total % n)

	shares := make(map[int64]int64, len(roster))
	for i, g := range roster {
		share := base
		if i >= len(roster)-rem {
			share++
		}
		shares[g.ID] = share
		if err := d.store.SetProjectedCredit(ctx, g.ID, share); err != nil {
			return nil, err
		}
	}

	d.log.Info("credit redistributed",
		logx.Int64("total", total), logx.Int("guards", len(roster)), logx.Time("as_of", asOf))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeRedistributed, Data: RedistributedEvent{AsOf: asOf, Total: total, Shares: shares}})
	}
	return shares, nil
}

// ProjectTotal aggregates the credit every minute tick from asOf through
// December 31, 23:59 would accrue, without mutating state. The result
// equals a minute-by-minute simulation of Engine.Delta.
//
// Ticks are wall-clock minutes, so a day is worth next-midnight minus
// midnight in the configured location: a DST transition day has 1380 or
// 1500 ticks, not 1440. Flat-rated days (special or weekend) use that
// count closed-form; shift-rated days with an irregular length walk the
// actual instants so the minute-of-day lookup sees what the tick would.
func (d *Distributor) ProjectTotal(ctx context.Context, asOf time.Time) (int64, error) {
	rules, err := d.store.CreditRules(ctx)
	if err != nil {
		return 0, err
	}
	ranges, err := d.store.ShiftRanges(ctx)
	if err != nil {
		return 0, err
	}

	special := map[string]int64{}
	var weekendAmount int64
	var haveWeekend bool
	for _, r := range rules {
		if r.Recurring() {
			weekendAmount = r.Amount
			haveWeekend = true
			continue
		}
		if _, dup := special[storage.DateKey(r.EffectiveDate)]; !dup {
			special[storage.DateKey(r.EffectiveDate)] = r.Amount
		}
	}

	loc := d.cal.Location()
	start := asOf.In(loc)
	start = time.Date(start.Year(), start.Month(), start.Day(), start.Hour(), start.Minute(), 0, 0, loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	yearEnd := time.Date(start.Year()+1, 1, 1, 0, 0, 0, 0, loc)

	fullDayShift := shiftDayCredit(ranges)

	var total int64
	for day.Before(yearEnd) {
		next := day.AddDate(0, 0, 1)
		from := day
		if day.Before(start) {
			from = start
		}
		ticks := int64(next.Sub(from) / time.Minute)
		if ticks <= 0 {
			day = next
			continue
		}

		switch wd := day.Weekday(); {
		case hasKey(special, storage.DateKey(day)):
			total += special[storage.DateKey(day)] * ticks
		case (wd == time.Saturday || wd == time.Sunday) && haveWeekend:
			total += weekendAmount * ticks
		case from.Equal(day) && ticks == minutesPerDay:
			total += fullDayShift
		default:
			for t := from; t.Before(next); t = t.Add(time.Minute) {
				total += rateAt(ranges, minuteInDay(t))
			}
		}
		day = next
	}
	return total, nil
}

func hasKey(m map[string]int64, k string) bool { _, ok := m[k]; return ok }

func minuteInDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// rateAt is the per-minute shift rate for a minute-of-day, defaulting when
// no range covers it.
func rateAt(ranges []storage.ShiftRange, minute int) int64 {
	for _, r := range ranges {
		if shift.Contains(r, minute) {
			return r.CreditPerTick
		}
	}
	return defaultPerTick
}

// shiftDayCredit sums the per-minute shift rate over a regular 1440-minute
// day.
func shiftDayCredit(ranges []storage.ShiftRange) int64 {
	var total int64
	for m := 0; m < minutesPerDay; m++ {
		total += rateAt(ranges, m)
	}
	return total
}
