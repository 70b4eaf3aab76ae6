// Package credit accrues time-weighted duty credit and projects its
// year-end distribution.
package credit

import (
	"context"
	"time"

	"dutybot/internal/eventbus"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// defaultPerTick applies when no shift range matches the instant.
// Explicitly 1, never zero: duty time always counts.
const defaultPerTick = int64(1)

// TickEvent is published after credit is applied for a tick.
type TickEvent struct {
	GuardID int64
	Delta   int64
	At      time.Time
}

// Engine computes the per-tick credit amount and applies it to the
// current duty-holder.
type Engine struct {
	store storage.Store
	cal   *shift.Calendar
	bus   eventbus.Bus
	log   logx.Logger
}

func NewEngine(store storage.Store, cal *shift.Calendar, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: store, cal: cal, bus: bus, log: log}
}

// Delta returns the credit amount for one tick at the given instant.
//
// Precedence: special-date rule, then the weekend rule (its amount may be
// 0 and then 0 wins), then the matching shift's rate, then the default.
func (e *Engine) Delta(ctx context.Context, at time.Time) (int64, error) {
	rules, err := e.store.CreditRules(ctx)
	if err != nil {
		return 0, err
	}

	local := at.In(e.cal.Location())
	var weekend *storage.CreditRule
	for i := range rules {
		r := rules[i]
		if r.Recurring() {
			weekend = &rules[i]
			continue
		}
		if storage.DateKey(r.EffectiveDate) == storage.DateKey(local) {
			return r.Amount, nil
		}
	}

	if e.cal.IsWeekend(at) && weekend != nil {
		return weekend.Amount, nil
	}

	ranges, err := e.store.ShiftRanges(ctx)
	if err != nil {
		return 0, err
	}
	if r, ok := e.cal.For(at, ranges); ok {
		return r.CreditPerTick, nil
	}
	return defaultPerTick, nil
}

// Tick applies the instant's credit delta to the current duty-holder.
// Returns the delta applied (0 when there is no duty-holder yet).
//
// The store-side increment is a single atomic add, so overlapping tick
// invocations cannot double count.
func (e *Engine) Tick(ctx context.Context, at time.Time) (int64, error) {
	delta, err := e.Delta(ctx, at)
	if err != nil {
		return 0, err
	}

	holder, ok, err := e.store.ActiveGuard(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		e.log.Debug("credit tick skipped: no duty-holder", logx.Time("at", at))
		return 0, nil
	}

	if err := e.store.AddCredit(ctx, holder.ID, delta); err != nil {
		return 0, err
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeCreditTick, Data: TickEvent{GuardID: holder.ID, Delta: delta, At: at}})
	}
	return delta, nil
}
