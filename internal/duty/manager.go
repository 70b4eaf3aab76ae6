package duty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dutybot/internal/clock"
	"dutybot/internal/eventbus"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

// Notifier announces duty changes. Best-effort: failures are logged by the
// implementation, never propagated into the mutation path.
type Notifier interface {
	DutyChanged(ctx context.Context, guardName, reason string)
}

// OverrideClearedEvent is published on the bus when a week's override is
// dropped because its target went on leave.
type OverrideClearedEvent struct {
	Year, Week int
	GuardID    int64
	Remark     string
}

// ChangedEvent is published after the active duty-holder flips.
type ChangedEvent struct {
	Guard  storage.Guard
	Source Source
	Reason string
}

// Manager is the single mutation point for the active duty-holder. The
// scheduler's reconciliation and the transfer workflow both commit through
// it, so writers are serialized, never interleaved.
type Manager struct {
	mu sync.Mutex

	store    storage.Store
	resolver *Resolver
	bus      eventbus.Bus
	notifier Notifier
	clk      clock.Clock
	log      logx.Logger
}

func NewManager(store storage.Store, resolver *Resolver, bus eventbus.Bus, notifier Notifier, clk clock.Clock, log logx.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		store:    store,
		resolver: resolver,
		bus:      bus,
		notifier: notifier,
		clk:      clk,
		log:      log,
	}
}

// ResolveNow answers "who is on duty right now" without mutating anything.
func (m *Manager) ResolveNow(ctx context.Context) (Decision, error) {
	return m.resolver.Resolve(ctx, m.clk.Now())
}

// Resolver exposes the read-only resolver for callers that need decisions
// at arbitrary instants (projection, tests).
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Reconcile recomputes the canonical duty-holder at the given instant and
// commits it if it changed. Returns the decision and whether a change was
// committed.
func (m *Manager) Reconcile(ctx context.Context, at time.Time) (Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.resolver.Resolve(ctx, at)
	if err != nil {
		return Decision{}, false, err
	}

	if d.ClearOverride {
		if err := m.clearConflictingOverrideLocked(ctx, d); err != nil {
			// The substitution decision stands; retry clearing next tick.
			m.log.Warn("failed clearing conflicting override", logx.Err(err),
				logx.Int("year", d.Year), logx.Int("week", d.Week))
		}
	}

	cur, ok, err := m.store.ActiveGuard(ctx)
	if err != nil {
		return Decision{}, false, err
	}
	if ok && cur.ID == d.Guard.ID {
		return d, false, nil
	}

	reason := d.Source.String()
	if err := m.commitLocked(ctx, d.Guard, d.Source, reason); err != nil {
		return Decision{}, false, err
	}
	return d, true, nil
}

// SetActive is the shared "set duty-holder" primitive. It is used by the
// transfer workflow (approved handoffs) and the weekly reset.
func (m *Manager) SetActive(ctx context.Context, guardID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.store.GuardByID(ctx, guardID)
	if err != nil {
		return err
	}
	if g.Active {
		return nil
	}
	return m.commitLocked(ctx, g, SourceOverride, reason)
}

func (m *Manager) commitLocked(ctx context.Context, g storage.Guard, src Source, reason string) error {
	if err := m.store.SetActiveGuard(ctx, g.ID); err != nil {
		return err
	}
	m.log.Info("duty-holder changed",
		logx.String("guard", g.Name), logx.Int64("guard_id", g.ID), logx.String("reason", reason))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeDutyChanged, Data: ChangedEvent{Guard: g, Source: src, Reason: reason}})
	}
	if m.notifier != nil {
		m.notifier.DutyChanged(ctx, g.Name, reason)
	}
	return nil
}

func (m *Manager) clearConflictingOverrideLocked(ctx context.Context, d Decision) error {
	o, ok, err := m.store.Override(ctx, d.Year, d.Week)
	if err != nil {
		return err
	}
	if !ok || o.GuardID == nil {
		return nil
	}
	if err := m.store.ClearOverride(ctx, d.Year, d.Week); err != nil {
		return err
	}
	m.log.Info("override cleared: target on leave",
		logx.Int("year", d.Year), logx.Int("week", d.Week), logx.Int64("guard_id", *o.GuardID))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeOverrideCleared, Data: OverrideClearedEvent{
			Year: d.Year, Week: d.Week, GuardID: *o.GuardID, Remark: o.Remark,
		}})
	}
	return nil
}

// Handoff commits an approved duty transfer: the guard becomes active AND
// the current week's override is pinned to them, so the per-minute
// reconciliation keeps the handoff until the weekly reset.
func (m *Manager) Handoff(ctx context.Context, guardID int64, remark string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.store.GuardByID(ctx, guardID)
	if err != nil {
		return fmt.Errorf("%w: unknown guard %d", ErrInvalidRequest, guardID)
	}
	year, week := m.resolver.cal.ISOWeek(m.clk.Now())
	gid := g.ID
	if err := m.store.SetOverride(ctx, storage.WeeklyOverride{Year: year, Week: week, GuardID: &gid, Remark: remark}); err != nil {
		return err
	}
	if g.Active {
		return nil
	}
	return m.commitLocked(ctx, g, SourceOverride, "handoff")
}

// SetWeeklyOverride pins (or clears, with guardID nil) the duty for a week.
func (m *Manager) SetWeeklyOverride(ctx context.Context, year, week int, guardID *int64, remark string) error {
	if week < 1 || week > 53 {
		return fmt.Errorf("%w: week %d out of range", ErrInvalidRequest, week)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if guardID != nil {
		if _, err := m.store.GuardByID(ctx, *guardID); err != nil {
			return fmt.Errorf("%w: unknown guard %d", ErrInvalidRequest, *guardID)
		}
	}
	return m.store.SetOverride(ctx, storage.WeeklyOverride{Year: year, Week: week, GuardID: guardID, Remark: remark})
}

// ClearWeekOverride drops the override for a week (weekly reset path).
func (m *Manager) ClearWeekOverride(ctx context.Context, year, week int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.ClearOverride(ctx, year, week)
}
