package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore is the dependency-free backend. It enforces the same
// invariants the sqlite schema does so tests exercise identical behavior.
type memoryStore struct {
	mu sync.Mutex

	nextGuardID int64
	nextLeaveID int64
	nextRuleID  int64
	nextShiftID int64

	guards    map[int64]*Guard
	overrides map[[2]int]*WeeklyOverride
	leaves    map[int64]*LeaveRecord
	rules     map[string]*CreditRule // key: name|dateKey
	shifts    []ShiftRange
}

// NewMemory returns an empty in-memory store seeded with the fixed weekend
// rule (amount 0 until configured).
func NewMemory() Store {
	m := &memoryStore{
		guards:    map[int64]*Guard{},
		overrides: map[[2]int]*WeeklyOverride{},
		leaves:    map[int64]*LeaveRecord{},
		rules:     map[string]*CreditRule{},
	}
	m.nextRuleID++
	m.rules[ruleKey(WeekendRuleName, time.Time{})] = &CreditRule{
		ID: m.nextRuleID, Name: WeekendRuleName, Amount: 0, Fixed: true,
	}
	return m
}

func ruleKey(name string, date time.Time) string {
	if date.IsZero() {
		return normName(name) + "|"
	}
	return normName(name) + "|" + DateKey(date)
}

func (m *memoryStore) Roster(_ context.Context) ([]Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Guard, 0, len(m.guards))
	for _, g := range m.guards {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) GuardByID(_ context.Context, id int64) (Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[id]
	if !ok {
		return Guard{}, ErrNotFound
	}
	return *g, nil
}

func (m *memoryStore) GuardByHandle(_ context.Context, handle string) (Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guards {
		if g.ContactHandle != "" && g.ContactHandle == handle {
			return *g, nil
		}
	}
	return Guard{}, ErrNotFound
}

func (m *memoryStore) AddGuard(_ context.Context, name, contactHandle string) (Guard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return Guard{}, errors.New("guard name is required")
	}
	if contactHandle != "" {
		for _, g := range m.guards {
			if g.ContactHandle == contactHandle {
				return Guard{}, fmt.Errorf("contact handle %q already in use", contactHandle)
			}
		}
	}
	m.nextGuardID++
	g := &Guard{ID: m.nextGuardID, Name: name, ContactHandle: contactHandle}
	m.guards[g.ID] = g
	return *g, nil
}

func (m *memoryStore) RemoveGuard(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.guards[id]; !ok {
		return ErrNotFound
	}
	// Leave records reference guards and backups NOT NULL; removal is
	// blocked the same way the sqlite foreign keys block it.
	for _, l := range m.leaves {
		if l.GuardID == id || l.DayBackupID == id || l.NightBackupID == id {
			return storeErr("remove guard", errors.New("guard is referenced by leave records"))
		}
	}
	delete(m.guards, id)
	// Cascade: clear overrides that reference the removed guard.
	for _, o := range m.overrides {
		if o.GuardID != nil && *o.GuardID == id {
			o.GuardID = nil
		}
	}
	return nil
}

func (m *memoryStore) ActiveGuard(_ context.Context) (Guard, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guards {
		if g.Active {
			return *g, true, nil
		}
	}
	return Guard{}, false, nil
}

func (m *memoryStore) SetActiveGuard(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.guards[id]
	if !ok {
		return ErrNotFound
	}
	for _, g := range m.guards {
		g.Active = false
	}
	target.Active = true
	return nil
}

func (m *memoryStore) Override(_ context.Context, year, week int) (WeeklyOverride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.overrides[[2]int{year, week}]
	if !ok {
		return WeeklyOverride{}, false, nil
	}
	cp := *o
	if o.GuardID != nil {
		v := *o.GuardID
		cp.GuardID = &v
	}
	return cp, true, nil
}

func (m *memoryStore) SetOverride(_ context.Context, o WeeklyOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.GuardID != nil {
		if _, ok := m.guards[*o.GuardID]; !ok {
			return ErrNotFound
		}
	}
	cp := o
	if o.GuardID != nil {
		v := *o.GuardID
		cp.GuardID = &v
	}
	m.overrides[[2]int{o.Year, o.Week}] = &cp
	return nil
}

func (m *memoryStore) ClearOverride(_ context.Context, year, week int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.overrides[[2]int{year, week}]; ok {
		o.GuardID = nil
	}
	return nil
}

func (m *memoryStore) LeavesCovering(_ context.Context, at time.Time) ([]LeaveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeaveRecord
	for _, l := range m.leaves {
		if l.Covers(at) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) AddLeave(_ context.Context, l LeaveRecord) (LeaveRecord, error) {
	if err := l.Validate(); err != nil {
		return LeaveRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range []int64{l.GuardID, l.DayBackupID, l.NightBackupID} {
		if _, ok := m.guards[id]; !ok {
			return LeaveRecord{}, ErrNotFound
		}
	}
	m.nextLeaveID++
	l.ID = m.nextLeaveID
	cp := l
	m.leaves[l.ID] = &cp
	return l, nil
}

func (m *memoryStore) RemoveLeave(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.leaves[id]; !ok {
		return ErrNotFound
	}
	delete(m.leaves, id)
	return nil
}

func (m *memoryStore) CreditRules(_ context.Context) ([]CreditRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CreditRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) PutCreditRule(_ context.Context, r CreditRule) error {
	if r.Amount < 0 {
		return errors.New("credit amount must be >= 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey(r.Name, r.EffectiveDate)
	if cur, ok := m.rules[key]; ok {
		// Upsert keeps identity and the fixed flag of the existing rule.
		cur.Amount = r.Amount
		return nil
	}
	if r.Recurring() && normName(r.Name) != WeekendRuleName {
		return errors.New("only the weekend rule may be recurring")
	}
	m.nextRuleID++
	r.ID = m.nextRuleID
	m.rules[key] = &r
	return nil
}

func (m *memoryStore) DeleteCreditRule(_ context.Context, name string, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey(name, date)
	r, ok := m.rules[key]
	if !ok {
		return ErrNotFound
	}
	if r.Fixed {
		return ErrFixedRule
	}
	delete(m.rules, key)
	return nil
}

func (m *memoryStore) ShiftRanges(_ context.Context) ([]ShiftRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ShiftRange(nil), m.shifts...), nil
}

func (m *memoryStore) ReplaceShiftRanges(_ context.Context, ranges []ShiftRange) error {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ShiftRange, len(ranges))
	copy(out, ranges)
	for i := range out {
		m.nextShiftID++
		out[i].ID = m.nextShiftID
	}
	m.shifts = out
	return nil
}

func (m *memoryStore) AddCredit(_ context.Context, guardID int64, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[guardID]
	if !ok {
		return ErrNotFound
	}
	g.AccruedCredit += delta
	return nil
}

func (m *memoryStore) SetProjectedCredit(_ context.Context, guardID int64, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guards[guardID]
	if !ok {
		return ErrNotFound
	}
	g.ProjectedCredit = amount
	return nil
}

func (m *memoryStore) ResetAccruedCredit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.guards {
		g.AccruedCredit = 0
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }
