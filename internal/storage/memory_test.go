package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryActiveGuardSingleWriter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	a, err := st.AddGuard(ctx, "ayse", "")
	if err != nil {
		t.Fatalf("AddGuard: %v", err)
	}
	b, err := st.AddGuard(ctx, "baran", "")
	if err != nil {
		t.Fatalf("AddGuard: %v", err)
	}

	if _, ok, _ := st.ActiveGuard(ctx); ok {
		t.Fatal("no guard should be active yet")
	}
	if err := st.SetActiveGuard(ctx, a.ID); err != nil {
		t.Fatalf("SetActiveGuard: %v", err)
	}
	if err := st.SetActiveGuard(ctx, b.ID); err != nil {
		t.Fatalf("SetActiveGuard: %v", err)
	}

	got, ok, err := st.ActiveGuard(ctx)
	if err != nil || !ok {
		t.Fatalf("ActiveGuard: ok=%v err=%v", ok, err)
	}
	if got.ID != b.ID {
		t.Fatalf("active = %d, want %d", got.ID, b.ID)
	}

	roster, err := st.Roster(ctx)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	active := 0
	for _, g := range roster {
		if g.Active {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active count = %d, want 1", active)
	}
}

func TestMemoryRemoveGuardClearsOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	g, _ := st.AddGuard(ctx, "ayse", "")
	if err := st.SetOverride(ctx, WeeklyOverride{Year: 2025, Week: 30, GuardID: &g.ID, Remark: "vacation swap"}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	if err := st.RemoveGuard(ctx, g.ID); err != nil {
		t.Fatalf("RemoveGuard: %v", err)
	}

	o, ok, err := st.Override(ctx, 2025, 30)
	if err != nil || !ok {
		t.Fatalf("Override: ok=%v err=%v", ok, err)
	}
	if o.GuardID != nil {
		t.Fatalf("override guard = %v, want cleared", *o.GuardID)
	}
	if o.Remark != "vacation swap" {
		t.Fatalf("remark lost: %q", o.Remark)
	}
}

func TestMemoryRemoveGuardBlockedByLeave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	g, _ := st.AddGuard(ctx, "ayse", "")
	d, _ := st.AddGuard(ctx, "baran", "")
	n, _ := st.AddGuard(ctx, "cem", "")

	start := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	l, err := st.AddLeave(ctx, LeaveRecord{
		GuardID: g.ID, Start: start, End: start.AddDate(0, 0, 7),
		DayBackupID: d.ID, NightBackupID: n.ID,
	})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}

	// Subject and both backups are pinned by the leave, as the sqlite
	// foreign keys would pin them.
	var se *StoreError
	for _, id := range []int64{g.ID, d.ID, n.ID} {
		if err := st.RemoveGuard(ctx, id); !errors.As(err, &se) {
			t.Fatalf("RemoveGuard(%d) = %v, want StoreError", id, err)
		}
	}

	if err := st.RemoveLeave(ctx, l.ID); err != nil {
		t.Fatalf("RemoveLeave: %v", err)
	}
	if err := st.RemoveGuard(ctx, d.ID); err != nil {
		t.Fatalf("RemoveGuard after leave removal: %v", err)
	}
}

func TestMemoryClearOverrideKeepsRow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	g, _ := st.AddGuard(ctx, "ayse", "")
	_ = st.SetOverride(ctx, WeeklyOverride{Year: 2025, Week: 28, GuardID: &g.ID})
	if err := st.ClearOverride(ctx, 2025, 28); err != nil {
		t.Fatalf("ClearOverride: %v", err)
	}
	o, ok, _ := st.Override(ctx, 2025, 28)
	if !ok || o.GuardID != nil {
		t.Fatalf("want cleared row to persist, got ok=%v o=%+v", ok, o)
	}
}

func TestMemoryLeaveValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	g, _ := st.AddGuard(ctx, "ayse", "")
	d, _ := st.AddGuard(ctx, "baran", "")
	n, _ := st.AddGuard(ctx, "cem", "")

	start := time.Date(2025, 7, 7, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	if _, err := st.AddLeave(ctx, LeaveRecord{GuardID: g.ID, Start: start, End: end, DayBackupID: d.ID}); err == nil {
		t.Fatal("expected error for missing night backup")
	}
	if _, err := st.AddLeave(ctx, LeaveRecord{GuardID: g.ID, Start: start, End: end, DayBackupID: g.ID, NightBackupID: n.ID}); err == nil {
		t.Fatal("expected error for self backup")
	}

	l, err := st.AddLeave(ctx, LeaveRecord{GuardID: g.ID, Start: start, End: end, DayBackupID: d.ID, NightBackupID: n.ID})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}
	if l.ID == 0 {
		t.Fatal("leave id not assigned")
	}

	got, err := st.LeavesCovering(ctx, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("LeavesCovering: %v", err)
	}
	if len(got) != 1 || got[0].GuardID != g.ID {
		t.Fatalf("LeavesCovering = %+v", got)
	}
	if got, _ := st.LeavesCovering(ctx, end); len(got) != 0 {
		t.Fatalf("leave should not cover its end instant, got %+v", got)
	}
}

func TestMemoryWeekendRuleFixed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	err := st.DeleteCreditRule(ctx, WeekendRuleName, time.Time{})
	if !errors.Is(err, ErrFixedRule) {
		t.Fatalf("err = %v, want ErrFixedRule", err)
	}

	// Upserting the weekend rule updates its amount but keeps the fixed flag.
	if err := st.PutCreditRule(ctx, CreditRule{Name: WeekendRuleName, Amount: 5}); err != nil {
		t.Fatalf("PutCreditRule: %v", err)
	}
	rules, _ := st.CreditRules(ctx)
	var weekend *CreditRule
	for i := range rules {
		if rules[i].Name == WeekendRuleName && rules[i].Recurring() {
			weekend = &rules[i]
		}
	}
	if weekend == nil {
		t.Fatal("weekend rule missing")
	}
	if weekend.Amount != 5 || !weekend.Fixed {
		t.Fatalf("weekend rule = %+v", weekend)
	}

	// A second recurring rule is rejected.
	if err := st.PutCreditRule(ctx, CreditRule{Name: "bonus", Amount: 2}); err == nil {
		t.Fatal("expected rejection of a second recurring rule")
	}
}

func TestMemoryCreditMutations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()

	g, _ := st.AddGuard(ctx, "ayse", "")
	for i := 0; i < 3; i++ {
		if err := st.AddCredit(ctx, g.ID, 2); err != nil {
			t.Fatalf("AddCredit: %v", err)
		}
	}
	if err := st.SetProjectedCredit(ctx, g.ID, 120); err != nil {
		t.Fatalf("SetProjectedCredit: %v", err)
	}

	got, _ := st.GuardByID(ctx, g.ID)
	if got.AccruedCredit != 6 || got.ProjectedCredit != 120 {
		t.Fatalf("credits = %d/%d, want 6/120", got.AccruedCredit, got.ProjectedCredit)
	}

	if err := st.ResetAccruedCredit(ctx); err != nil {
		t.Fatalf("ResetAccruedCredit: %v", err)
	}
	got, _ = st.GuardByID(ctx, g.ID)
	if got.AccruedCredit != 0 {
		t.Fatalf("accrued after reset = %d", got.AccruedCredit)
	}
}
