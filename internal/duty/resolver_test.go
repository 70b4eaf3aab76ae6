package duty

import (
	"context"
	"errors"
	"testing"
	"time"

	"dutybot/internal/clock"
	"dutybot/internal/eventbus"
	"dutybot/internal/rotation"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
	logx "dutybot/pkg/logx"
)

var istanbul = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		panic(err)
	}
	return loc
}()

// refMonday is a Monday anchoring rotation index 0 to the first guard.
var refMonday = time.Date(2025, 1, 6, 0, 0, 0, 0, istanbul)

type fixture struct {
	store    storage.Store
	resolver *Resolver
	manager  *Manager
	bus      eventbus.Bus
	guards   map[string]storage.Guard
}

type nopNotifier struct{ calls []string }

func (n *nopNotifier) DutyChanged(_ context.Context, guardName, reason string) {
	n.calls = append(n.calls, guardName+"/"+reason)
}

func newFixture(t *testing.T, at time.Time, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	guards := map[string]storage.Guard{}
	for _, n := range names {
		g, err := st.AddGuard(ctx, n, "")
		if err != nil {
			t.Fatalf("AddGuard(%s): %v", n, err)
		}
		guards[n] = g
	}
	cal := shift.NewCalendar(istanbul)
	rot := rotation.New(rotation.Config{ReferenceDate: refMonday, ReferenceIndex: 0, Location: istanbul})
	res := NewResolver(st, rot, cal)
	mgr := NewManager(st, res, eventbus.New(), &nopNotifier{}, clock.NewFixed(at), logx.Nop())
	return &fixture{store: st, resolver: res, manager: mgr, guards: guards}
}

func setShifts(t *testing.T, st storage.Store) {
	t.Helper()
	err := st.ReplaceShiftRanges(context.Background(), []storage.ShiftRange{
		{Label: "day", StartMinute: 8 * 60, EndMinute: 20 * 60, CreditPerTick: 1},
		{Label: "night", StartMinute: 20 * 60, EndMinute: 8 * 60, CreditPerTick: 2},
	})
	if err != nil {
		t.Fatalf("ReplaceShiftRanges: %v", err)
	}
}

func TestResolveRotationOnly(t *testing.T) {
	t.Parallel()
	at := refMonday.AddDate(0, 0, 7).Add(10 * time.Hour) // second week
	f := newFixture(t, at, "A", "B", "C")

	d, err := f.resolver.Resolve(context.Background(), at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Source != SourceAutomatic {
		t.Fatalf("source = %v, want automatic", d.Source)
	}
	if d.Guard.Name != "B" {
		t.Fatalf("guard = %s, want B", d.Guard.Name)
	}
	if d.RotationGuard.ID != d.Guard.ID {
		t.Fatal("rotation guard should equal decision for automatic source")
	}
}

func TestResolveOverrideBeatsRotation(t *testing.T) {
	t.Parallel()
	at := refMonday.Add(10 * time.Hour)
	f := newFixture(t, at, "A", "B", "C")
	ctx := context.Background()

	cID := f.guards["C"].ID
	year, week := at.ISOWeek()
	if err := f.store.SetOverride(ctx, storage.WeeklyOverride{Year: year, Week: week, GuardID: &cID}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}

	d, err := f.resolver.Resolve(ctx, at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Source != SourceOverride || d.Guard.Name != "C" {
		t.Fatalf("decision = %s/%v, want C/override", d.Guard.Name, d.Source)
	}
	if d.RotationGuard.Name != "A" {
		t.Fatalf("rotation guard = %s, want A", d.RotationGuard.Name)
	}
}

func TestResolveClearedOverrideFallsBack(t *testing.T) {
	t.Parallel()
	at := refMonday.Add(10 * time.Hour)
	f := newFixture(t, at, "A", "B")
	ctx := context.Background()

	bID := f.guards["B"].ID
	year, week := at.ISOWeek()
	_ = f.store.SetOverride(ctx, storage.WeeklyOverride{Year: year, Week: week, GuardID: &bID})
	_ = f.store.ClearOverride(ctx, year, week)

	d, err := f.resolver.Resolve(ctx, at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Source != SourceAutomatic || d.Guard.Name != "A" {
		t.Fatalf("decision = %s/%v, want A/rotation", d.Guard.Name, d.Source)
	}
}

func TestResolveLeaveSubstitutionDayNight(t *testing.T) {
	t.Parallel()
	monday := refMonday // guard A on duty
	f := newFixture(t, monday, "A", "B", "C")
	ctx := context.Background()
	setShifts(t, f.store)

	_, err := f.store.AddLeave(ctx, storage.LeaveRecord{
		GuardID:       f.guards["A"].ID,
		Start:         monday,
		End:           monday.AddDate(0, 0, 7),
		DayBackupID:   f.guards["B"].ID,
		NightBackupID: f.guards["C"].ID,
	})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{name: "day shift day backup", at: monday.Add(10 * time.Hour), want: "B"},
		{name: "night shift night backup", at: monday.Add(23 * time.Hour), want: "C"},
		{name: "early morning still night", at: monday.Add(3 * time.Hour), want: "C"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.resolver.Resolve(ctx, tt.at)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if d.Source != SourceSubstituted || d.Guard.Name != tt.want {
				t.Fatalf("decision = %s/%v, want %s/substitution", d.Guard.Name, d.Source, tt.want)
			}
		})
	}
}

func TestResolveLeaveNoShiftDefaultsDayBackup(t *testing.T) {
	t.Parallel()
	at := refMonday.Add(22 * time.Hour)
	f := newFixture(t, at, "A", "B", "C")
	ctx := context.Background()
	// No shift ranges configured at all.

	_, err := f.store.AddLeave(ctx, storage.LeaveRecord{
		GuardID:       f.guards["A"].ID,
		Start:         refMonday,
		End:           refMonday.AddDate(0, 0, 7),
		DayBackupID:   f.guards["B"].ID,
		NightBackupID: f.guards["C"].ID,
	})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}

	d, err := f.resolver.Resolve(ctx, at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Guard.Name != "B" {
		t.Fatalf("guard = %s, want day backup B", d.Guard.Name)
	}
}

func TestResolveLeaveNeverReturnsCoveredGuard(t *testing.T) {
	t.Parallel()
	f := newFixture(t, refMonday, "A", "B", "C")
	ctx := context.Background()
	setShifts(t, f.store)

	_, err := f.store.AddLeave(ctx, storage.LeaveRecord{
		GuardID:       f.guards["A"].ID,
		Start:         refMonday,
		End:           refMonday.AddDate(0, 0, 7),
		DayBackupID:   f.guards["B"].ID,
		NightBackupID: f.guards["C"].ID,
	})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}

	for h := 0; h < 7*24; h++ {
		at := refMonday.Add(time.Duration(h) * time.Hour)
		d, err := f.resolver.Resolve(ctx, at)
		if err != nil {
			t.Fatalf("Resolve(%v): %v", at, err)
		}
		if d.Guard.Name == "A" {
			t.Fatalf("hour %d: resolved to guard on leave", h)
		}
	}
}

// hideGuards filters guards out of roster reads, standing in for a store
// whose leave rows outlived a guard (an externally edited database; the
// built-in drivers block such removals).
type hideGuards struct {
	storage.Store
	hidden map[int64]bool
}

func (s hideGuards) Roster(ctx context.Context) ([]storage.Guard, error) {
	roster, err := s.Store.Roster(ctx)
	if err != nil {
		return nil, err
	}
	var out []storage.Guard
	for _, g := range roster {
		if !s.hidden[g.ID] {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestResolveLeaveBackupFallsThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, refMonday, "A", "B", "C")
	ctx := context.Background()
	setShifts(t, f.store)

	_, err := f.store.AddLeave(ctx, storage.LeaveRecord{
		GuardID:       f.guards["A"].ID,
		Start:         refMonday,
		End:           refMonday.AddDate(0, 0, 7),
		DayBackupID:   f.guards["B"].ID,
		NightBackupID: f.guards["C"].ID,
	})
	if err != nil {
		t.Fatalf("AddLeave: %v", err)
	}

	cal := shift.NewCalendar(istanbul)
	rot := rotation.New(rotation.Config{ReferenceDate: refMonday, ReferenceIndex: 0, Location: istanbul})
	at := refMonday.Add(10 * time.Hour) // day shift, day backup is B

	// Day backup gone: the night backup still beats the guard on leave.
	res := NewResolver(hideGuards{Store: f.store, hidden: map[int64]bool{f.guards["B"].ID: true}}, rot, cal)
	d, err := res.Resolve(ctx, at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Source != SourceSubstituted || d.Guard.Name != "C" {
		t.Fatalf("decision = %s/%v, want C/substitution", d.Guard.Name, d.Source)
	}

	// Both backups gone: the record is fully stale, candidate kept.
	res = NewResolver(hideGuards{Store: f.store, hidden: map[int64]bool{
		f.guards["B"].ID: true,
		f.guards["C"].ID: true,
	}}, rot, cal)
	d, err = res.Resolve(ctx, at)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Guard.Name != "A" {
		t.Fatalf("guard = %s, want A kept for fully stale leave", d.Guard.Name)
	}
}

func TestResolveEmptyRoster(t *testing.T) {
	t.Parallel()
	f := newFixture(t, refMonday)
	_, err := f.resolver.Resolve(context.Background(), refMonday)
	if !errors.Is(err, ErrNoGuards) {
		t.Fatalf("err = %v, want ErrNoGuards", err)
	}
}
