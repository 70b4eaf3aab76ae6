package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"dutybot/internal/clock"
	"dutybot/internal/credit"
	"dutybot/internal/duty"
	"dutybot/internal/eventbus"
	"dutybot/internal/rotation"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
	"dutybot/internal/transfer"
	logx "dutybot/pkg/logx"
)

var istanbul = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		panic(err)
	}
	return loc
}()

var refMonday = time.Date(2025, 1, 6, 0, 0, 0, 0, istanbul)

type fixture struct {
	svc    *Service
	store  storage.Store
	clk    *clock.Fixed
	guards map[string]storage.Guard
}

type silentNotifier struct{}

func (silentNotifier) DutyChanged(context.Context, string, string) {}

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
	clk := clock.NewFixed(at)
	cal := shift.NewCalendar(istanbul)
	rot := rotation.New(rotation.Config{ReferenceDate: refMonday, ReferenceIndex: 0, Location: istanbul})
	res := duty.NewResolver(st, rot, cal)
	bus := eventbus.New()
	mgr := duty.NewManager(st, res, bus, silentNotifier{}, clk, logx.Nop())
	eng := credit.NewEngine(st, cal, bus, logx.Nop())
	wf := transfer.New(st, mgr, clk, bus, logx.Nop(), 0)
	svc := New(Config{Enabled: true}, istanbul, clk, st, mgr, eng, wf, logx.Nop())
	return &fixture{svc: svc, store: st, clk: clk, guards: guards}
}

func TestMinuteTickAccruesCredit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	at := refMonday.Add(10 * time.Hour) // Monday 10:00, guard A on duty
	f := newFixture(t, at, "A", "B")

	for i := 0; i < 3; i++ {
		if err := f.svc.runMinuteTick(ctx); err != nil {
			t.Fatalf("runMinuteTick: %v", err)
		}
		f.clk.Advance(time.Minute)
	}

	g, err := f.store.GuardByID(ctx, f.guards["A"].ID)
	if err != nil {
		t.Fatalf("GuardByID: %v", err)
	}
	if g.AccruedCredit != 3 {
		t.Fatalf("accrued = %d, want 3 (default rate, 3 ticks)", g.AccruedCredit)
	}
	if !g.Active {
		t.Fatal("A should have been committed as duty-holder")
	}
}

func TestMinuteTickEmptyRosterSkips(t *testing.T) {
	t.Parallel()
	f := newFixture(t, refMonday)
	err := f.svc.runMinuteTick(context.Background())
	if err == nil {
		t.Fatal("expected ErrNoGuards from empty roster")
	}
}

func TestWeeklyResetClearsOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// Monday 08:00 of the second week: rotation guard is B.
	at := refMonday.AddDate(0, 0, 7).Add(8 * time.Hour)
	f := newFixture(t, at, "A", "B")

	year, week := at.ISOWeek()
	aID := f.guards["A"].ID
	if err := f.store.SetOverride(ctx, storage.WeeklyOverride{Year: year, Week: week, GuardID: &aID}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}

	if err := f.svc.runWeeklyReset(ctx); err != nil {
		t.Fatalf("runWeeklyReset: %v", err)
	}

	o, ok, _ := f.store.Override(ctx, year, week)
	if !ok || o.GuardID != nil {
		t.Fatalf("override = %+v ok=%v, want cleared row", o, ok)
	}
	g, ok, _ := f.store.ActiveGuard(ctx)
	if !ok || g.Name != "B" {
		t.Fatalf("active = %+v, want rotation guard B", g)
	}
}

func TestMissedBoundaryRecoveryRunsOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// 08:05: five minutes past the 08:00 day-shift boundary.
	at := refMonday.Add(8*time.Hour + 5*time.Minute)
	f := newFixture(t, at, "A", "B")

	if err := f.store.ReplaceShiftRanges(ctx, []storage.ShiftRange{
		{Label: "day", StartMinute: 8 * 60, EndMinute: 20 * 60, CreditPerTick: 1},
		{Label: "night", StartMinute: 20 * 60, EndMinute: 8 * 60, CreditPerTick: 2},
	}); err != nil {
		t.Fatalf("ReplaceShiftRanges: %v", err)
	}
	// Load boundaries without a running cron.
	if err := f.svc.rebuildBoundaryTriggers(ctx); err != nil {
		t.Fatalf("rebuildBoundaryTriggers: %v", err)
	}

	f.svc.recoverMissedBoundaries(ctx, f.clk.Now())
	key := boundaryKey(occurrenceDate(f.clk.Now().In(istanbul), 480), 480)
	if f.svc.tryMarkActioned(key, f.clk.Now()) {
		t.Fatal("boundary should have been marked actioned by recovery")
	}

	// A boundary trigger firing afterwards must not run twice.
	if err := f.svc.runBoundary(ctx, 480); err != nil {
		t.Fatalf("runBoundary: %v", err)
	}
}

func TestRebuildBoundaryTriggersIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, refMonday, "A")

	_ = f.store.ReplaceShiftRanges(ctx, []storage.ShiftRange{
		{Label: "day", StartMinute: 480, EndMinute: 1200, CreditPerTick: 1},
	})
	if err := f.svc.rebuildBoundaryTriggers(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := f.svc.rebuildBoundaryTriggers(ctx); err != nil {
		t.Fatalf("rebuild again: %v", err)
	}
	f.svc.bmu.Lock()
	got := append([]int(nil), f.svc.boundaries...)
	f.svc.bmu.Unlock()
	if len(got) != 1 || got[0] != 480 {
		t.Fatalf("boundaries = %v, want [480]", got)
	}
}

func TestStopHaltsWorkersWithoutContextCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, refMonday.Add(10*time.Hour), "A", "B")

	// The outer context stays live; Stop alone must end the workers.
	ctx := context.Background()
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var ran atomic.Int32
	count := task{name: "count", run: func(context.Context) error {
		ran.Add(1)
		return nil
	}}

	f.svc.enqueue(count)
	deadline := time.Now().Add(3 * time.Second)
	for ran.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ran.Load() == 0 {
		t.Fatal("task never executed while running")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f.svc.Stop(stopCtx)
	time.Sleep(50 * time.Millisecond) // let workers observe the close

	before := ran.Load()
	f.svc.enqueue(count)
	time.Sleep(100 * time.Millisecond)
	if got := ran.Load(); got != before {
		t.Fatalf("task executed after Stop: %d -> %d", before, got)
	}

	// A stopped service starts again on fresh channels.
	if err := f.svc.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	f.svc.enqueue(count)
	deadline = time.Now().Add(3 * time.Second)
	for ran.Load() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ran.Load() == before {
		t.Fatal("task never executed after restart")
	}
	f.svc.Stop(stopCtx)
}

func TestWithinGrace(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		now, b    int
		grace     int
		want      bool
	}{
		{name: "exact boundary", now: 480, b: 480, grace: 10, want: true},
		{name: "inside window", now: 489, b: 480, grace: 10, want: true},
		{name: "window edge", now: 490, b: 480, grace: 10, want: true},
		{name: "past window", now: 491, b: 480, grace: 10, want: false},
		{name: "before boundary", now: 479, b: 480, grace: 10, want: false},
		{name: "midnight wrap inside", now: 3, b: 1435, grace: 10, want: true},
		{name: "midnight wrap outside", now: 12, b: 1435, grace: 10, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := withinGrace(tt.now, tt.b, tt.grace); got != tt.want {
				t.Fatalf("withinGrace(%d, %d, %d) = %v, want %v", tt.now, tt.b, tt.grace, got, tt.want)
			}
		})
	}
}

func TestOccurrenceDate(t *testing.T) {
	t.Parallel()
	// 00:03 with a 23:55 boundary: the occurrence was yesterday.
	local := time.Date(2025, 7, 10, 0, 3, 0, 0, istanbul)
	got := occurrenceDate(local, 1435)
	if got.Day() != 9 {
		t.Fatalf("occurrenceDate = %v, want July 9", got)
	}
	// 08:05 with an 08:00 boundary: today.
	local = time.Date(2025, 7, 10, 8, 5, 0, 0, istanbul)
	if got := occurrenceDate(local, 480); got.Day() != 10 {
		t.Fatalf("occurrenceDate = %v, want July 10", got)
	}
}

func TestBoundaryMinutes(t *testing.T) {
	t.Parallel()
	got := boundaryMinutes([]storage.ShiftRange{
		{StartMinute: 1200}, {StartMinute: 480}, {StartMinute: 1200},
	})
	if len(got) != 2 || got[0] != 480 || got[1] != 1200 {
		t.Fatalf("boundaryMinutes = %v, want [480 1200]", got)
	}
}

func TestWeeklySpec(t *testing.T) {
	t.Parallel()
	spec, err := weeklySpec(time.Monday, "08:30")
	if err != nil {
		t.Fatalf("weeklySpec: %v", err)
	}
	if spec != "30 8 * * 1" {
		t.Fatalf("spec = %q", spec)
	}
	if _, err := weeklySpec(time.Monday, "25:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}
