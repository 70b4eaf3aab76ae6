package shift

import (
	"testing"
	"time"

	"dutybot/internal/storage"
)

var istanbul = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Istanbul")
	if err != nil {
		panic(err)
	}
	return loc
}()

func at(h, m int) time.Time {
	return time.Date(2025, 7, 9, h, m, 0, 0, istanbul)
}

func TestForMatchesRanges(t *testing.T) {
	t.Parallel()
	cal := NewCalendar(istanbul)
	day := storage.ShiftRange{Label: "day", StartMinute: 8 * 60, EndMinute: 20 * 60, CreditPerTick: 1}
	night := storage.ShiftRange{Label: "night", StartMinute: 20 * 60, EndMinute: 8 * 60, CreditPerTick: 2}
	ranges := []storage.ShiftRange{day, night}

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{name: "morning is day", at: at(9, 0), want: "day"},
		{name: "day start inclusive", at: at(8, 0), want: "day"},
		{name: "day end exclusive", at: at(20, 0), want: "night"},
		{name: "before wrap midnight", at: at(23, 30), want: "night"},
		{name: "after wrap midnight", at: at(3, 0), want: "night"},
		{name: "night end exclusive", at: at(7, 59), want: "night"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := cal.For(tt.at, ranges)
			if !ok {
				t.Fatalf("For(%v): no match", tt.at)
			}
			if got.Label != tt.want {
				t.Fatalf("For(%v) = %s, want %s", tt.at, got.Label, tt.want)
			}
		})
	}
}

func TestForNoMatch(t *testing.T) {
	t.Parallel()
	cal := NewCalendar(istanbul)
	ranges := []storage.ShiftRange{{Label: "office", StartMinute: 9 * 60, EndMinute: 17 * 60}}

	if _, ok := cal.For(at(18, 0), ranges); ok {
		t.Fatal("18:00 should not match 09:00-17:00")
	}
	if _, ok := cal.For(at(12, 0), nil); ok {
		t.Fatal("empty ranges should not match")
	}
}

func TestFullDayRange(t *testing.T) {
	t.Parallel()
	cal := NewCalendar(istanbul)
	ranges := []storage.ShiftRange{{Label: "all", StartMinute: 0, EndMinute: 0, CreditPerTick: 3}}

	for _, h := range []int{0, 6, 12, 23} {
		if _, ok := cal.For(at(h, 30), ranges); !ok {
			t.Fatalf("00:00-00:00 should cover %02d:30", h)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r    storage.ShiftRange
		want Kind
	}{
		{name: "day label", r: storage.ShiftRange{Label: "day", StartMinute: 22 * 60}, want: KindDay},
		{name: "night label", r: storage.ShiftRange{Label: "night", StartMinute: 9 * 60}, want: KindNight},
		{name: "turkish day label", r: storage.ShiftRange{Label: "Gunduz"}, want: KindDay},
		{name: "morning start bucket", r: storage.ShiftRange{Label: "a", StartMinute: 8 * 60}, want: KindDay},
		{name: "evening start bucket", r: storage.ShiftRange{Label: "b", StartMinute: 20 * 60}, want: KindNight},
		{name: "small hours bucket", r: storage.ShiftRange{Label: "c", StartMinute: 2 * 60}, want: KindNight},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.r); got != tt.want {
				t.Fatalf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsWeekend(t *testing.T) {
	t.Parallel()
	cal := NewCalendar(istanbul)
	sat := time.Date(2025, 7, 12, 10, 0, 0, 0, istanbul)
	mon := time.Date(2025, 7, 14, 10, 0, 0, 0, istanbul)
	if !cal.IsWeekend(sat) {
		t.Fatal("Saturday should be weekend")
	}
	if cal.IsWeekend(mon) {
		t.Fatal("Monday should not be weekend")
	}
}
