package rotation

import (
	"errors"
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

func roster(names ...string) []storage.Guard {
	out := make([]storage.Guard, len(names))
	for i, n := range names {
		out[i] = storage.Guard{ID: int64(i + 1), Name: n}
	}
	return out
}

func TestIndexLiteralWeekDeltas(t *testing.T) {
	t.Parallel()
	ref := time.Date(2025, 1, 6, 9, 0, 0, 0, istanbul) // Monday, week 2
	c := New(Config{ReferenceDate: ref, ReferenceIndex: 0, Location: istanbul})
	guards := roster("A", "B", "C")

	tests := []struct {
		name  string
		at    time.Time
		want  string
	}{
		{name: "reference week", at: ref, want: "A"},
		{name: "same week later day", at: ref.AddDate(0, 0, 6), want: "A"},
		{name: "plus one week", at: ref.AddDate(0, 0, 7), want: "B"},
		{name: "plus two weeks", at: ref.AddDate(0, 0, 14), want: "C"},
		{name: "plus three weeks wraps", at: ref.AddDate(0, 0, 21), want: "A"},
		{name: "minus one week", at: ref.AddDate(0, 0, -7), want: "C"},
		{name: "one day before reference", at: ref.AddDate(0, 0, -1), want: "C"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			g, err := c.Assigned(tt.at, guards)
			if err != nil {
				t.Fatalf("Assigned(%v): %v", tt.at, err)
			}
			if g.Name != tt.want {
				t.Fatalf("Assigned(%v) = %s, want %s", tt.at, g.Name, tt.want)
			}
		})
	}
}

func TestIndexPeriodicity(t *testing.T) {
	t.Parallel()
	ref := time.Date(2025, 1, 6, 0, 0, 0, 0, istanbul)
	c := New(Config{ReferenceDate: ref, ReferenceIndex: 1, Location: istanbul})

	for _, n := range []int{1, 2, 3, 5, 8} {
		for w := -10; w <= 10; w++ {
			at := ref.AddDate(0, 0, 7*w)
			a, err := c.Index(at, n)
			if err != nil {
				t.Fatalf("Index: %v", err)
			}
			b, err := c.Index(at.AddDate(0, 0, 7*n), n)
			if err != nil {
				t.Fatalf("Index: %v", err)
			}
			if a != b {
				t.Fatalf("n=%d w=%d: index %d != index after full period %d", n, w, a, b)
			}
		}
	}
}

func TestIndexDeterministic(t *testing.T) {
	t.Parallel()
	ref := time.Date(2024, 12, 30, 0, 0, 0, 0, istanbul)
	c := New(Config{ReferenceDate: ref, ReferenceIndex: 2, Location: istanbul})
	at := time.Date(2025, 7, 12, 23, 59, 0, 0, istanbul)

	first, err := c.Index(at, 4)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := c.Index(at, 4)
		if err != nil || got != first {
			t.Fatalf("Index not deterministic: got %d err %v, want %d", got, err, first)
		}
	}
}

func TestSingleGuardRoster(t *testing.T) {
	t.Parallel()
	ref := time.Date(2025, 1, 6, 0, 0, 0, 0, istanbul)
	c := New(Config{ReferenceDate: ref, Location: istanbul})
	guards := roster("solo")

	for w := -5; w <= 5; w++ {
		g, err := c.Assigned(ref.AddDate(0, 0, 7*w), guards)
		if err != nil {
			t.Fatalf("Assigned: %v", err)
		}
		if g.Name != "solo" {
			t.Fatalf("Assigned = %s, want solo", g.Name)
		}
	}
}

func TestEmptyRoster(t *testing.T) {
	t.Parallel()
	c := New(Config{ReferenceDate: time.Now(), Location: istanbul})
	_, err := c.Assigned(time.Now(), nil)
	if !errors.Is(err, ErrNoGuards) {
		t.Fatalf("err = %v, want ErrNoGuards", err)
	}
}
