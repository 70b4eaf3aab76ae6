package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const sampleYAML = `
telegram:
  enabled: true
  token: "123:abc"
  owner_user_ids: [42]
  announce_chat_id: -100123
  poll_timeout: "10s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./duty.db
  busy_timeout: "5s"
rotation:
  reference_date: "2025-01-06"
  reference_index: 0
  timezone: "Europe/Istanbul"
scheduler:
  enabled: true
  weekly_reset_day: monday
  weekly_reset_at: "08:00"
  grace_window: "10m"
shifts:
  - label: day
    start: "08:00"
    end: "20:00"
    credit_per_tick: 1
  - label: night
    start: "20:00"
    end: "08:00"
    credit_per_tick: 2
transfer:
  ttl: "24h"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Rotation.Timezone != "Europe/Istanbul" {
		t.Fatalf("timezone = %q", cfg.Rotation.Timezone)
	}
	if len(cfg.Shifts) != 2 || cfg.Shifts[1].CreditPerTick != 2 {
		t.Fatalf("shifts = %+v", cfg.Shifts)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", "logging:\n  level: info\n  consle: true\n")
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", "scheduler:\n  enabled: true\n  grace_window: \"not-a-duration\"\n")
	_, err := NewManager(p).Load()
	if err == nil || !strings.Contains(err.Error(), "grace_window") {
		t.Fatalf("err = %v, want grace_window duration error", err)
	}
}

func TestLoadRejectsBadShift(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", "shifts:\n  - label: day\n    start: \"26:00\"\n    end: \"20:00\"\n")
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected error for out-of-range shift start")
	}
}

func TestLoadRejectsMissingTokenWhenEnabled(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", "telegram:\n  enabled: true\n  token: \"\"\n")
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected error for enabled telegram without token")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "00:00", want: 0},
		{in: "08:00", want: 480},
		{in: "23:59", want: 1439},
		{in: " 9:30 ", want: 570},
		{in: "24:00", wantErr: true},
		{in: "12:60", wantErr: true},
		{in: "noon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHHMM(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseHHMM(%q) = %d, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseHHMM(%q) = %d, %v; want %d", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	d, err := ParseWeekday("Monday")
	if err != nil || d != time.Monday {
		t.Fatalf("ParseWeekday(Monday) = %v, %v", d, err)
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Fatalf("empty = %v, %v; want default", d, err)
	}
	d, err = ParseDurationOrDefault("x", "2m", 7*time.Second)
	if err != nil || d != 2*time.Minute {
		t.Fatalf("2m = %v, %v", d, err)
	}
	if _, err = ParseDurationOrDefault("x", "-3s", 0); err == nil {
		t.Fatal("negative duration should be rejected")
	}
}
