package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Rotation  RotationConfig  `json:"rotation"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Transfer  TransferConfig  `json:"transfer,omitempty"`

	// Shifts seeds the shift table when storage has none yet. Runtime
	// changes go through storage, not the config file.
	Shifts []ShiftConfig `json:"shifts,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// AnnounceChatID receives duty-change announcements.
	AnnounceChatID int64 `json:"announce_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// RotationConfig anchors the automatic weekly rotation.
type RotationConfig struct {
	// ReferenceDate is a date (2006-01-02) falling in a week whose
	// rotation pick is known.
	ReferenceDate string `json:"reference_date"`
	// ReferenceIndex is the roster position on duty during the reference
	// week.
	ReferenceIndex int `json:"reference_index"`
	// Timezone for week and shift arithmetic, e.g. "Europe/Istanbul".
	Timezone string `json:"timezone"`
}

// SchedulerConfig controls the recurring trigger service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// WeeklyResetDay names the weekday of the override reset ("monday").
	WeeklyResetDay string `json:"weekly_reset_day,omitempty"`
	WeeklyResetAt  string `json:"weekly_reset_at,omitempty"` // "08:00"
	GraceWindow    string `json:"grace_window,omitempty"`
	JobTimeout     string `json:"job_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	Workers        int    `json:"workers,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier defaults to enabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type TransferConfig struct {
	// TTL after which pending handoff requests expire. Default "24h".
	TTL string `json:"ttl,omitempty"`
}

type ShiftConfig struct {
	Label string `json:"label"`
	Start string `json:"start"` // "08:00"
	End   string `json:"end"`   // "20:00"; equal to start means full day
	// CreditPerTick is the per-minute credit while this shift is current.
	CreditPerTick int64 `json:"credit_per_tick,omitempty"`
}

// ParseHHMM converts a wall-clock "HH:MM" string to minutes since midnight.
func ParseHHMM(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, out of range", s)
	}
	return h*60 + m, nil
}

// Validate checks cross-field constraints the JSON decode cannot.
func (c *Config) Validate() error {
	if c.Rotation.Timezone != "" {
		if _, err := time.LoadLocation(c.Rotation.Timezone); err != nil {
			return fmt.Errorf("rotation.timezone: %w", err)
		}
	}
	if c.Rotation.ReferenceDate != "" {
		if _, err := time.Parse("2006-01-02", c.Rotation.ReferenceDate); err != nil {
			return fmt.Errorf("rotation.reference_date: %w", err)
		}
	}
	if c.Rotation.ReferenceIndex < 0 {
		return fmt.Errorf("rotation.reference_index must be >= 0")
	}
	for _, d := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.grace_window", c.Scheduler.GraceWindow},
		{"scheduler.job_timeout", c.Scheduler.JobTimeout},
		{"transfer.ttl", c.Transfer.TTL},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if c.Notifier != nil {
		for _, d := range []struct{ path, raw string }{
			{"notifier.retry_base", c.Notifier.RetryBase},
			{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			{"notifier.dedup_window", c.Notifier.DedupWindow},
		} {
			if _, err := ParseDurationField(d.path, d.raw); err != nil {
				return err
			}
		}
	}
	if c.Scheduler.WeeklyResetAt != "" {
		if _, err := ParseHHMM(c.Scheduler.WeeklyResetAt); err != nil {
			return fmt.Errorf("scheduler.weekly_reset_at: %w", err)
		}
	}
	if c.Scheduler.WeeklyResetDay != "" {
		if _, err := ParseWeekday(c.Scheduler.WeeklyResetDay); err != nil {
			return fmt.Errorf("scheduler.weekly_reset_day: %w", err)
		}
	}
	for i, s := range c.Shifts {
		if strings.TrimSpace(s.Label) == "" {
			return fmt.Errorf("shifts[%d].label is empty", i)
		}
		if _, err := ParseHHMM(s.Start); err != nil {
			return fmt.Errorf("shifts[%d].start: %w", i, err)
		}
		if _, err := ParseHHMM(s.End); err != nil {
			return fmt.Errorf("shifts[%d].end: %w", i, err)
		}
		if s.CreditPerTick < 0 {
			return fmt.Errorf("shifts[%d].credit_per_tick must be >= 0", i)
		}
	}
	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram.enabled")
	}
	return nil
}

// ParseWeekday maps an English weekday name to time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
