package scheduler

import "time"

type Config struct {
	Enabled bool

	// WeeklyResetDay/WeeklyResetAt schedule the override reset for the new
	// week. Defaults: Monday 08:00.
	WeeklyResetDay time.Weekday
	WeeklyResetAt  string // HH:MM in the scheduler location

	// GraceWindow bounds missed-trigger recovery: a shift boundary whose
	// start lies within this window before "now" and has not been actioned
	// this cycle is run once from the minute tick.
	GraceWindow time.Duration

	// JobTimeout bounds a single job execution.
	JobTimeout time.Duration

	// RetryMax caps retries of a job that failed with a transient store
	// error. Other failures are not retried.
	RetryMax int

	Workers int
}

func (c Config) withDefaults() Config {
	if c.WeeklyResetAt == "" {
		c.WeeklyResetAt = "08:00"
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 10 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

// HistoryItem records one executed job for operational visibility.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

const historyCap = 200
