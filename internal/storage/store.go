package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "dutybot/pkg/logx"
)

// Store is the persistence API consumed by the duty engine and the bot
// surface. All operations are synchronous; infrastructure failures surface
// as *StoreError, missing rows as ErrNotFound.
type Store interface {
	// Roster returns all guards ordered by creation id.
	Roster(ctx context.Context) ([]Guard, error)
	GuardByID(ctx context.Context, id int64) (Guard, error)
	GuardByHandle(ctx context.Context, handle string) (Guard, error)
	AddGuard(ctx context.Context, name, contactHandle string) (Guard, error)
	// RemoveGuard deletes a guard and clears any weekly override pointing at it.
	RemoveGuard(ctx context.Context, id int64) error

	// ActiveGuard returns the current duty-holder, if any.
	ActiveGuard(ctx context.Context) (Guard, bool, error)
	// SetActiveGuard flips the single active flag to the given guard.
	SetActiveGuard(ctx context.Context, id int64) error

	Override(ctx context.Context, year, week int) (WeeklyOverride, bool, error)
	SetOverride(ctx context.Context, o WeeklyOverride) error
	// ClearOverride nulls the guard reference but keeps the row (and remark).
	ClearOverride(ctx context.Context, year, week int) error

	LeavesCovering(ctx context.Context, at time.Time) ([]LeaveRecord, error)
	AddLeave(ctx context.Context, l LeaveRecord) (LeaveRecord, error)
	RemoveLeave(ctx context.Context, id int64) error

	CreditRules(ctx context.Context) ([]CreditRule, error)
	PutCreditRule(ctx context.Context, r CreditRule) error
	DeleteCreditRule(ctx context.Context, name string, date time.Time) error

	ShiftRanges(ctx context.Context) ([]ShiftRange, error)
	ReplaceShiftRanges(ctx context.Context, ranges []ShiftRange) error

	// AddCredit atomically adds delta to a guard's accrued credit.
	AddCredit(ctx context.Context, guardID int64, delta int64) error
	SetProjectedCredit(ctx context.Context, guardID int64, amount int64) error
	// ResetAccruedCredit zeroes every guard's accrued credit (year rollover).
	ResetAccruedCredit(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
