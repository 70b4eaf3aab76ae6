package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dutybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const guardCols = "id, name, IFNULL(contact_handle,''), accrued_credit, projected_credit, active"

func scanGuard(row interface{ Scan(...any) error }) (Guard, error) {
	var g Guard
	var active int
	err := row.Scan(&g.ID, &g.Name, &g.ContactHandle, &g.AccruedCredit, &g.ProjectedCredit, &active)
	g.Active = active != 0
	return g, err
}

func (s *sqliteStore) Roster(ctx context.Context) ([]Guard, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+guardCols+" FROM guards ORDER BY id")
	if err != nil {
		return nil, storeErr("roster", err)
	}
	defer rows.Close()
	var out []Guard
	for rows.Next() {
		g, err := scanGuard(rows)
		if err != nil {
			return nil, storeErr("roster", err)
		}
		out = append(out, g)
	}
	return out, storeErr("roster", rows.Err())
}

func (s *sqliteStore) GuardByID(ctx context.Context, id int64) (Guard, error) {
	g, err := scanGuard(s.db.QueryRowContext(ctx, "SELECT "+guardCols+" FROM guards WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Guard{}, ErrNotFound
	}
	return g, storeErr("guard by id", err)
}

func (s *sqliteStore) GuardByHandle(ctx context.Context, handle string) (Guard, error) {
	g, err := scanGuard(s.db.QueryRowContext(ctx,
		"SELECT "+guardCols+" FROM guards WHERE contact_handle = ?", handle))
	if errors.Is(err, sql.ErrNoRows) {
		return Guard{}, ErrNotFound
	}
	return g, storeErr("guard by handle", err)
}

func (s *sqliteStore) AddGuard(ctx context.Context, name, contactHandle string) (Guard, error) {
	if name == "" {
		return Guard{}, errors.New("guard name is required")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO guards(name, contact_handle) VALUES(?, ?)",
		name, nullStr(contactHandle))
	if err != nil {
		return Guard{}, storeErr("add guard", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Guard{}, storeErr("add guard", err)
	}
	return Guard{ID: id, Name: name, ContactHandle: contactHandle}, nil
}

func (s *sqliteStore) RemoveGuard(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("remove guard", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE weekly_overrides SET guard_id = NULL WHERE guard_id = ?", id); err != nil {
		return storeErr("remove guard", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM guards WHERE id = ?", id)
	if err != nil {
		return storeErr("remove guard", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return storeErr("remove guard", tx.Commit())
}

func (s *sqliteStore) ActiveGuard(ctx context.Context) (Guard, bool, error) {
	g, err := scanGuard(s.db.QueryRowContext(ctx,
		"SELECT "+guardCols+" FROM guards WHERE active = 1 LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return Guard{}, false, nil
	}
	if err != nil {
		return Guard{}, false, storeErr("active guard", err)
	}
	return g, true, nil
}

func (s *sqliteStore) SetActiveGuard(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("set active guard", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "UPDATE guards SET active = 0 WHERE active = 1"); err != nil {
		return storeErr("set active guard", err)
	}
	res, err := tx.ExecContext(ctx, "UPDATE guards SET active = 1 WHERE id = ?", id)
	if err != nil {
		return storeErr("set active guard", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return storeErr("set active guard", tx.Commit())
}

func (s *sqliteStore) Override(ctx context.Context, year, week int) (WeeklyOverride, bool, error) {
	var o WeeklyOverride
	var gid sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT year, week, guard_id, remark FROM weekly_overrides WHERE year = ? AND week = ?",
		year, week).Scan(&o.Year, &o.Week, &gid, &o.Remark)
	if errors.Is(err, sql.ErrNoRows) {
		return WeeklyOverride{}, false, nil
	}
	if err != nil {
		return WeeklyOverride{}, false, storeErr("override", err)
	}
	if gid.Valid {
		o.GuardID = &gid.Int64
	}
	return o, true, nil
}

func (s *sqliteStore) SetOverride(ctx context.Context, o WeeklyOverride) error {
	var gid any
	if o.GuardID != nil {
		gid = *o.GuardID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO weekly_overrides(year, week, guard_id, remark) VALUES(?,?,?,?)
		 ON CONFLICT(year, week) DO UPDATE SET guard_id = excluded.guard_id, remark = excluded.remark`,
		o.Year, o.Week, gid, o.Remark)
	return storeErr("set override", err)
}

func (s *sqliteStore) ClearOverride(ctx context.Context, year, week int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE weekly_overrides SET guard_id = NULL WHERE year = ? AND week = ?", year, week)
	return storeErr("clear override", err)
}

func (s *sqliteStore) LeavesCovering(ctx context.Context, at time.Time) ([]LeaveRecord, error) {
	ms := at.UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, guard_id, start_ms, end_ms, day_backup_id, night_backup_id
		 FROM leave_records WHERE start_ms <= ? AND end_ms > ? ORDER BY id`, ms, ms)
	if err != nil {
		return nil, storeErr("leaves covering", err)
	}
	defer rows.Close()
	var out []LeaveRecord
	for rows.Next() {
		var l LeaveRecord
		var startMS, endMS int64
		if err := rows.Scan(&l.ID, &l.GuardID, &startMS, &endMS, &l.DayBackupID, &l.NightBackupID); err != nil {
			return nil, storeErr("leaves covering", err)
		}
		l.Start = time.UnixMilli(startMS)
		l.End = time.UnixMilli(endMS)
		out = append(out, l)
	}
	return out, storeErr("leaves covering", rows.Err())
}

func (s *sqliteStore) AddLeave(ctx context.Context, l LeaveRecord) (LeaveRecord, error) {
	if err := l.Validate(); err != nil {
		return LeaveRecord{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leave_records(guard_id, start_ms, end_ms, day_backup_id, night_backup_id)
		 VALUES(?,?,?,?,?)`,
		l.GuardID, l.Start.UnixMilli(), l.End.UnixMilli(), l.DayBackupID, l.NightBackupID)
	if err != nil {
		return LeaveRecord{}, storeErr("add leave", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return LeaveRecord{}, storeErr("add leave", err)
	}
	l.ID = id
	return l, nil
}

func (s *sqliteStore) RemoveLeave(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM leave_records WHERE id = ?", id)
	if err != nil {
		return storeErr("remove leave", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreditRules(ctx context.Context) ([]CreditRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, amount, effective_date, fixed FROM credit_rules ORDER BY id")
	if err != nil {
		return nil, storeErr("credit rules", err)
	}
	defer rows.Close()
	var out []CreditRule
	for rows.Next() {
		var r CreditRule
		var date sql.NullString
		var fixed int
		if err := rows.Scan(&r.ID, &r.Name, &r.Amount, &date, &fixed); err != nil {
			return nil, storeErr("credit rules", err)
		}
		r.Fixed = fixed != 0
		if date.Valid && date.String != "" {
			t, err := time.Parse("2006-01-02", date.String)
			if err != nil {
				return nil, storeErr("credit rules", err)
			}
			r.EffectiveDate = t
		}
		out = append(out, r)
	}
	return out, storeErr("credit rules", rows.Err())
}

func (s *sqliteStore) PutCreditRule(ctx context.Context, r CreditRule) error {
	if r.Amount < 0 {
		return errors.New("credit amount must be >= 0")
	}
	if r.Recurring() && strings.ToLower(strings.TrimSpace(r.Name)) != WeekendRuleName {
		return errors.New("only the weekend rule may be recurring")
	}
	var date any
	if !r.Recurring() {
		date = DateKey(r.EffectiveDate)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_rules(name, amount, effective_date, fixed) VALUES(?,?,?,0)
		 ON CONFLICT(name, IFNULL(effective_date,'')) DO UPDATE SET amount = excluded.amount`,
		r.Name, r.Amount, date)
	return storeErr("put credit rule", err)
}

func (s *sqliteStore) DeleteCreditRule(ctx context.Context, name string, date time.Time) error {
	var fixed int
	var id int64
	var dateArg any
	if !date.IsZero() {
		dateArg = DateKey(date)
	}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, fixed FROM credit_rules WHERE name = ? AND IFNULL(effective_date,'') = IFNULL(?,'')",
		name, dateArg).Scan(&id, &fixed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr("delete credit rule", err)
	}
	if fixed != 0 {
		return ErrFixedRule
	}
	_, err = s.db.ExecContext(ctx, "DELETE FROM credit_rules WHERE id = ?", id)
	return storeErr("delete credit rule", err)
}

func (s *sqliteStore) ShiftRanges(ctx context.Context) ([]ShiftRange, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label, start_minute, end_minute, credit_per_tick FROM shift_ranges ORDER BY start_minute, id")
	if err != nil {
		return nil, storeErr("shift ranges", err)
	}
	defer rows.Close()
	var out []ShiftRange
	for rows.Next() {
		var r ShiftRange
		if err := rows.Scan(&r.ID, &r.Label, &r.StartMinute, &r.EndMinute, &r.CreditPerTick); err != nil {
			return nil, storeErr("shift ranges", err)
		}
		out = append(out, r)
	}
	return out, storeErr("shift ranges", rows.Err())
}

func (s *sqliteStore) ReplaceShiftRanges(ctx context.Context, ranges []ShiftRange) error {
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("replace shift ranges", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM shift_ranges"); err != nil {
		return storeErr("replace shift ranges", err)
	}
	for _, r := range ranges {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO shift_ranges(label, start_minute, end_minute, credit_per_tick) VALUES(?,?,?,?)",
			r.Label, r.StartMinute, r.EndMinute, r.CreditPerTick); err != nil {
			return storeErr("replace shift ranges", err)
		}
	}
	return storeErr("replace shift ranges", tx.Commit())
}

func (s *sqliteStore) AddCredit(ctx context.Context, guardID int64, delta int64) error {
	// Single UPDATE keeps the read-modify-write atomic under concurrent ticks.
	res, err := s.db.ExecContext(ctx,
		"UPDATE guards SET accrued_credit = accrued_credit + ? WHERE id = ?", delta, guardID)
	if err != nil {
		return storeErr("add credit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetProjectedCredit(ctx context.Context, guardID int64, amount int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE guards SET projected_credit = ? WHERE id = ?", amount, guardID)
	if err != nil {
		return storeErr("set projected credit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ResetAccruedCredit(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE guards SET accrued_credit = 0")
	return storeErr("reset accrued credit", err)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
