// Package scheduler drives the recurring duty reconciliation: the
// per-minute credit tick, shift-boundary triggers, the hourly trigger
// rebuild and the weekly override reset.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dutybot/internal/clock"
	"dutybot/internal/credit"
	"dutybot/internal/duty"
	"dutybot/internal/storage"
	"dutybot/internal/transfer"
	logx "dutybot/pkg/logx"
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Service owns all timers. Every duty mutation it triggers goes through
// the duty Manager, so overlapping timers cannot interleave writes.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	clk clock.Clock

	store    storage.Store
	manager  *duty.Manager
	engine   *credit.Engine
	workflow *transfer.Workflow

	parser cron.Parser
	c      *cron.Cron
	queue  chan task
	stopCh chan struct{}

	// bmu guards boundary trigger state.
	bmu         sync.Mutex
	boundaryIDs []cron.EntryID
	boundaries  []int // shift start minutes currently scheduled
	actioned    map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, loc *time.Location, clk clock.Clock, store storage.Store, manager *duty.Manager, engine *credit.Engine, workflow *transfer.Workflow, log logx.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		cfg:      cfg.withDefaults(),
		loc:      loc,
		clk:      clk,
		store:    store,
		manager:  manager,
		engine:   engine,
		workflow: workflow,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		actioned: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan task, 64)

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	if _, err := s.c.AddFunc("* * * * *", func() {
		s.enqueue(task{name: "minute tick", run: s.runMinuteTick})
	}); err != nil {
		return err
	}
	if _, err := s.c.AddFunc("0 * * * *", func() {
		s.enqueue(task{name: "hourly reconcile", run: s.runHourly})
	}); err != nil {
		return err
	}
	spec, err := weeklySpec(s.cfg.WeeklyResetDay, s.cfg.WeeklyResetAt)
	if err != nil {
		return err
	}
	if _, err := s.c.AddFunc(spec, func() {
		s.enqueue(task{name: "weekly reset", run: s.runWeeklyReset})
	}); err != nil {
		return err
	}

	// Workers hold their own reference to the stop channel: Stop closes and
	// clears s.stopCh under the mutex, which a select in the loop must not
	// observe mid-swap.
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(ctx, s.stopCh)
	}
	s.c.Start()

	// Catch up immediately: downtime may have crossed a shift boundary or
	// a week boundary, and boundary triggers need building.
	s.enqueue(task{name: "startup reconcile", run: s.runHourly})

	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers), logx.String("tz", s.loc.String()),
		logx.Duration("grace", s.cfg.GraceWindow))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping task", logx.String("task", t.name))
	}
}

func (s *Service) worker(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-s.queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	err := t.run(runCtx)
	for attempt := 0; err != nil && attempt < s.cfg.RetryMax && isTransient(err); attempt++ {
		time.Sleep(500 * time.Millisecond)
		err = t.run(runCtx)
	}

	item := HistoryItem{Name: t.name, Started: start, Duration: time.Since(start)}
	switch {
	case err == nil:
		s.log.Debug("task ok", logx.String("task", t.name))
	case errors.Is(err, duty.ErrNoGuards):
		// Empty roster: nothing to schedule. Self-heals once guards exist.
		item.Error = err.Error()
		s.log.Warn("task skipped: empty roster", logx.String("task", t.name))
	default:
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", t.name), logx.Err(err))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

// History returns a snapshot of recent job executions.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func isTransient(err error) bool {
	var se *storage.StoreError
	return errors.As(err, &se)
}

// ---- jobs ----

func (s *Service) runMinuteTick(ctx context.Context) error {
	now := s.clk.Now()
	if _, _, err := s.manager.Reconcile(ctx, now); err != nil {
		return err
	}
	if _, err := s.engine.Tick(ctx, now); err != nil {
		return err
	}
	s.recoverMissedBoundaries(ctx, now)
	return nil
}

func (s *Service) runHourly(ctx context.Context) error {
	now := s.clk.Now()
	if err := s.rebuildBoundaryTriggers(ctx); err != nil {
		return err
	}
	if s.workflow != nil {
		s.workflow.Sweep(now)
	}
	s.pruneActioned(now)
	_, _, err := s.manager.Reconcile(ctx, now)
	return err
}

func (s *Service) runWeeklyReset(ctx context.Context) error {
	now := s.clk.Now()
	year, week := now.In(s.loc).ISOWeek()
	if err := s.manager.ClearWeekOverride(ctx, year, week); err != nil {
		return err
	}
	s.log.Info("weekly reset: override cleared, rotation takes precedence",
		logx.Int("year", year), logx.Int("week", week))
	_, _, err := s.manager.Reconcile(ctx, now)
	return err
}

func (s *Service) runBoundary(ctx context.Context, startMinute int) error {
	now := s.clk.Now()
	key := boundaryKey(occurrenceDate(now.In(s.loc), startMinute), startMinute)
	if !s.tryMarkActioned(key, now) {
		// Already run this cycle (e.g. via missed-trigger recovery).
		return nil
	}
	_, _, err := s.manager.Reconcile(ctx, now)
	return err
}

// ---- shift boundary triggers ----

// rebuildBoundaryTriggers re-reads the shift configuration and replaces
// the per-boundary cron entries. Ranges may change at runtime.
func (s *Service) rebuildBoundaryTriggers(ctx context.Context) error {
	ranges, err := s.store.ShiftRanges(ctx)
	if err != nil {
		return err
	}
	minutes := boundaryMinutes(ranges)

	s.bmu.Lock()
	defer s.bmu.Unlock()

	if equalInts(minutes, s.boundaries) {
		return nil
	}

	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		s.boundaries = minutes
		return nil
	}

	for _, id := range s.boundaryIDs {
		c.Remove(id)
	}
	s.boundaryIDs = s.boundaryIDs[:0]

	for _, m := range minutes {
		m := m
		spec := fmt.Sprintf("%d %d * * *", m%60, m/60)
		id, err := c.AddFunc(spec, func() {
			s.enqueue(task{name: fmt.Sprintf("shift boundary %02d:%02d", m/60, m%60), run: func(ctx context.Context) error {
				return s.runBoundary(ctx, m)
			}})
		})
		if err != nil {
			return err
		}
		s.boundaryIDs = append(s.boundaryIDs, id)
	}
	s.boundaries = minutes
	s.log.Info("shift boundary triggers rebuilt", logx.Int("count", len(minutes)))
	return nil
}

// recoverMissedBoundaries runs, at most once per cycle, any boundary whose
// start fell inside the grace window before now but was not actioned
// (process downtime, clock hiccups).
func (s *Service) recoverMissedBoundaries(ctx context.Context, now time.Time) {
	local := now.In(s.loc)
	grace := int(s.cfg.GraceWindow / time.Minute)

	s.bmu.Lock()
	boundaries := append([]int(nil), s.boundaries...)
	s.bmu.Unlock()

	for _, b := range boundaries {
		if !withinGrace(minuteOfDay(local), b, grace) {
			continue
		}
		key := boundaryKey(occurrenceDate(local, b), b)
		if !s.tryMarkActioned(key, now) {
			continue
		}
		s.log.Info("recovering missed shift boundary",
			logx.Int("minute", b), logx.Time("now", now))
		if _, _, err := s.manager.Reconcile(ctx, now); err != nil {
			s.log.Warn("missed boundary recovery failed", logx.Err(err))
		}
	}
}

// tryMarkActioned marks the key and reports whether it was new, guarding
// boundary logic against duplicate execution.
func (s *Service) tryMarkActioned(key string, at time.Time) bool {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	if _, done := s.actioned[key]; done {
		return false
	}
	s.actioned[key] = at
	return true
}

func (s *Service) pruneActioned(now time.Time) {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	for k, at := range s.actioned {
		if now.Sub(at) > 48*time.Hour {
			delete(s.actioned, k)
		}
	}
}

// ---- pure helpers ----

func minuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// withinGrace reports whether nowMinute falls in [boundary, boundary+grace],
// wrapping across midnight.
func withinGrace(nowMinute, boundary, grace int) bool {
	diff := nowMinute - boundary
	if diff < 0 {
		diff += 24 * 60
	}
	return diff <= grace
}

// occurrenceDate returns the calendar date of the boundary occurrence that
// precedes (or equals) the given local instant.
func occurrenceDate(local time.Time, boundary int) time.Time {
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	if minuteOfDay(local) < boundary {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

func boundaryKey(day time.Time, minute int) string {
	return fmt.Sprintf("%s@%04d", storage.DateKey(day), minute)
}

// boundaryMinutes extracts the sorted, de-duplicated start minutes of the
// configured shift ranges.
func boundaryMinutes(ranges []storage.ShiftRange) []int {
	seen := map[int]bool{}
	var out []int
	for _, r := range ranges {
		if !seen[r.StartMinute] {
			seen[r.StartMinute] = true
			out = append(out, r.StartMinute)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func weeklySpec(day time.Weekday, atHHMM string) (string, error) {
	var h, m int
	if _, err := fmt.Sscanf(atHHMM, "%d:%d", &h, &m); err != nil {
		return "", fmt.Errorf("invalid weekly reset time %q, expected HH:MM", atHHMM)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", fmt.Errorf("invalid weekly reset time %q", atHHMM)
	}
	return fmt.Sprintf("%d %d * * %d", m, h, int(day)), nil
}
