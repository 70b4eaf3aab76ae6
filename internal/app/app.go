package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dutybot/internal/bot"
	"dutybot/internal/clock"
	"dutybot/internal/config"
	"dutybot/internal/credit"
	"dutybot/internal/duty"
	"dutybot/internal/eventbus"
	"dutybot/internal/notify"
	"dutybot/internal/rotation"
	"dutybot/internal/scheduler"
	"dutybot/internal/shift"
	"dutybot/internal/storage"
	"dutybot/internal/transfer"
	kit "dutybot/internal/transport"
	"dutybot/internal/transport/telegram"
	logx "dutybot/pkg/logx"
)

// App wires storage, the duty pipeline, the scheduler and the bot surface
// together and owns their lifecycle.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock
	loc   *time.Location

	adapter kit.Adapter // nil when telegram is disabled

	manager  *duty.Manager
	engine   *credit.Engine
	dist     *credit.Distributor
	workflow *transfer.Workflow
	sched    *scheduler.Service
	notif    *notify.Service
	router   *bot.Router

	updates chan kit.Update

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Rotation.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("rotation.timezone: %w", err)
		}
	}
	clk := clock.System()
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	refDate, err := parseReferenceDate(cfg.Rotation.ReferenceDate, loc)
	if err != nil {
		return nil, err
	}
	cal := shift.NewCalendar(loc)
	rot := rotation.New(rotation.Config{
		ReferenceDate:  refDate,
		ReferenceIndex: cfg.Rotation.ReferenceIndex,
		Location:       loc,
	})
	resolver := duty.NewResolver(store, rot, cal)

	// Telegram surface (optional).
	var (
		adapter kit.Adapter
		notif   *notify.Service
	)
	if cfg.Telegram.Enabled {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		adapter, err = telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}

		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			return nil, err
		}
		notif = notify.New(ncfg, adapter, log.With(logx.String("comp", "notifier")), bus)
	}

	announcer := notify.NewAnnouncer(notif,
		kit.ChatTarget{ChatID: cfg.Telegram.AnnounceChatID},
		log.With(logx.String("comp", "announcer")))

	manager := duty.NewManager(store, resolver, bus, announcer, clk, log.With(logx.String("comp", "duty")))
	engine := credit.NewEngine(store, cal, bus, log.With(logx.String("comp", "credit")))
	dist := credit.NewDistributor(store, cal, bus, log.With(logx.String("comp", "credit")))

	ttl, err := config.ParseDurationField("transfer.ttl", cfg.Transfer.TTL)
	if err != nil {
		return nil, err
	}
	workflow := transfer.New(store, manager, clk, bus, log.With(logx.String("comp", "transfer")), ttl)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, loc, clk, store, manager, engine, workflow,
		log.With(logx.String("comp", "scheduler")))

	var router *bot.Router
	if adapter != nil {
		router = bot.NewRouter(log.With(logx.String("comp", "commands")), adapter, cfg.Telegram.OwnerUserIDs)
		bot.Register(router, bot.Deps{
			Store:       store,
			Manager:     manager,
			Workflow:    workflow,
			Distributor: dist,
			Clock:       clk,
			Log:         log,
		})
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		clk:      clk,
		loc:      loc,
		adapter:  adapter,
		manager:  manager,
		engine:   engine,
		dist:     dist,
		workflow: workflow,
		sched:    sched,
		notif:    notif,
		router:   router,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.seedShifts(runCtx); err != nil {
		cancel()
		a.cancel = nil
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.updates); err != nil {
			cancel()
			a.cancel = nil
			return err
		}
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(runCtx); err != nil {
			cancel()
			a.cancel = nil
			return err
		}
	}

	if a.router != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			_ = a.router.DispatchLoop(runCtx, a.updates)
		}()
	}

	// Debug-level event log; components also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// Config hot-reload: logging level and owner list apply live, the rest
	// requires a restart.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started", logx.String("tz", a.loc.String()))
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if a.router != nil {
		a.router.SetOwners(cfg.Telegram.OwnerUserIDs)
	}
	if a.notif != nil {
		if ncfg, err := mapNotifierConfig(cfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	a.log.Info("config reloaded")
}

// seedShifts installs the configured shift table when storage has none yet.
func (a *App) seedShifts(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Shifts) == 0 {
		return nil
	}
	existing, err := a.store.ShiftRanges(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	ranges := make([]storage.ShiftRange, 0, len(cfg.Shifts))
	for _, s := range cfg.Shifts {
		start, err := config.ParseHHMM(s.Start)
		if err != nil {
			return fmt.Errorf("shifts: %w", err)
		}
		end, err := config.ParseHHMM(s.End)
		if err != nil {
			return fmt.Errorf("shifts: %w", err)
		}
		ranges = append(ranges, storage.ShiftRange{
			Label:         s.Label,
			StartMinute:   start,
			EndMinute:     end,
			CreditPerTick: s.CreditPerTick,
		})
	}
	if err := a.store.ReplaceShiftRanges(ctx, ranges); err != nil {
		return err
	}
	a.log.Info("shift table seeded from config", logx.Int("count", len(ranges)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var scancel context.CancelFunc
		if max > 0 {
			stepCtx, scancel = context.WithTimeout(ctx, max)
			defer scancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.notif != nil {
		step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	}
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		a.log.Warn("background loops did not drain in time")
	case <-ctx.Done():
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func parseReferenceDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("rotation.reference_date is required")
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("rotation.reference_date: %w", err)
	}
	return t, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	day := time.Monday
	if cfg.Scheduler.WeeklyResetDay != "" {
		var err error
		day, err = config.ParseWeekday(cfg.Scheduler.WeeklyResetDay)
		if err != nil {
			return scheduler.Config{}, err
		}
	}
	at := cfg.Scheduler.WeeklyResetAt
	if strings.TrimSpace(at) == "" {
		at = "08:00"
	}
	grace, err := config.ParseDurationField("scheduler.grace_window", cfg.Scheduler.GraceWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	jobTimeout, err := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		WeeklyResetDay: day,
		WeeklyResetAt:  at,
		GraceWindow:    grace,
		JobTimeout:     jobTimeout,
		RetryMax:       cfg.Scheduler.RetryMax,
		Workers:        cfg.Scheduler.Workers,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	// Omitted section means enabled with defaults.
	if cfg.Notifier == nil {
		return notify.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}
