package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pacer/internal/config"
	"pacer/internal/httpapi"
	"pacer/internal/notifier"
	"pacer/internal/runner"
	rtsup "pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	"pacer/internal/trigger"
	"pacer/pkg/eventbus"
	logx "pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

// ErrTasksFailed is returned by a one-shot Run when at least one task
// ended in failure.
var ErrTasksFailed = errors.New("tasks failed")

// Options come from the command line.
type Options struct {
	ConfigPath string // empty: built-in defaults
	TasksPath  string
	Generate   int // synthetic tasks when TasksPath is empty
	Seed       int64
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdNotifier

	store          storage.Store
	notif          *notifier.Service
	notifyFailures bool
	sched          *scheduler.Scheduler
	trig           *trigger.Trigger
	api            *httpapi.Server
}

func New(ctx context.Context, opts Options) (*App, error) {
	if strings.TrimSpace(opts.TasksPath) == "" && opts.Generate <= 0 {
		return nil, errors.New("no tasks: set -tasks or -generate")
	}

	var (
		cfgm *config.Manager
		cfg  *config.Config
	)
	if opts.ConfigPath != "" {
		cfgm = config.NewManager(opts.ConfigPath)
		c, err := cfgm.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		cfg = c
	} else {
		cfg = &config.Config{Logging: config.LoggingConfig{Level: "info", Console: true}}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.NewService(cfg.Logging.ToLogx())
	a := &App{
		opts: opts,
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}
	a.sd = &sdNotifier{log: a.log}
	if cfgm != nil {
		cfgm.SetLogger(log.With(logx.String("comp", "config")))
	}

	ok := false
	defer func() {
		if !ok {
			a.closeStore()
			_ = logSvc.Close()
		}
	}()

	if jc, enabled, err := mapJournalConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(jc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("journal enabled", logx.String("driver", jc.Driver), logx.String("path", jc.Path))
	}

	run, err := mapRunner(cfg.Runner, log)
	if err != nil {
		return nil, err
	}

	ncfg, sender, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	if sender != nil {
		a.notif = notifier.New(ncfg, sender, log, a.bus)
		a.notifyFailures = cfg.Notify.Failures
	}

	scfg, err := cfg.Scheduler.ToScheduler()
	if err != nil {
		return nil, err
	}
	a.sched, err = scheduler.New(scfg, run,
		scheduler.WithLogger(log),
		scheduler.WithBus(a.bus),
		scheduler.WithObserver(a.observer()),
	)
	if err != nil {
		return nil, err
	}

	a.trig, err = trigger.New(trigger.Config{
		Schedule: cfg.Trigger.Schedule,
		Timezone: cfg.Trigger.Timezone,
	}, a.runBatch, log)
	if err != nil {
		return nil, err
	}

	if hc, enabled, err := mapHTTPConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		var results httpapi.ResultSource
		if a.store != nil {
			results = a.store
		}
		a.api = httpapi.NewServer(hc, httpapi.NewHandler(hc, a.sched, results, log), log)
	}

	ok = true
	return a, nil
}

// Scheduler exposes the scheduler for embedding and tests.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Run starts the ambient services and drives the trigger until it
// finishes (one-shot) or ctx is done (scheduled). Everything is shut
// down before it returns.
func (a *App) Run(ctx context.Context) (err error) {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	reason := StopCompleted
	defer func() {
		if reason == StopCompleted && err != nil && !errors.Is(err, ErrTasksFailed) {
			reason = StopFatalError
		}
		a.shutdown(sup, reason, err)
	}()

	if a.notif != nil {
		a.notif.Start(sup.Context())
	}
	if a.api != nil {
		if err := a.api.Start(sup.Context()); err != nil {
			return fmt.Errorf("http api: %w", err)
		}
	}
	a.startEventLog(sup)
	a.startConfigReload(sup)
	sup.Go0("signals.pause", a.watchPauseSignal)

	a.sd.ready()
	a.log.Info("app started",
		logx.Bool("scheduled", !a.trig.Once()),
		logx.Bool("journal", a.store != nil),
		logx.Bool("notify", a.notif != nil),
		logx.Bool("http", a.api != nil),
	)

	err = a.trig.Run(sup.Context())
	if ctx.Err() != nil {
		// The batch was cancelled on request; its results are journaled.
		reason = StopSignal
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if err == nil {
		err = sup.Err()
	}
	return err
}

// runBatch is the trigger job: load tasks, run one batch, report it.
func (a *App) runBatch(ctx context.Context) error {
	specs, err := a.loadTasks()
	if err != nil {
		return err
	}
	if err := a.sched.AddTasks(specs...); err != nil {
		return err
	}
	a.sd.status(fmt.Sprintf("batch 0/%d", len(specs)))

	start := time.Now()
	results, runErr := a.sched.Start(ctx)
	took := time.Since(start)
	batchID := a.sched.Status().BatchID

	a.journal(batchID, results, start.Add(took))
	if a.notif != nil {
		if err := a.notif.Notify(notifier.FormatSummary(batchID, results, took)); err != nil {
			a.log.Warn("batch summary not sent", logx.Err(err))
		}
	}

	var failed int
	for _, r := range results {
		if r.Outcome == scheduler.OutcomeFailure {
			failed++
		}
	}
	a.sd.status(fmt.Sprintf("last batch: %d tasks, %d failed", len(results), failed))

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, failed, len(results))
	}
	return nil
}

func (a *App) loadTasks() ([]scheduler.TaskSpec, error) {
	if p := strings.TrimSpace(a.opts.TasksPath); p != "" {
		return runner.LoadTasks(p)
	}
	seed := a.opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return runner.Generate(a.opts.Generate, seed), nil
}

// journal writes every result of the batch. Writes survive a cancelled
// run context so a shutdown still leaves a complete trail.
func (a *App) journal(batchID string, results []scheduler.Result, at time.Time) {
	if a.store == nil || len(results) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range results {
		if err := a.store.AppendResult(ctx, storage.FromResult(batchID, r, at)); err != nil {
			a.log.Warn("journal append failed", logx.String("batch", batchID), logx.String("task", r.ID), logx.Err(err))
			return
		}
	}
}

func (a *App) observer() scheduler.Observer {
	return scheduler.Observer{
		OnProgress: func(completed, total int, _ scheduler.Task) {
			a.sd.progress(completed, total)
		},
		OnError: func(t scheduler.Task, err error) {
			if a.notif == nil || !a.notifyFailures {
				return
			}
			if nerr := a.notif.Notify(notifier.FormatFailure(t, err)); nerr != nil {
				a.log.Debug("failure alert not sent", logx.String("task", t.ID), logx.Err(nerr))
			}
		},
	}
}

// togglePause pauses a running batch or resumes a paused one and reports
// the resulting paused state.
func (a *App) togglePause() bool {
	if a.sched.Status().Paused {
		a.sched.Resume()
	} else {
		a.sched.Pause()
	}
	return a.sched.Status().Paused
}

func (a *App) startEventLog(sup *rtsup.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// startConfigReload watches the config file. Only the logging section is
// applied live; other sections take effect on restart.
func (a *App) startConfigReload(sup *rtsup.Supervisor) {
	if a.cfgm == nil {
		return
	}
	sub, unsub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				sections, fields := config.SummarizeChange(last, next)
				last = next
				if len(sections) == 0 {
					continue
				}
				a.logs.Apply(next.Logging.ToLogx())
				fields = append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
				a.log.Info("config change applied", fields...)
				for _, s := range sections {
					if s != "logging" {
						a.log.Warn("restart required for config section", logx.String("section", s))
					}
				}
			}
		}
	})
	sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) shutdown(sup *rtsup.Supervisor, reason StopReason, cause error) {
	a.sd.stopping()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.api != nil {
		a.api.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("supervisor stopped with error", logx.Err(err))
	}
	a.closeStore()

	fields := []logx.Field{logx.String("reason", string(reason))}
	if cause != nil {
		fields = append(fields, logx.Err(cause))
	}
	c := a.trig.Counters()
	fields = append(fields, logx.Uint64("batches", c.Fired), logx.Uint64("skipped", c.Skipped))
	a.log.Info("app stopped", fields...)
	_ = a.logs.Close()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("journal close failed", logx.Err(err))
	}
	a.store = nil
}
