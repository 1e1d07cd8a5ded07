// Package trigger decides when batches run: once, or on a recurring
// schedule. Overlapping fires are skipped rather than queued.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata" // timezones in minimal containers

	"github.com/robfig/cron/v3"

	logx "pacer/pkg/logx"
)

type Config struct {
	// Schedule empty means run once.
	Schedule string
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Job runs one batch.
type Job func(ctx context.Context) error

type Counters struct {
	Fired   uint64
	Skipped uint64
	Failed  uint64
}

type Trigger struct {
	spec *ParsedSpec
	loc  *time.Location
	job  Job
	log  logx.Logger

	running atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, job Job, log logx.Logger) (*Trigger, error) {
	if job == nil {
		return nil, fmt.Errorf("trigger: nil job")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Trigger{job: job, log: log.With(logx.String("comp", "trigger")), loc: time.Local}

	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("trigger: invalid timezone %q: %w", tz, err)
		}
		t.loc = loc
	}
	if strings.TrimSpace(cfg.Schedule) != "" {
		p, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("trigger: %w", err)
		}
		t.spec = &p
	}
	return t, nil
}

// Once reports whether Run executes the job a single time.
func (t *Trigger) Once() bool { return t.spec == nil }

func (t *Trigger) Counters() Counters {
	return Counters{Fired: t.fired.Load(), Skipped: t.skipped.Load(), Failed: t.failed.Load()}
}

// Next is the next fire time after now, or zero for a one-shot trigger.
func (t *Trigger) Next(now time.Time) time.Time {
	if t.spec == nil {
		return time.Time{}
	}
	sched, err := t.spec.Schedule()
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now.In(t.loc))
}

// Run executes the job once (returning its error) or, with a schedule,
// fires it until ctx is done and then waits for a running job to return.
func (t *Trigger) Run(ctx context.Context) error {
	if t.spec == nil {
		t.fired.Add(1)
		err := t.job(ctx)
		if err != nil {
			t.failed.Add(1)
		}
		return err
	}

	sched, err := t.spec.Schedule()
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	c := cron.New(
		cron.WithLocation(t.loc),
		cron.WithChain(cron.Recover(cronLogger{t.log})),
	)
	c.Schedule(sched, cron.FuncJob(func() { t.fire(ctx) }))
	c.Start()
	t.log.Info("trigger started",
		logx.String("schedule", t.spec.String()),
		logx.String("tz", t.loc.String()),
		logx.Time("next", sched.Next(time.Now().In(t.loc))),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	t.log.Info("trigger stopped")
	return nil
}

// fire runs the job unless the previous run is still in progress.
func (t *Trigger) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Warn("trigger skipped: previous batch still running")
		return
	}
	defer t.running.Store(false)

	t.fired.Add(1)
	start := time.Now()
	if err := t.job(ctx); err != nil {
		t.failed.Add(1)
		t.log.Warn("triggered batch failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	t.log.Debug("triggered batch done", logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
