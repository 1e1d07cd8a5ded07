package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"pacer/internal/trigger"
	"pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

// ParseDurationField parses a Go duration string. Empty means zero.
// path names the field in error messages ("scheduler.retry_base").
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durations parses several fields and keeps the first error.
type durations struct{ err error }

func (p *durations) parse(path, raw string) time.Duration {
	if p.err != nil {
		return 0
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		p.err = err
	}
	return d
}

// ToScheduler converts the scheduler section. Zero values are left for
// scheduler.New to default.
func (c SchedulerConfig) ToScheduler() (scheduler.Config, error) {
	var p durations
	out := scheduler.Config{
		MaxConcurrent:        c.MaxConcurrent,
		Workers:              c.Workers,
		RequestsPerMinute:    c.RequestsPerMinute,
		Burst:                c.Burst,
		PrioritizeByCategory: c.PrioritizeByCategory,
		MaxAttempts:          c.MaxAttempts,
		PriorityPenalty:      c.PriorityPenalty,
		RetryBase:            p.parse("scheduler.retry_base", c.RetryBase),
		RetryMaxDelay:        p.parse("scheduler.retry_max_delay", c.RetryMaxDelay),
		RetryJitter:          c.RetryJitter,
		AttemptTimeout:       p.parse("scheduler.attempt_timeout", c.AttemptTimeout),
		DiscardLateResults:   c.DiscardLateResults,
		HistorySize:          c.HistorySize,
	}
	if len(c.CategoryPriorities) > 0 {
		out.CategoryPriorities = make(map[scheduler.Category]int, len(c.CategoryPriorities))
		for k, v := range c.CategoryPriorities {
			out.CategoryPriorities[scheduler.Category(strings.ToLower(strings.TrimSpace(k)))] = v
		}
	}
	if cc := c.Circuit; cc != nil {
		out.CircuitTripFailures = cc.TripFailures
		out.CircuitBaseDelay = p.parse("scheduler.circuit.base_delay", cc.BaseDelay)
		out.CircuitMaxDelay = p.parse("scheduler.circuit.max_delay", cc.MaxDelay)
		out.CircuitResetAfter = p.parse("scheduler.circuit.reset_after", cc.ResetAfter)
	}
	if p.err != nil {
		return scheduler.Config{}, p.err
	}
	return out, nil
}

// ToLogx converts the logging section.
func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Validate checks everything that can be checked without side effects.
// The runner constructor re-checks its own section.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	if _, err := cfg.Scheduler.ToScheduler(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Runner.Kind)) {
	case "", "sim":
		if s := cfg.Runner.Sim; s != nil {
			var p durations
			p.parse("runner.sim.latency", s.Latency)
			p.parse("runner.sim.jitter", s.Jitter)
			if p.err != nil {
				errs = append(errs, p.err)
			}
			if s.FailureRate < 0 || s.FailureRate > 1 {
				errs = append(errs, fmt.Errorf("runner.sim.failure_rate must be in [0,1]"))
			}
		}
	case "http":
		h := cfg.Runner.HTTP
		if h == nil || strings.TrimSpace(h.URL) == "" {
			errs = append(errs, errors.New("runner.http.url is required for kind http"))
		} else if _, err := ParseDurationField("runner.http.timeout", h.Timeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("runner.kind: unknown runner %q", cfg.Runner.Kind))
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("journal.driver: unknown driver %q", j.Driver))
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if n := cfg.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram: token and chat_id are required"))
		}
		if n.RatePerSec < 0 {
			errs = append(errs, errors.New("notify.rate_per_sec must be >= 0"))
		}
	}

	if h := cfg.HTTP; h != nil && h.Enabled {
		var p durations
		p.parse("http.read_timeout", h.ReadTimeout)
		p.parse("http.write_timeout", h.WriteTimeout)
		p.parse("http.idle_timeout", h.IdleTimeout)
		if p.err != nil {
			errs = append(errs, p.err)
		}
		if err := checkListenAddr(h); err != nil {
			errs = append(errs, err)
		}
	}

	if sch := strings.TrimSpace(cfg.Trigger.Schedule); sch != "" {
		if _, err := trigger.ParseSchedule(sch); err != nil {
			errs = append(errs, fmt.Errorf("trigger.schedule: %w", err))
		}
	}
	if tz := strings.TrimSpace(cfg.Trigger.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("trigger.timezone: invalid %q: %w", tz, err))
		}
	}

	return errors.Join(errs...)
}

// checkListenAddr refuses unauthenticated non-loopback listeners.
func checkListenAddr(h *HTTPConfig) error {
	addr := strings.TrimSpace(h.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if strings.TrimSpace(h.Token) != "" || h.AllowInsecure {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("http.addr %q is not loopback: set http.token or http.allow_insecure", addr)
}
