package config

import (
	"reflect"
	"strings"

	logx "pacer/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (tokens, header
// values) are reported only as "set"/"unset".
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var fields []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		fields = append(fields,
			logx.Int("scheduler.max_concurrent", s.MaxConcurrent),
			logx.Int("scheduler.requests_per_minute", s.RequestsPerMinute),
			logx.Int("scheduler.max_attempts", s.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Runner, newCfg.Runner) {
		changed = append(changed, "runner")
		fields = append(fields, logx.String("runner.kind", newCfg.Runner.Kind))
		if h := newCfg.Runner.HTTP; h != nil {
			fields = append(fields,
				logx.String("runner.http.url", h.URL),
				logx.Int("runner.http.headers", len(h.Headers)),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "journal")
		if j := newCfg.Journal; j != nil {
			fields = append(fields, logx.String("journal.driver", j.Driver), logx.String("journal.path", j.Path))
		}
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		if n := newCfg.Notify; n != nil {
			fields = append(fields,
				logx.Bool("notify.enabled", n.Enabled),
				logx.Bool("notify.token_set", strings.TrimSpace(n.Telegram.Token) != ""),
				logx.Int64("notify.chat_id", n.Telegram.ChatID),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if h := newCfg.HTTP; h != nil {
			fields = append(fields,
				logx.Bool("http.enabled", h.Enabled),
				logx.String("http.addr", h.Addr),
				logx.Bool("http.token_set", strings.TrimSpace(h.Token) != ""),
			)
		}
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		fields = append(fields, logx.String("trigger.schedule", newCfg.Trigger.Schedule))
	}

	return changed, fields
}
