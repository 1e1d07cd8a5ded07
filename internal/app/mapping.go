package app

import (
	"fmt"
	"strings"
	"time"

	"pacer/internal/config"
	"pacer/internal/httpapi"
	"pacer/internal/notifier"
	"pacer/internal/runner"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
	"pacer/pkg/scheduler"
)

func mapJournalConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return storage.Config{}, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(jc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := config.ParseDurationField("journal.busy_timeout", jc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

func mapRunner(rc config.RunnerConfig, log logx.Logger) (scheduler.Runner, error) {
	switch strings.ToLower(strings.TrimSpace(rc.Kind)) {
	case "http":
		if rc.HTTP == nil {
			return nil, fmt.Errorf("runner.http is required for kind http")
		}
		timeout, err := config.ParseDurationField("runner.http.timeout", rc.HTTP.Timeout)
		if err != nil {
			return nil, err
		}
		return runner.NewHTTP(runner.HTTPConfig{
			URL:     rc.HTTP.URL,
			Method:  rc.HTTP.Method,
			Timeout: timeout,
			Headers: rc.HTTP.Headers,
		}, log)
	case "", "sim":
		sc := runner.SimConfig{}
		if s := rc.Sim; s != nil {
			latency, err := config.ParseDurationField("runner.sim.latency", s.Latency)
			if err != nil {
				return nil, err
			}
			jitter, err := config.ParseDurationField("runner.sim.jitter", s.Jitter)
			if err != nil {
				return nil, err
			}
			sc = runner.SimConfig{Latency: latency, Jitter: jitter, FailureRate: s.FailureRate, Seed: s.Seed}
		}
		return runner.NewSim(sc), nil
	default:
		return nil, fmt.Errorf("unknown runner.kind: %s", rc.Kind)
	}
}

// mapNotifier returns a nil sender when notifications are off.
func mapNotifier(cfg *config.Config) (notifier.Config, notifier.Sender, error) {
	n := cfg.Notify
	if n == nil || !n.Enabled {
		return notifier.Config{}, nil, nil
	}
	sender, err := notifier.NewTelegramSender(notifier.TelegramConfig{
		Token:    n.Telegram.Token,
		ChatID:   n.Telegram.ChatID,
		ThreadID: n.Telegram.ThreadID,
	})
	if err != nil {
		return notifier.Config{}, nil, fmt.Errorf("notify.telegram: %w", err)
	}
	return notifier.Config{Enabled: true, RatePerSec: n.RatePerSec, RetryMax: 3}, sender, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	h := cfg.HTTP
	if h == nil || !h.Enabled {
		return httpapi.Config{}, false, nil
	}
	read, err := config.ParseDurationField("http.read_timeout", h.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", h.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, false, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(h.Addr),
		Token:        strings.TrimSpace(h.Token),
		Pprof:        h.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, true, nil
}
