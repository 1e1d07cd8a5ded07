package config

// Config is the on-disk configuration (JSON or YAML).
//
// Example (YAML):
//
//	logging:   { level: info, console: true }
//	scheduler: { max_concurrent: 3, requests_per_minute: 60, max_attempts: 3 }
//	runner:    { kind: http, http: { url: "https://api.example.com/jobs", timeout: 30s } }
//	journal:   { driver: sqlite, path: ./pacer.db }
//	http:      { enabled: true, addr: "127.0.0.1:8080" }
//	trigger:   { schedule: "*/15 * * * *" }
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Journal   *JournalConfig  `json:"journal,omitempty"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	HTTP      *HTTPConfig     `json:"http,omitempty"`
	Trigger   TriggerConfig   `json:"trigger"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig mirrors scheduler.Config. Durations are Go duration
// strings ("500ms", "10s"). Omitted fields take the scheduler defaults.
type SchedulerConfig struct {
	MaxConcurrent        int            `json:"max_concurrent,omitempty"`
	Workers              int            `json:"workers,omitempty"`
	RequestsPerMinute    int            `json:"requests_per_minute,omitempty"`
	Burst                int            `json:"burst,omitempty"`
	PrioritizeByCategory bool           `json:"prioritize_by_category,omitempty"`
	CategoryPriorities   map[string]int `json:"category_priorities,omitempty"`

	MaxAttempts     int     `json:"max_attempts,omitempty"`
	PriorityPenalty int     `json:"priority_penalty,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	RetryJitter     float64 `json:"retry_jitter,omitempty"`

	AttemptTimeout     string `json:"attempt_timeout,omitempty"`
	DiscardLateResults bool   `json:"discard_late_results,omitempty"`
	HistorySize        int    `json:"history_size,omitempty"`

	Circuit *CircuitConfig `json:"circuit,omitempty"`
}

// CircuitConfig enables the per-category circuit breaker when
// trip_failures > 0.
type CircuitConfig struct {
	TripFailures int    `json:"trip_failures"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ResetAfter   string `json:"reset_after,omitempty"`
}

// RunnerConfig selects the job runner. Kind is "http" or "sim".
type RunnerConfig struct {
	Kind string            `json:"kind"`
	HTTP *HTTPRunnerConfig `json:"http,omitempty"`
	Sim  *SimRunnerConfig  `json:"sim,omitempty"`
}

type HTTPRunnerConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`  // default: POST
	Timeout string            `json:"timeout,omitempty"` // per request; default 30s
	Headers map[string]string `json:"headers,omitempty"` // values are never logged
}

// SimRunnerConfig drives the simulated runner used for dry runs.
type SimRunnerConfig struct {
	Latency     string  `json:"latency,omitempty"`
	Jitter      string  `json:"jitter,omitempty"`
	FailureRate float64 `json:"failure_rate,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
}

// JournalConfig controls the optional result journal.
//
//	"journal": { "driver": "file", "path": "./pacer_results" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifyConfig sends batch reports to Telegram.
type NotifyConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	// RatePerSec bounds outgoing messages. Default 1.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Failures also reports every task that exhausted its attempts.
	Failures bool `json:"failures,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note: prefer a loopback address. A non-loopback address needs
// a token unless allow_insecure is set.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TriggerConfig decides when batches run. An empty schedule runs once.
type TriggerConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
