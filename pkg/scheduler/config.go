package scheduler

import (
	"time"

	"pacer/pkg/eventbus"
	logx "pacer/pkg/logx"
)

// Config controls one Scheduler. It is validated once by New and never
// mutated afterwards.
//
// Zero values mean "use the default":
//   - MaxConcurrent: 3
//   - Workers: MaxConcurrent
//   - RequestsPerMinute: 60
//   - Burst: RequestsPerMinute
//   - MaxAttempts: 3
//   - PriorityPenalty: 1
//   - RetryBase: 1s
//   - RetryMaxDelay: 30s
//   - HistorySize: 200
//
// Negative values are rejected with ErrInvalidConfig.
type Config struct {
	// MaxConcurrent caps tasks holding an admission permit at once.
	MaxConcurrent int
	// Workers is the number of worker goroutines pulling from the queue.
	Workers int

	// RequestsPerMinute is both the token bucket refill rate (per minute)
	// and, unless Burst is set, its capacity.
	RequestsPerMinute int
	Burst             int

	PrioritizeByCategory bool
	// CategoryPriorities overrides the default high/normal/low bands.
	CategoryPriorities map[Category]int

	MaxAttempts     int
	PriorityPenalty int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	RetryJitter     float64 // 0.2 = ±20%; 0 keeps the delay deterministic

	// AttemptTimeout bounds a single runner call. 0 disables.
	AttemptTimeout time.Duration

	// DiscardLateResults records a success that lands after Cancel() as
	// OutcomeCancelled instead of OutcomeSuccess.
	DiscardLateResults bool

	HistorySize int

	// Circuit breaker per category (consecutive-failure based).
	// CircuitTripFailures <= 0 disables it.
	CircuitTripFailures int
	CircuitBaseDelay    time.Duration
	CircuitMaxDelay     time.Duration
	CircuitResetAfter   time.Duration
}

const (
	defaultMaxConcurrent     = 3
	defaultRequestsPerMinute = 60
	defaultMaxAttempts       = 3
	defaultPriorityPenalty   = 1
	defaultRetryBase         = time.Second
	defaultRetryMaxDelay     = 30 * time.Second
	defaultHistorySize       = 200
	defaultCircuitBase       = 5 * time.Second
	defaultCircuitMax        = 2 * time.Minute
	defaultCircuitReset      = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Workers == 0 {
		c.Workers = c.MaxConcurrent
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Burst == 0 {
		c.Burst = c.RequestsPerMinute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.PriorityPenalty == 0 {
		c.PriorityPenalty = defaultPriorityPenalty
	}
	if c.RetryBase == 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.CircuitTripFailures > 0 {
		if c.CircuitBaseDelay <= 0 {
			c.CircuitBaseDelay = defaultCircuitBase
		}
		if c.CircuitMaxDelay <= 0 {
			c.CircuitMaxDelay = defaultCircuitMax
		}
		if c.CircuitResetAfter <= 0 {
			c.CircuitResetAfter = defaultCircuitReset
		}
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.MaxConcurrent < 1:
		return configError("max concurrent must be >= 1, got %d", c.MaxConcurrent)
	case c.Workers < 1:
		return configError("workers must be >= 1, got %d", c.Workers)
	case c.RequestsPerMinute < 1:
		return configError("requests per minute must be >= 1, got %d", c.RequestsPerMinute)
	case c.Burst < 1:
		return configError("burst must be >= 1, got %d", c.Burst)
	case c.MaxAttempts < 1:
		return configError("max attempts must be >= 1, got %d", c.MaxAttempts)
	case c.PriorityPenalty < 0:
		return configError("priority penalty must be >= 0, got %d", c.PriorityPenalty)
	case c.RetryBase < 0 || c.RetryMaxDelay < 0:
		return configError("retry delays must be >= 0")
	case c.RetryMaxDelay < c.RetryBase:
		return configError("retry max delay %s is below retry base %s", c.RetryMaxDelay, c.RetryBase)
	case c.RetryJitter < 0 || c.RetryJitter >= 1:
		return configError("retry jitter must be in [0,1), got %v", c.RetryJitter)
	case c.AttemptTimeout < 0:
		return configError("attempt timeout must be >= 0")
	case c.HistorySize < 0:
		return configError("history size must be >= 0")
	}
	return nil
}

// Option configures collaborators that are not part of the immutable Config.
type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes lifecycle events (EventBatch*, EventTask*) on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithObserver(obs Observer) Option {
	return func(s *Scheduler) { s.obs = obs }
}

// WithClock replaces the wall clock used for rate limiting, backoff and
// elapsed-time measurement. Tests use it to drive the token bucket.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// PriorityFor derives the initial priority for a category. It is a pure
// function of the category and the prioritization settings in cfg.
func PriorityFor(cat Category, cfg Config) int {
	if !cfg.PrioritizeByCategory {
		return NeutralPriority
	}
	if p, ok := cfg.CategoryPriorities[cat]; ok {
		return p
	}
	switch cat {
	case CategoryHigh:
		return PriorityHigh
	case CategoryNormal:
		return PriorityNormal
	case CategoryLow:
		return PriorityLow
	default:
		return NeutralPriority
	}
}
