package scheduler

import (
	"context"
	"time"
)

// Category is a label used only to derive a task's initial priority.
type Category string

const (
	CategoryHigh   Category = "high"
	CategoryNormal Category = "normal"
	CategoryLow    Category = "low"
)

// Default priority bands. NeutralPriority is used for every task when
// category prioritization is disabled, and for unknown categories.
const (
	PriorityHigh    = 100
	PriorityNormal  = 50
	PriorityLow     = 10
	NeutralPriority = PriorityNormal
)

// Runner is the external job boundary. The scheduler never interprets
// payload or value. Run is not interrupted by Cancel; ctx is the context
// passed to Start (optionally bounded by Config.AttemptTimeout).
type Runner interface {
	Run(ctx context.Context, payload any) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, payload any) (any, error)

func (f RunnerFunc) Run(ctx context.Context, payload any) (any, error) { return f(ctx, payload) }

// TaskSpec is what callers submit.
//
// Empty ID gets a generated UUID. Priority, when set, overrides the
// category-derived priority. MaxAttempts 0 uses Config.MaxAttempts.
type TaskSpec struct {
	ID          string
	Category    Category
	Payload     any
	Priority    *int
	MaxAttempts int
}

// Task is a unit of admissible work as seen by observers.
type Task struct {
	ID          string
	Payload     any
	Category    Category
	Priority    int
	Attempt     int
	MaxAttempts int
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeCancelled marks a task that never reached a terminal run
	// because the batch was cancelled.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of one task. Exactly one Result is
// produced per task id per batch.
type Result struct {
	ID       string
	Category Category
	Outcome  Outcome
	Value    any
	Err      error
	Attempts int
	// Elapsed is the wall-clock duration of the final attempt.
	Elapsed time.Duration
}

func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }

type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the current (or last) batch.
//
// Completed + Queued + InFlight == Total always holds. Queued includes
// tasks a worker has dequeued but not yet admitted (Waiting).
type Status struct {
	BatchID         string  `json:"batch_id,omitempty"`
	State           string  `json:"state"`
	Running         bool    `json:"running"`
	Paused          bool    `json:"paused"`
	Cancelled       bool    `json:"cancelled"`
	Completed       int     `json:"completed"`
	Total           int     `json:"total"`
	Remaining       int     `json:"remaining"`
	Queued          int     `json:"queued"`
	Waiting         int     `json:"waiting"`
	InFlight        int     `json:"in_flight"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	ProgressPercent float64 `json:"progress_percent"`
}

// Observer holds optional callbacks. They run synchronously on the
// worker goroutine that produced the event and are serialized, so
// OnProgress sees a strictly increasing completed count.
type Observer struct {
	OnProgress      func(completed, total int, task Task)
	OnItemComplete  func(r Result)
	OnError         func(task Task, err error)
	OnBatchComplete func(results []Result)
}

// HistoryItem records one runner invocation.
type HistoryItem struct {
	BatchID  string        `json:"batch_id"`
	ID       string        `json:"id"`
	Category Category      `json:"category"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Backoff  time.Duration `json:"backoff"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	BatchID  string        `json:"batch_id"`
	ID       string        `json:"id"`
	Category Category      `json:"category"`
	Priority int           `json:"priority"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// BatchEvent is published on the event bus for batch lifecycle events.
type BatchEvent struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// Event types published on the bus.
const (
	EventBatchStarted   = "batch.started"
	EventBatchPaused    = "batch.paused"
	EventBatchResumed   = "batch.resumed"
	EventBatchCancelled = "batch.cancelled"
	EventBatchCompleted = "batch.completed"
	EventTaskStarted    = "task.started"
	EventTaskRetry      = "task.retry"
	EventTaskSucceeded  = "task.succeeded"
	EventTaskFailed     = "task.failed"
)

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Status Status `json:"status"`

	Workers           int     `json:"workers"`
	MaxConcurrent     int     `json:"max_concurrent"`
	RequestsPerMinute int     `json:"requests_per_minute"`
	WorkersActive     int     `json:"workers_active"`
	TokensAvailable   float64 `json:"tokens_available"`
	PermitsInUse      int     `json:"permits_in_use"`
	EventsDropped     uint64  `json:"events_dropped"`

	CircuitTotal int `json:"circuit_total"`
	CircuitOpen  int `json:"circuit_open"`

	History []HistoryItem `json:"history"`
}
