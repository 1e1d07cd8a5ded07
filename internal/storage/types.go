package storage

import (
	"encoding/json"
	"errors"
	"time"

	"pacer/pkg/scheduler"
)

var ErrClosed = errors.New("storage closed")

// Config configures the journal. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record is one journaled task result. Keep it compact and schema-stable.
type Record struct {
	At        time.Time `json:"at"`
	BatchID   string    `json:"batch_id"`
	TaskID    string    `json:"task_id"`
	Category  string    `json:"category,omitempty"`
	Outcome   string    `json:"outcome"`
	Attempts  int       `json:"attempts"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Error     string    `json:"error,omitempty"`
	// Value is the runner value as JSON, when it can be encoded.
	Value json.RawMessage `json:"value,omitempty"`
}

// FromResult converts a scheduler result into a journal record.
func FromResult(batchID string, r scheduler.Result, at time.Time) Record {
	rec := Record{
		At:        at.UTC(),
		BatchID:   batchID,
		TaskID:    r.ID,
		Category:  string(r.Category),
		Outcome:   r.Outcome.String(),
		Attempts:  r.Attempts,
		ElapsedMS: r.Elapsed.Milliseconds(),
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	if r.Value != nil {
		if b, err := json.Marshal(r.Value); err == nil {
			rec.Value = b
		}
	}
	return rec
}
