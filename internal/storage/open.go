package storage

import (
	"context"
	"fmt"
	"strings"

	logx "pacer/pkg/logx"
)

// Store is the journal API used by the app and the HTTP API.
type Store interface {
	AppendResult(ctx context.Context, r Record) error
	// Results returns the records of one batch in append order.
	Results(ctx context.Context, batchID string) ([]Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
