package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

// Store is the persistence API used by the executor, scheduler and notifier.
type Store interface {
	// SaveExecution inserts or replaces the record with e.ID. The first save
	// in a terminal state fixes the record's position in history.
	SaveExecution(ctx context.Context, e workflow.Execution) error
	// ListExecutions returns finished executions, most recently finished first.
	ListExecutions(ctx context.Context, limit int) ([]workflow.Execution, error)
	// ListUnfinished returns executions still recorded as running.
	ListUnfinished(ctx context.Context) ([]workflow.Execution, error)

	PutMark(ctx context.Context, key string, at time.Time) error
	GetMark(ctx context.Context, key string) (at time.Time, ok bool, err error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
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
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
