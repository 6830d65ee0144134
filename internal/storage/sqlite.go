package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"cadence/internal/workflow"
	"cadence/pkg/logx"
)

//go:embed schema.sql
var schema string

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.retain(), pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveExecution(ctx context.Context, e workflow.Execution) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id required")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	terminal := 0
	if e.Status.Terminal() {
		terminal = 1
	}
	// finished_seq is assigned once, on the first terminal save.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, job_id, status, started_at, finished_seq, body)
		 VALUES(?, ?, ?, ?, CASE WHEN ? = 1 THEN (SELECT COALESCE(MAX(finished_seq), 0) + 1 FROM executions) END, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   body = excluded.body,
		   finished_seq = COALESCE(executions.finished_seq, excluded.finished_seq)`,
		e.ID, e.JobID, string(e.Status), e.StartedAt.UnixMilli(), terminal, string(body),
	)
	if err == nil && terminal == 1 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneHistory(pctx); perr != nil {
			s.log.Debug("history prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, limit int) ([]workflow.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM executions WHERE finished_seq IS NOT NULL ORDER BY finished_seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func (s *sqliteStore) ListUnfinished(ctx context.Context) ([]workflow.Execution, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM executions WHERE finished_seq IS NULL ORDER BY started_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]workflow.Execution, error) {
	defer rows.Close()
	var out []workflow.Execution
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e workflow.Execution
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutMark(ctx context.Context, key string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(key) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO marks(key, at) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET at = excluded.at`,
		key, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetMark(ctx context.Context, key string) (time.Time, bool, error) {
	return s.getMillis(ctx, `SELECT at FROM marks WHERE key = ?`, key)
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return s.getMillis(ctx, `SELECT until FROM dedup WHERE key = ?`, key)
}

func (s *sqliteStore) getMillis(ctx context.Context, query, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, query, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// pruneHistory keeps the newest retain finished executions.
func (s *sqliteStore) pruneHistory(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_seq IS NOT NULL AND finished_seq <= (
		   SELECT COALESCE(MAX(finished_seq), 0) - ? FROM executions)`, s.retain)
	return err
}
