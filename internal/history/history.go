// Package history is the execution audit log, one row per Execute call,
// stored in a local SQLite database. Recording is best effort: the engine
// logs a failed write and moves on.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"toolbridge/internal/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	execution_id    TEXT PRIMARY KEY,
	tool_id         TEXT NOT NULL,
	success         INTEGER NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	message         TEXT NOT NULL DEFAULT '',
	repair_attempts INTEGER NOT NULL DEFAULT 0,
	adapter_mutated INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool_id, started_at);
`

// Store implements engine.History on SQLite.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens or creates the history database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// SQLite handles one writer at a time; serialize through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db, log: log.Named("history")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one execution row.
func (s *Store) Record(ctx context.Context, rec engine.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
			(execution_id, tool_id, success, error_kind, message,
			 repair_attempts, adapter_mutated, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID,
		rec.ToolID,
		boolToInt(rec.Success),
		string(rec.ErrorKind),
		rec.Message,
		rec.RepairAttempts,
		boolToInt(rec.AdapterMutated),
		rec.Duration.Milliseconds(),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// Recent returns the most recent executions for one tool, newest first.
// An empty toolID returns executions across all tools.
func (s *Store) Recent(ctx context.Context, toolID string, limit int) ([]engine.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT execution_id, tool_id, success, error_kind, message,
		       repair_attempts, adapter_mutated, duration_ms, started_at
		FROM executions`
	args := []any{}
	if toolID != "" {
		query += ` WHERE tool_id = ?`
		args = append(args, toolID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []engine.ExecutionRecord
	for rows.Next() {
		var (
			rec        engine.ExecutionRecord
			success    int
			kind       string
			mutated    int
			durationMs int64
			startedAt  string
		)
		if err := rows.Scan(&rec.ExecutionID, &rec.ToolID, &success, &kind, &rec.Message,
			&rec.RepairAttempts, &mutated, &durationMs, &startedAt); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		rec.Success = success != 0
		rec.ErrorKind = engine.ErrorKind(kind)
		rec.AdapterMutated = mutated != 0
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = ts
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
