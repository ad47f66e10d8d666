// Package audit keeps an append-only SQLite ledger of tool dispatches
// for the stats command. It stores outcomes only, never arguments or
// payloads.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/tools"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Summary holds aggregated dispatch counts.
type Summary struct {
	TotalCalls    int
	Failures      int
	AvgDurationMs float64
}

// Store is the ledger. Safe for concurrent use; SQLite serializes
// writes.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tool_calls (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		call_id       TEXT NOT NULL,
		turn_id       TEXT,
		tool          TEXT NOT NULL,
		backend       TEXT,
		success       INTEGER NOT NULL,
		error_kind    TEXT,
		error_message TEXT,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
	`)
	return err
}

// Record implements tools.Recorder.
func (s *Store) Record(ctx context.Context, r tools.Result) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate audit record ID: %w", err)
	}
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var kind, msg string
	if r.Error != nil {
		kind, msg = string(r.Error.Kind), r.Error.Message
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, call_id, turn_id, tool, backend, success, error_kind, error_message, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		ts.UTC().Format(timeFormat),
		r.CallID,
		r.TurnID,
		r.ToolName,
		r.Backend,
		r.Success,
		kind,
		msg,
		r.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Summary returns totals for calls within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalCalls, &sum.Failures, &sum.AvgDurationMs); err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTool returns per-tool totals within [start, end).
func (s *Store) SummaryByTool(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "tool", start, end)
}

// SummaryByErrorKind returns per-kind totals within [start, end).
// Successful calls are grouped under "".
func (s *Store) SummaryByErrorKind(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "error_kind", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column comes from the methods above, never from input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(1 - success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalCalls, &sum.Failures, &sum.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scan audit by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
