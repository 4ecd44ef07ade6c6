// Package store provides the SQLite-backed index over persisted
// decision records. The JSON files under logs/decisions/ remain the
// source of truth; the index exists for audit queries (by conversation,
// kind, and time range) without scanning the directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tillerlabs/tiller/pkg/decision"
)

// SQLiteDecisionIndex indexes decision records in a SQLite database.
type SQLiteDecisionIndex struct {
	db *sql.DB
}

// OpenDecisionIndex opens (or creates) the index at path. Use ":memory:"
// for tests.
func OpenDecisionIndex(path string) (*SQLiteDecisionIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("decision index open: %w", err)
	}
	s := &SQLiteDecisionIndex{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewDecisionIndex wraps an existing database handle.
func NewDecisionIndex(db *sql.DB) (*SQLiteDecisionIndex, error) {
	s := &SQLiteDecisionIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDecisionIndex) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS decisions (
		dr_id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		actor TEXT NOT NULL,
		task_id TEXT,
		conversation_id TEXT,
		decision_type TEXT NOT NULL,
		input_hash TEXT NOT NULL,
		plan_hash TEXT NOT NULL,
		result_hash TEXT NOT NULL,
		record JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_conversation ON decisions (conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions (decision_type, timestamp);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("decision index migrate: %w", err)
	}
	return nil
}

// Put indexes one record. Records are immutable; re-indexing the same
// id is rejected.
func (s *SQLiteDecisionIndex) Put(ctx context.Context, rec *decision.Record) error {
	data, err := decision.Serialize(rec)
	if err != nil {
		return err
	}
	var taskID any
	if rec.TaskID != nil {
		taskID = *rec.TaskID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (dr_id, timestamp, actor, task_id, conversation_id, decision_type, input_hash, plan_hash, result_hash, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Actor, taskID, rec.ConversationID,
		string(rec.DecisionType), rec.InputHash, rec.PlanHash, rec.ResultHash, string(data),
	)
	if err != nil {
		return fmt.Errorf("decision index insert %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads one record by id.
func (s *SQLiteDecisionIndex) Get(ctx context.Context, id string) (*decision.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM decisions WHERE dr_id = ?`, id).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("decision index get %s: %w", id, err)
	}
	return decision.Parse([]byte(raw))
}

// Query filters indexed records. Zero-valued fields are ignored.
type Query struct {
	ConversationID string
	DecisionType   decision.Kind
	Since          time.Time
	Until          time.Time
	Limit          int
}

// Find returns records matching the query, oldest first.
func (s *SQLiteDecisionIndex) Find(ctx context.Context, q Query) ([]*decision.Record, error) {
	where := "1=1"
	args := make([]any, 0, 5)
	if q.ConversationID != "" {
		where += " AND conversation_id = ?"
		args = append(args, q.ConversationID)
	}
	if q.DecisionType != "" {
		where += " AND decision_type = ?"
		args = append(args, string(q.DecisionType))
	}
	if !q.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, q.Since.Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, q.Until.Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM decisions WHERE `+where+` ORDER BY timestamp ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("decision index query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*decision.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		rec, err := decision.Parse([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of indexed records.
func (s *SQLiteDecisionIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&n)
	return n, err
}

// Close releases the database handle.
func (s *SQLiteDecisionIndex) Close() error {
	return s.db.Close()
}
