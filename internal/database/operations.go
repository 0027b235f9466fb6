package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Operation is one audited command invocation.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt *time.Time
	Operation  string
	Parameters string
	Status     string
}

// CreateOperation records the start of a mutating command.
func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		at.UTC(), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	return res.LastInsertId()
}

// FinishOperation stores the final status of an operation.
func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, at.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the newest operations first.
func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		var op Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.StartedAt, &finished, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, err
		}
		if finished.Valid {
			t := finished.Time.UTC()
			op.FinishedAt = &t
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
