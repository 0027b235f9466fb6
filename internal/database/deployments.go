package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"ckpt-go/internal/ckpt"
)

const deploymentColumns = `id, status, success, started_at, finished_at, environment, version,
	checkpoint_id, failure_reason, rollback_checkpoint_id, rollback_outcome`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*ckpt.DeploymentRecord, error) {
	var (
		rec      ckpt.DeploymentRecord
		status   string
		success  sql.NullBool
		finished sql.NullTime
	)
	err := row.Scan(&rec.ID, &status, &success, &rec.StartedAt, &finished, &rec.Environment, &rec.Version,
		&rec.CheckpointID, &rec.FailureReason, &rec.RollbackCheckpointID, &rec.RollbackOutcome)
	if err != nil {
		return nil, err
	}
	rec.Status = ckpt.DeploymentStatus(status)
	rec.StartedAt = rec.StartedAt.UTC()
	if success.Valid {
		v := success.Bool
		rec.Success = &v
	}
	if finished.Valid {
		t := finished.Time.UTC()
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteDatabase) CreateDeployment(ctx context.Context, rec *ckpt.DeploymentRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO deployments
		(id, status, started_at, environment, version, checkpoint_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Status), rec.StartedAt.UTC(), rec.Environment, rec.Version, rec.CheckpointID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("deployment %s: %w", rec.ID, ckpt.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindDeployment(ctx context.Context, id string) (*ckpt.DeploymentRecord, error) {
	rec, err := scanDeployment(s.db.QueryRowContext(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding deployment: %w", err)
	}
	return rec, nil
}

// FinishDeployment checks and updates in one transaction so a record
// reaches a terminal state exactly once.
func (s *SQLiteDatabase) FinishDeployment(ctx context.Context, id string, success bool, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ckpt.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading deployment: %w", err)
	}
	if ckpt.DeploymentStatus(status) != ckpt.DeploymentInProgress {
		return fmt.Errorf("%w (%s)", ckpt.ErrAlreadyTerminal, status)
	}

	next := ckpt.DeploymentCompleted
	if !success {
		next = ckpt.DeploymentFailed
	}
	_, err = tx.ExecContext(ctx, `UPDATE deployments
		SET status = ?, success = ?, finished_at = ?, failure_reason = ?
		WHERE id = ?`, string(next), success, at.UTC(), reason, id)
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) RecordRollback(ctx context.Context, id, checkpointID, outcome string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deployments
		SET rollback_checkpoint_id = ?, rollback_outcome = ? WHERE id = ?`, checkpointID, outcome, id)
	if err != nil {
		return fmt.Errorf("recording rollback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ckpt.ErrNotFound
	}
	return nil
}

func (s *SQLiteDatabase) SetCurrent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO current_deployment (slot, deployment_id) VALUES (1, ?)
		ON CONFLICT (slot) DO UPDATE SET deployment_id = excluded.deployment_id`, id)
	if err != nil {
		return fmt.Errorf("setting current deployment: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) CurrentDeployment(ctx context.Context) (*ckpt.DeploymentRecord, error) {
	rec, err := scanDeployment(s.db.QueryRowContext(ctx, `SELECT `+prefixed("d", deploymentColumns)+`
		FROM current_deployment c JOIN deployments d ON d.id = c.deployment_id WHERE c.slot = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading current deployment: %w", err)
	}
	return rec, nil
}

// ClearCurrent drops the current pointer only when it still names id.
func (s *SQLiteDatabase) ClearCurrent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM current_deployment WHERE deployment_id = ?`, id); err != nil {
		return fmt.Errorf("clearing current deployment: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) LastSuccessful(ctx context.Context) (*ckpt.DeploymentRecord, error) {
	rec, err := scanDeployment(s.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE success = 1 ORDER BY finished_at DESC, rowid DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding last successful deployment: %w", err)
	}
	return rec, nil
}

// Deployments streams records newest first. The query stays open while the
// sequence is consumed.
func (s *SQLiteDatabase) Deployments(ctx context.Context) iter.Seq2[*ckpt.DeploymentRecord, error] {
	return func(yield func(*ckpt.DeploymentRecord, error) bool) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+deploymentColumns+`
			FROM deployments ORDER BY started_at DESC, rowid DESC`)
		if err != nil {
			yield(nil, fmt.Errorf("listing deployments: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanDeployment(rows)
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("listing deployments: %w", err))
		}
	}
}

// DeleteFinishedBefore removes terminal records finished before t. The
// current deployment is never removed since it is in progress.
func (s *SQLiteDatabase) DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, finished_at FROM deployments
		WHERE status != 'in_progress' AND finished_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("finding expired deployments: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		var finished time.Time
		if err := rows.Scan(&id, &finished); err != nil {
			rows.Close()
			return 0, err
		}
		if finished.Before(t) {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	for _, id := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("deleting deployment %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int64(len(expired)), nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

var _ ckpt.DeploymentStore = (*SQLiteDatabase)(nil)
