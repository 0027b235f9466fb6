package ckpt

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// DeploymentStatus is the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s DeploymentStatus) Terminal() bool {
	return s == DeploymentCompleted || s == DeploymentFailed
}

// DeploymentRecord is one tracked deployment attempt.
type DeploymentRecord struct {
	ID     string           `json:"id" yaml:"id"`
	Status DeploymentStatus `json:"status" yaml:"status"`
	// Success is nil while the outcome is unknown.
	Success              *bool      `json:"success" yaml:"success"`
	StartedAt            time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Environment          string     `json:"environment,omitempty" yaml:"environment,omitempty"`
	Version              string     `json:"version,omitempty" yaml:"version,omitempty"`
	CheckpointID         string     `json:"checkpoint_id,omitempty" yaml:"checkpoint_id,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
	RollbackCheckpointID string     `json:"rollback_checkpoint_id,omitempty" yaml:"rollback_checkpoint_id,omitempty"`
	RollbackOutcome      string     `json:"rollback_outcome,omitempty" yaml:"rollback_outcome,omitempty"`
}

// SuccessLabel renders the tri-state success flag.
func (r *DeploymentRecord) SuccessLabel() string {
	switch {
	case r.Success == nil:
		return "unknown"
	case *r.Success:
		return "true"
	default:
		return "false"
	}
}

// DeploymentMeta is supplied when a deployment is tracked.
type DeploymentMeta struct {
	Environment  string
	Version      string
	CheckpointID string
}

// CheckpointCatalog resolves rollback targets.
type CheckpointCatalog interface {
	Resolve(ctx context.Context, ref string) (CheckpointInfo, error)
	Newest(ctx context.Context) (CheckpointInfo, error)
}

// RollbackRunner performs the restore of a rollback.
type RollbackRunner interface {
	Restore(ctx context.Context, ref string, opts RestoreOptions) (*RestoreResult, error)
}

// RollbackResult describes one automatic or manual rollback.
type RollbackResult struct {
	DeploymentID string         `json:"deployment_id,omitempty" yaml:"deployment_id,omitempty"`
	CheckpointID string         `json:"checkpoint_id" yaml:"checkpoint_id"`
	Restore      *RestoreResult `json:"restore,omitempty" yaml:"restore,omitempty"`
}

// Rollback outcomes recorded on the deployment.
const (
	rollbackNoCheckpoint = "no_checkpoint"
	rollbackFailed       = "failed"
)

// TrackerOptions configures a DeploymentTracker.
type TrackerOptions struct {
	// AutoRollback restores a checkpoint when a deployment is marked failed.
	AutoRollback bool
	Lock         Locker
	Logger       Logger
	Clock        Clock
}

// DeploymentTracker owns the deployment history.
type DeploymentTracker struct {
	store    DeploymentStore
	catalog  CheckpointCatalog
	restorer RollbackRunner
	opts     TrackerOptions
}

func NewDeploymentTracker(store DeploymentStore, catalog CheckpointCatalog, restorer RollbackRunner, opts TrackerOptions) *DeploymentTracker {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &DeploymentTracker{store: store, catalog: catalog, restorer: restorer, opts: opts}
}

func (t *DeploymentTracker) locked(ctx context.Context, fn func() error) error {
	if t.opts.Lock == nil {
		return fn()
	}
	release, err := t.opts.Lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()
	return fn()
}

// Track records a new in-progress deployment and makes it current.
func (t *DeploymentTracker) Track(ctx context.Context, id string, meta DeploymentMeta) (*DeploymentRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: deployment id is empty", ErrPrecondition)
	}
	if meta.CheckpointID != "" {
		info, err := t.catalog.Resolve(ctx, meta.CheckpointID)
		if err != nil {
			return nil, fmt.Errorf("associated checkpoint: %w", err)
		}
		meta.CheckpointID = info.ID
	}
	rec := &DeploymentRecord{
		ID:           id,
		Status:       DeploymentInProgress,
		StartedAt:    t.opts.Clock.Now().UTC(),
		Environment:  meta.Environment,
		Version:      meta.Version,
		CheckpointID: meta.CheckpointID,
	}
	err := t.locked(ctx, func() error {
		if err := t.store.CreateDeployment(ctx, rec); err != nil {
			return err
		}
		return t.store.SetCurrent(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	t.opts.Logger.Info("tracking deployment", "id", id, "env", meta.Environment, "checkpoint", meta.CheckpointID)
	return rec, nil
}

// MarkSuccess completes a deployment. A second terminal mark returns
// ErrAlreadyTerminal.
func (t *DeploymentTracker) MarkSuccess(ctx context.Context, id string) error {
	err := t.locked(ctx, func() error {
		if err := t.store.FinishDeployment(ctx, id, true, "", t.opts.Clock.Now().UTC()); err != nil {
			return err
		}
		return t.store.ClearCurrent(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("deployment %s: %w", id, err)
	}
	t.opts.Logger.Info("deployment succeeded", "id", id)
	return nil
}

// MarkFailureOptions controls MarkFailure.
type MarkFailureOptions struct {
	// NoRollback suppresses the automatic rollback for this call.
	NoRollback bool
	// ForceRollback rolls back even when automatic rollback is disabled.
	ForceRollback bool
}

// MarkFailure fails a deployment and, when enabled, rolls back. The
// returned result is nil when no rollback was attempted. A rollback error
// is returned alongside the (already recorded) failure.
func (t *DeploymentTracker) MarkFailure(ctx context.Context, id, reason string, opts MarkFailureOptions) (*RollbackResult, error) {
	var rec *DeploymentRecord
	err := t.locked(ctx, func() error {
		if err := t.store.FinishDeployment(ctx, id, false, reason, t.opts.Clock.Now().UTC()); err != nil {
			return err
		}
		if err := t.store.ClearCurrent(ctx, id); err != nil {
			return err
		}
		var err error
		rec, err = t.store.FindDeployment(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("deployment %s: %w", id, err)
	}
	t.opts.Logger.Warn("deployment failed", "id", id, "reason", reason)

	rollback := (t.opts.AutoRollback || opts.ForceRollback) && !opts.NoRollback
	if !rollback {
		return nil, nil
	}
	target, err := t.rollbackTarget(ctx, rec)
	if err != nil {
		t.record(ctx, id, "", rollbackNoCheckpoint)
		return nil, fmt.Errorf("rollback of deployment %s: %w", id, err)
	}
	res, err := t.rollbackTo(ctx, target)
	res.DeploymentID = id
	outcome := rollbackFailed
	if res.Restore != nil && err == nil {
		outcome = string(res.Restore.Outcome)
	}
	t.record(ctx, id, target, outcome)
	if err != nil {
		return res, fmt.Errorf("rollback of deployment %s: %w", id, err)
	}
	return res, nil
}

func (t *DeploymentTracker) record(ctx context.Context, id, checkpointID, outcome string) {
	err := t.locked(ctx, func() error {
		return t.store.RecordRollback(ctx, id, checkpointID, outcome)
	})
	if err != nil {
		t.opts.Logger.Error("recording rollback outcome failed", "id", id, "err", err)
	}
}

// rollbackTarget picks the checkpoint associated with rec, else the newest
// checkpoint.
func (t *DeploymentTracker) rollbackTarget(ctx context.Context, rec *DeploymentRecord) (string, error) {
	if rec != nil && rec.CheckpointID != "" {
		info, err := t.catalog.Resolve(ctx, rec.CheckpointID)
		if err == nil {
			return info.ID, nil
		}
		t.opts.Logger.Warn("associated checkpoint unavailable", "checkpoint", rec.CheckpointID, "err", err)
	}
	return t.newest(ctx)
}

// lastKnownGoodTarget picks the checkpoint of the last successful
// deployment, else the newest checkpoint.
func (t *DeploymentTracker) lastKnownGoodTarget(ctx context.Context) (string, error) {
	last, err := t.store.LastSuccessful(ctx)
	if err != nil {
		return "", err
	}
	if last != nil && last.CheckpointID != "" {
		info, err := t.catalog.Resolve(ctx, last.CheckpointID)
		if err == nil {
			return info.ID, nil
		}
		t.opts.Logger.Warn("last known good checkpoint unavailable", "checkpoint", last.CheckpointID, "err", err)
	}
	return t.newest(ctx)
}

func (t *DeploymentTracker) newest(ctx context.Context) (string, error) {
	info, err := t.catalog.Newest(ctx)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (t *DeploymentTracker) rollbackTo(ctx context.Context, checkpointID string) (*RollbackResult, error) {
	t.opts.Logger.Warn("rolling back", "checkpoint", checkpointID)
	res := &RollbackResult{CheckpointID: checkpointID}
	restored, err := t.restorer.Restore(ctx, checkpointID, RestoreOptions{})
	res.Restore = restored
	return res, err
}

// RollbackLastKnownGood restores the checkpoint of the last successful
// deployment, or the newest checkpoint when there is none.
func (t *DeploymentTracker) RollbackLastKnownGood(ctx context.Context, reason string) (*RollbackResult, error) {
	t.opts.Logger.Warn("rollback requested", "reason", reason)
	target, err := t.lastKnownGoodTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	return t.rollbackTo(ctx, target)
}

// HandleUnhealthy is the failure path used by the health monitor: the
// current in-progress deployment is failed and rolled back; without one the
// last known good checkpoint is restored.
func (t *DeploymentTracker) HandleUnhealthy(ctx context.Context, reason string) (*RollbackResult, error) {
	cur, err := t.store.CurrentDeployment(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Status == DeploymentInProgress {
		return t.MarkFailure(ctx, cur.ID, reason, MarkFailureOptions{ForceRollback: true})
	}
	return t.RollbackLastKnownGood(ctx, reason)
}

// Status returns one deployment record.
func (t *DeploymentTracker) Status(ctx context.Context, id string) (*DeploymentRecord, error) {
	rec, err := t.store.FindDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("deployment %q: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Current returns the current deployment or ErrNotFound.
func (t *DeploymentTracker) Current(ctx context.Context) (*DeploymentRecord, error) {
	rec, err := t.store.CurrentDeployment(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no current deployment: %w", ErrNotFound)
	}
	return rec, nil
}

// LastSuccessful returns the newest successful deployment or ErrNotFound.
func (t *DeploymentTracker) LastSuccessful(ctx context.Context) (*DeploymentRecord, error) {
	rec, err := t.store.LastSuccessful(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no successful deployment: %w", ErrNotFound)
	}
	return rec, nil
}

// History yields deployments newest first.
func (t *DeploymentTracker) History(ctx context.Context) iter.Seq2[*DeploymentRecord, error] {
	return t.store.Deployments(ctx)
}

// CleanupHistory prunes terminal records that finished more than
// retentionDays ago.
func (t *DeploymentTracker) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, errors.New("retention days must not be negative")
	}
	cutoff := t.opts.Clock.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	var n int64
	err := t.locked(ctx, func() error {
		var err error
		n, err = t.store.DeleteFinishedBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}
	t.opts.Logger.Info("pruned deployment history", "removed", n)
	return n, nil
}
