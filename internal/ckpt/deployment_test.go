package ckpt_test

import (
	"errors"
	"testing"
	"time"

	"ckpt-go/internal/ckpt"
)

func TestDeployment_Lifecycle(t *testing.T) {
	h := newHarness(t)

	rec, err := h.tracker.Track(h.ctx, "deploy-1", ckpt.DeploymentMeta{Environment: "prod", Version: "1.4.0"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ckpt.DeploymentInProgress || rec.Success != nil {
		t.Errorf("tracked record = %+v", rec)
	}
	cur, err := h.tracker.Current(h.ctx)
	if err != nil || cur.ID != "deploy-1" {
		t.Fatalf("Current() = %+v, %v", cur, err)
	}

	h.clock.Advance(time.Minute)
	if err := h.tracker.MarkSuccess(h.ctx, "deploy-1"); err != nil {
		t.Fatal(err)
	}
	got, err := h.tracker.Status(h.ctx, "deploy-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ckpt.DeploymentCompleted || got.SuccessLabel() != "true" || got.FinishedAt == nil {
		t.Errorf("after success = %+v", got)
	}
	if _, err := h.tracker.Current(h.ctx); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("Current() after success error = %v, want ErrNotFound", err)
	}

	if err := h.tracker.MarkSuccess(h.ctx, "deploy-1"); !errors.Is(err, ckpt.ErrAlreadyTerminal) {
		t.Errorf("second MarkSuccess() error = %v, want ErrAlreadyTerminal", err)
	}
	if _, err := h.tracker.MarkFailure(h.ctx, "deploy-1", "late", ckpt.MarkFailureOptions{}); !errors.Is(err, ckpt.ErrAlreadyTerminal) {
		t.Errorf("MarkFailure() after success error = %v, want ErrAlreadyTerminal", err)
	}
	if got, _ := h.tracker.Status(h.ctx, "deploy-1"); got.Status != ckpt.DeploymentCompleted {
		t.Errorf("rejected mark changed status to %s", got.Status)
	}
}

func TestDeployment_TrackErrors(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tracker.Track(h.ctx, "", ckpt.DeploymentMeta{}); !errors.Is(err, ckpt.ErrPrecondition) {
		t.Errorf("Track(empty) error = %v, want ErrPrecondition", err)
	}
	if _, err := h.tracker.Track(h.ctx, "d", ckpt.DeploymentMeta{CheckpointID: "absent"}); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("Track(unknown checkpoint) error = %v, want ErrNotFound", err)
	}
	if _, err := h.tracker.Track(h.ctx, "d", ckpt.DeploymentMeta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tracker.Track(h.ctx, "d", ckpt.DeploymentMeta{}); !errors.Is(err, ckpt.ErrAlreadyExists) {
		t.Errorf("Track(duplicate) error = %v, want ErrAlreadyExists", err)
	}
	if _, err := h.tracker.Status(h.ctx, "nobody"); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("Status(unknown) error = %v, want ErrNotFound", err)
	}
	if err := h.tracker.MarkSuccess(h.ctx, "nobody"); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("MarkSuccess(unknown) error = %v, want ErrNotFound", err)
	}
}

// A failed deployment rolls back to the checkpoint it was tracked with.
func TestDeployment_FailureRollsBackAssociatedCheckpoint(t *testing.T) {
	h := newHarness(t)
	cp := h.create("pre-deploy")

	rec, err := h.tracker.Track(h.ctx, "deploy-7", ckpt.DeploymentMeta{Version: "2.0.0", CheckpointID: "pre-deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.CheckpointID != cp.ID {
		t.Errorf("CheckpointID = %s, want name resolved to %s", rec.CheckpointID, cp.ID)
	}
	h.create("mid-deploy")
	h.breakLive()

	rb, err := h.tracker.MarkFailure(h.ctx, "deploy-7", "smoke tests failed", ckpt.MarkFailureOptions{})
	if err != nil {
		t.Fatalf("MarkFailure() error = %v", err)
	}
	if rb == nil || rb.CheckpointID != cp.ID || rb.DeploymentID != "deploy-7" {
		t.Fatalf("rollback = %+v, want %s", rb, cp.ID)
	}
	if got := h.readLive("etc/consul.d/server.hcl"); got != "server = true\n" {
		t.Errorf("config after rollback = %q", got)
	}

	got, err := h.tracker.Status(h.ctx, "deploy-7")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ckpt.DeploymentFailed || got.FailureReason != "smoke tests failed" || got.SuccessLabel() != "false" {
		t.Errorf("record = %+v", got)
	}
	if got.RollbackCheckpointID != cp.ID || got.RollbackOutcome != string(ckpt.PhaseDone) {
		t.Errorf("rollback recorded as %s/%s", got.RollbackCheckpointID, got.RollbackOutcome)
	}
}

func TestDeployment_RollbackTargetFallback(t *testing.T) {
	t.Run("unlinked failure takes the newest, not the last known good", func(t *testing.T) {
		h := newHarness(t)
		good := h.create("good")
		if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{CheckpointID: good.ID}); err != nil {
			t.Fatal(err)
		}
		if err := h.tracker.MarkSuccess(h.ctx, "d1"); err != nil {
			t.Fatal(err)
		}
		preDeploy := h.create("pre-deploy")

		if _, err := h.tracker.Track(h.ctx, "d2", ckpt.DeploymentMeta{}); err != nil {
			t.Fatal(err)
		}
		rb, err := h.tracker.MarkFailure(h.ctx, "d2", "boom", ckpt.MarkFailureOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if rb.CheckpointID != preDeploy.ID {
			t.Errorf("rolled back to %s, want most recent %s", rb.CheckpointID, preDeploy.ID)
		}
	})

	t.Run("last known good without a deployment", func(t *testing.T) {
		h := newHarness(t)
		good := h.create("good")
		if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{CheckpointID: good.ID}); err != nil {
			t.Fatal(err)
		}
		if err := h.tracker.MarkSuccess(h.ctx, "d1"); err != nil {
			t.Fatal(err)
		}
		h.create("later")

		rb, err := h.tracker.RollbackLastKnownGood(h.ctx, "operator request")
		if err != nil {
			t.Fatal(err)
		}
		if rb.CheckpointID != good.ID {
			t.Errorf("rolled back to %s, want last known good %s", rb.CheckpointID, good.ID)
		}
	})

	t.Run("newest checkpoint", func(t *testing.T) {
		h := newHarness(t)
		h.create("older")
		newest := h.create("newer")

		if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{}); err != nil {
			t.Fatal(err)
		}
		rb, err := h.tracker.MarkFailure(h.ctx, "d1", "boom", ckpt.MarkFailureOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if rb.CheckpointID != newest.ID {
			t.Errorf("rolled back to %s, want newest %s", rb.CheckpointID, newest.ID)
		}
	})

	t.Run("associated checkpoint deleted", func(t *testing.T) {
		h := newHarness(t)
		gone := h.create("gone")
		kept := h.create("kept")
		if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{CheckpointID: gone.ID}); err != nil {
			t.Fatal(err)
		}
		if err := h.store.Delete(h.ctx, gone.ID); err != nil {
			t.Fatal(err)
		}
		rb, err := h.tracker.MarkFailure(h.ctx, "d1", "boom", ckpt.MarkFailureOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if rb.CheckpointID != kept.ID {
			t.Errorf("rolled back to %s, want %s", rb.CheckpointID, kept.ID)
		}
	})
}

func TestDeployment_NoCheckpointToRollBackTo(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{}); err != nil {
		t.Fatal(err)
	}
	_, err := h.tracker.MarkFailure(h.ctx, "d1", "boom", ckpt.MarkFailureOptions{})
	if !errors.Is(err, ckpt.ErrNotFound) {
		t.Fatalf("MarkFailure() error = %v, want ErrNotFound", err)
	}
	rec, err := h.tracker.Status(h.ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ckpt.DeploymentFailed {
		t.Errorf("failure not recorded: %s", rec.Status)
	}
	if rec.RollbackOutcome != "no_checkpoint" {
		t.Errorf("RollbackOutcome = %q, want no_checkpoint", rec.RollbackOutcome)
	}
}

func TestDeployment_RollbackSuppressed(t *testing.T) {
	tests := []struct {
		name string
		auto bool
		opts ckpt.MarkFailureOptions
		want bool
	}{
		{"no-rollback flag", true, ckpt.MarkFailureOptions{NoRollback: true}, false},
		{"auto rollback disabled", false, ckpt.MarkFailureOptions{}, false},
		{"forced while disabled", false, ckpt.MarkFailureOptions{ForceRollback: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, withAutoRollback(tt.auto))
			h.create("base")
			if _, err := h.tracker.Track(h.ctx, "d1", ckpt.DeploymentMeta{}); err != nil {
				t.Fatal(err)
			}
			h.sup.Reset()
			rb, err := h.tracker.MarkFailure(h.ctx, "d1", "boom", tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if got := rb != nil; got != tt.want {
				t.Errorf("rolled back = %t, want %t", got, tt.want)
			}
			if !tt.want && len(h.sup.Calls()) != 0 {
				t.Errorf("supervisor touched without rollback: %v", h.sup.Calls())
			}
		})
	}
}

func TestDeployment_HistoryAndCleanup(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.tracker.Track(h.ctx, id, ckpt.DeploymentMeta{}); err != nil {
			t.Fatal(err)
		}
		h.clock.Advance(time.Hour)
	}
	if err := h.tracker.MarkSuccess(h.ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.tracker.MarkFailure(h.ctx, "b", "x", ckpt.MarkFailureOptions{NoRollback: true}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for rec, err := range h.tracker.History(h.ctx) {
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[2] != "a" {
		t.Errorf("History() = %v, want newest first", ids)
	}

	last, err := h.tracker.LastSuccessful(h.ctx)
	if err != nil || last.ID != "a" {
		t.Errorf("LastSuccessful() = %+v, %v", last, err)
	}

	h.clock.Advance(31 * 24 * time.Hour)
	n, err := h.tracker.CleanupHistory(h.ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CleanupHistory() removed %d, want the 2 finished records", n)
	}
	if _, err := h.tracker.Status(h.ctx, "c"); err != nil {
		t.Errorf("in-progress record pruned: %v", err)
	}
	if _, err := h.tracker.CleanupHistory(h.ctx, -1); err == nil {
		t.Error("CleanupHistory(-1) accepted a negative retention")
	}
}
