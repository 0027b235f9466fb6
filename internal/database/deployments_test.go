package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"ckpt-go/internal/ckpt"
)

func openTestDatabase(t *testing.T) *SQLiteDatabase {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRecord(id string, started time.Time) *ckpt.DeploymentRecord {
	return &ckpt.DeploymentRecord{
		ID:           id,
		Status:       ckpt.DeploymentInProgress,
		StartedAt:    started,
		Environment:  "prod",
		Version:      "1.0.0",
		CheckpointID: "pre-" + id,
	}
}

func TestCreateAndFindDeployment(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	if err := db.CreateDeployment(ctx, newRecord("d1", base)); err != nil {
		t.Fatalf("CreateDeployment() error = %v", err)
	}
	err := db.CreateDeployment(ctx, newRecord("d1", base))
	if !errors.Is(err, ckpt.ErrAlreadyExists) {
		t.Errorf("duplicate CreateDeployment() error = %v, want ErrAlreadyExists", err)
	}

	got, err := db.FindDeployment(ctx, "d1")
	if err != nil {
		t.Fatalf("FindDeployment() error = %v", err)
	}
	if got == nil {
		t.Fatal("FindDeployment() = nil")
	}
	if got.Status != ckpt.DeploymentInProgress || got.Success != nil || got.FinishedAt != nil {
		t.Errorf("new record = %+v, want in_progress without outcome", got)
	}
	if !got.StartedAt.Equal(base) || got.CheckpointID != "pre-d1" || got.Version != "1.0.0" {
		t.Errorf("record fields not preserved: %+v", got)
	}

	missing, err := db.FindDeployment(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("FindDeployment(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestFinishDeployment(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	if err := db.CreateDeployment(ctx, newRecord("d1", base)); err != nil {
		t.Fatal(err)
	}

	if err := db.FinishDeployment(ctx, "d1", false, "smoke test failed", base.Add(time.Minute)); err != nil {
		t.Fatalf("FinishDeployment() error = %v", err)
	}
	got, _ := db.FindDeployment(ctx, "d1")
	if got.Status != ckpt.DeploymentFailed || got.Success == nil || *got.Success {
		t.Errorf("finished record = %+v, want failed", got)
	}
	if got.FailureReason != "smoke test failed" || got.FinishedAt == nil {
		t.Errorf("finished record = %+v, want reason and finish time", got)
	}

	err := db.FinishDeployment(ctx, "d1", true, "", base.Add(2*time.Minute))
	if !errors.Is(err, ckpt.ErrAlreadyTerminal) {
		t.Errorf("second FinishDeployment() error = %v, want ErrAlreadyTerminal", err)
	}
	got, _ = db.FindDeployment(ctx, "d1")
	if got.Status != ckpt.DeploymentFailed {
		t.Errorf("status changed to %s after rejected mark", got.Status)
	}

	if err := db.FinishDeployment(ctx, "nope", true, "", base); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("FinishDeployment(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCurrentDeployment(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	cur, err := db.CurrentDeployment(ctx)
	if err != nil || cur != nil {
		t.Fatalf("CurrentDeployment() on empty db = %v, %v", cur, err)
	}

	for _, id := range []string{"d1", "d2"} {
		if err := db.CreateDeployment(ctx, newRecord(id, base)); err != nil {
			t.Fatal(err)
		}
		if err := db.SetCurrent(ctx, id); err != nil {
			t.Fatalf("SetCurrent(%s) error = %v", id, err)
		}
	}
	cur, err = db.CurrentDeployment(ctx)
	if err != nil || cur == nil || cur.ID != "d2" {
		t.Fatalf("CurrentDeployment() = %v, %v; want d2", cur, err)
	}

	// Clearing a deployment that is not current leaves the pointer alone.
	if err := db.ClearCurrent(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if cur, _ = db.CurrentDeployment(ctx); cur == nil || cur.ID != "d2" {
		t.Errorf("ClearCurrent(d1) dropped the pointer to d2")
	}
	if err := db.ClearCurrent(ctx, "d2"); err != nil {
		t.Fatal(err)
	}
	if cur, _ = db.CurrentDeployment(ctx); cur != nil {
		t.Errorf("CurrentDeployment() after clear = %v, want nil", cur)
	}
}

func TestLastSuccessfulAndHistory(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	tests := []struct {
		id      string
		success bool
	}{
		{"d1", true},
		{"d2", true},
		{"d3", false},
	}
	for i, tt := range tests {
		started := base.Add(time.Duration(i) * time.Hour)
		if err := db.CreateDeployment(ctx, newRecord(tt.id, started)); err != nil {
			t.Fatal(err)
		}
		if err := db.FinishDeployment(ctx, tt.id, tt.success, "", started.Add(time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	last, err := db.LastSuccessful(ctx)
	if err != nil || last == nil || last.ID != "d2" {
		t.Fatalf("LastSuccessful() = %v, %v; want d2", last, err)
	}

	var ids []string
	for rec, err := range db.Deployments(ctx) {
		if err != nil {
			t.Fatalf("Deployments() error = %v", err)
		}
		ids = append(ids, rec.ID)
	}
	want := []string{"d3", "d2", "d1"}
	if len(ids) != len(want) {
		t.Fatalf("Deployments() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Deployments()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}

func TestRecordRollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	if err := db.CreateDeployment(ctx, newRecord("d1", base)); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordRollback(ctx, "d1", "pre-d1", "done"); err != nil {
		t.Fatalf("RecordRollback() error = %v", err)
	}
	got, _ := db.FindDeployment(ctx, "d1")
	if got.RollbackCheckpointID != "pre-d1" || got.RollbackOutcome != "done" {
		t.Errorf("rollback not recorded: %+v", got)
	}
	if err := db.RecordRollback(ctx, "nope", "x", "done"); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("RecordRollback(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteFinishedBefore(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	if err := db.CreateDeployment(ctx, newRecord("old", base)); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishDeployment(ctx, "old", true, "", base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDeployment(ctx, newRecord("recent", base.Add(48*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := db.FinishDeployment(ctx, "recent", true, "", base.Add(49*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := db.CreateDeployment(ctx, newRecord("running", base)); err != nil {
		t.Fatal(err)
	}

	n, err := db.DeleteFinishedBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinishedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteFinishedBefore() = %d, want 1", n)
	}
	for id, want := range map[string]bool{"old": false, "recent": true, "running": true} {
		rec, _ := db.FindDeployment(ctx, id)
		if (rec != nil) != want {
			t.Errorf("deployment %s present = %v, want %v", id, rec != nil, want)
		}
	}
}

func TestOperations(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	id, err := db.CreateOperation(ctx, "create", `{"name":"nightly"}`, base)
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if err := db.FinishOperation(ctx, id, "success", base.Add(time.Second)); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}
	if _, err := db.CreateOperation(ctx, "restore", "", base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	ops, err := db.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ListOperations() returned %d, want 2", len(ops))
	}
	if ops[0].Operation != "restore" || ops[0].Status != "running" || ops[0].FinishedAt != nil {
		t.Errorf("newest operation = %+v", ops[0])
	}
	if ops[1].Status != "success" || ops[1].FinishedAt == nil {
		t.Errorf("finished operation = %+v", ops[1])
	}
}
