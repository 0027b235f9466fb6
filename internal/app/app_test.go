package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.NewConfig("test-host", base)

	etc := filepath.Join(base, "etc", "consul.d")
	if err := os.MkdirAll(etc, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(etc, "server.hcl"), []byte("server = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg.Services.Names = nil
	cfg.Capture.Config.Paths = []string{etc}
	cfg.Capture.Data.Enabled = false
	cfg.Capture.Docker.Enabled = false
	cfg.Capture.Network.Enabled = false
	cfg.Capture.Network.FirewallBackend = "none"
	cfg.Health.Endpoints = nil
	cfg.Deployment.AutoRollback = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, operation string) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, operation, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestApp_CheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a := newTestApp(t, cfg, "checkpoint.create")

	res, err := a.CreateCheckpoint(ctx, "pre-upgrade", false)
	if err != nil {
		t.Fatalf("CreateCheckpoint() error = %v", err)
	}
	if res.Path == "" {
		t.Fatal("CreateCheckpoint() returned no path")
	}

	list, err := a.ListCheckpoints()
	if err != nil {
		t.Fatalf("ListCheckpoints() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != res.ID {
		t.Fatalf("ListCheckpoints() = %+v, want one entry %s", list, res.ID)
	}

	report, err := a.VerifyCheckpoint(ctx, res.ID)
	if err != nil {
		t.Fatalf("VerifyCheckpoint() error = %v", err)
	}
	if !report.OK {
		t.Errorf("VerifyCheckpoint() findings = %v", report.Findings)
	}

	if err := a.DeleteCheckpoint(ctx, res.ID); err != nil {
		t.Fatalf("DeleteCheckpoint() error = %v", err)
	}
	if _, err := a.ShowCheckpoint(ctx, res.ID); !errors.Is(err, ckpt.ErrNotFound) {
		t.Errorf("ShowCheckpoint() after delete error = %v, want ErrNotFound", err)
	}
}

func TestApp_DryRunIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), "checkpoint.create")

	res, err := a.CreateCheckpoint(ctx, "preview", true)
	if err != nil {
		t.Fatalf("CreateCheckpoint(dry run) error = %v", err)
	}
	if !res.DryRun {
		t.Error("result not marked as dry run")
	}
	if a.op.Persisted() {
		t.Error("dry run persisted an operation")
	}
	list, err := a.ListCheckpoints()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("dry run created %d checkpoints", len(list))
	}
}

func TestApp_OperationHistory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a := newTestApp(t, cfg, "deployment.track")
	if _, err := a.TrackDeployment(ctx, "deploy-1", ckpt.DeploymentMeta{Environment: "prod", Version: "1.2.0"}); err != nil {
		t.Fatalf("TrackDeployment() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	b := newTestApp(t, cfg, "history")
	ops, err := b.History(ctx, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("History() returned %d operations, want 1", len(ops))
	}
	if ops[0].Operation != "deployment.track" || ops[0].Status != "success" || ops[0].FinishedAt == nil {
		t.Errorf("History()[0] = %+v", ops[0])
	}
}

func TestApp_DeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t), "deployment.track")

	if _, err := a.TrackDeployment(ctx, "deploy-1", ckpt.DeploymentMeta{Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	cur, err := a.CurrentDeployment(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.ID != "deploy-1" {
		t.Fatalf("CurrentDeployment() = %+v, want deploy-1", cur)
	}
	if err := a.MarkSuccess(ctx, "deploy-1"); err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	rec, err := a.DeploymentStatus(ctx, "deploy-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != ckpt.DeploymentCompleted {
		t.Errorf("status = %s, want %s", rec.Status, ckpt.DeploymentCompleted)
	}
	if cur, _ := a.CurrentDeployment(ctx); cur != nil {
		t.Errorf("current deployment still set to %s", cur.ID)
	}

	if _, err := a.TrackDeployment(ctx, "deploy-2", ckpt.DeploymentMeta{}); err != nil {
		t.Fatal(err)
	}
	list, err := a.ListDeployments(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "deploy-2" {
		t.Errorf("ListDeployments(1) = %+v, want deploy-2 only", list)
	}
}

func TestApp_CheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Health.Endpoints = []config.EndpointConfig{{Name: "api", URL: srv.URL, Weight: 1}}
	a := newTestApp(t, cfg, "health.check")

	report := a.CheckHealth(context.Background())
	if report.Score != 100 || report.State != ckpt.HealthHealthy {
		t.Errorf("CheckHealth() = %d %s, want 100 healthy", report.Score, report.State)
	}

	status, err := a.HealthStatus()
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != ckpt.HealthUnknown {
		t.Errorf("HealthStatus() = %s before any monitor run, want unknown", status.Status)
	}
}

func TestNew_RejectsBadLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "loud"
	if _, err := New(context.Background(), cfg, "x", Options{}); err == nil {
		t.Fatal("New() accepted an unknown log level")
	}
}
