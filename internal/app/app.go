package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"ckpt-go/internal/archive"
	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/config"
	"ckpt-go/internal/database"
	"ckpt-go/internal/docker"
	"ckpt-go/internal/encryption"
	"ckpt-go/internal/fs"
	"ckpt-go/internal/hostexec"
	"ckpt-go/internal/liveness"
	"ckpt-go/internal/lock"
	"ckpt-go/internal/metrics"
	"ckpt-go/internal/mirror"
	"ckpt-go/internal/netinfo"
	"ckpt-go/internal/scratch"
	"ckpt-go/internal/statefile"
	"ckpt-go/internal/systemd"
)

// Version is stamped into checkpoint manifests.
var Version = "dev"

// Options adjusts how an App is built.
type Options struct {
	// Passphrase unlocks the private key of encrypted archives.
	Passphrase ckpt.PassphraseFunc
	// Stderr receives log output besides the log file. Nil keeps logs in
	// the file only.
	Stderr io.Writer
}

// App is the application layer between the CLI and the checkpoint,
// restore, deployment and health services. It constructs all dependencies
// from config and manages the database and log file lifecycle on Close.
type App struct {
	cfg      *config.Config
	db       *database.SQLiteDatabase
	scratch  *scratch.Area
	runtime  *docker.Runtime
	store    *ckpt.CheckpointService
	restorer *ckpt.Restorer
	tracker  *ckpt.DeploymentTracker
	scorer   *ckpt.Scorer
	health   *statefile.HealthFile
	logger   *slog.Logger
	log      ckpt.Logger
	clock    ckpt.Clock
	op       *Operation
	logFile  *os.File
}

// New creates a fully wired App from the given config. operation names
// the CLI command being run (e.g. "checkpoint.create"). The caller must
// call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts Options) (*App, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, level, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		log:     &slogAdapter{l: logger},
		clock:   ckpt.RealClock{},
		op:      NewOperation(operation, ""),
		logFile: logFile,
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	cfg := a.cfg
	timeout := config.Seconds(cfg.Services.CommandTimeoutSeconds, 30*time.Second)

	ignore := append(slices.Clone(fs.DefaultIgnorePatterns), cfg.Capture.Data.Ignore...)
	if cfg.Capture.Data.IgnoreFile != "" {
		extra, err := fs.ParseIgnoreFile(cfg.Capture.Data.IgnoreFile)
		if err != nil {
			return err
		}
		ignore = append(ignore, extra...)
	}
	fsmgr := fs.NewOSFilesystemManager(fs.NewIgnoreMatcher(ignore))

	db, err := database.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening deployment history: %w", err)
	}
	a.db = db

	runner := hostexec.ExecRunner{Timeout: timeout}
	supervisor := systemd.New(runner, true)

	var runtime ckpt.ContainerRuntime
	if cfg.Capture.Docker.Enabled {
		rt, err := docker.New(cfg.Capture.Docker.Host, cfg.Capture.Docker.HelperImage, a.log)
		if err != nil {
			return err
		}
		a.runtime = rt
		runtime = rt
	}

	firewall, err := netinfo.NewFirewall(cfg.Capture.Network.FirewallBackend, runner)
	if err != nil {
		return err
	}

	checker := liveness.New(liveness.Options{
		Timeout: config.Seconds(cfg.Health.CheckTimeoutSeconds, 5*time.Second),
		Retries: uint64(max(cfg.Health.CheckRetries, 0)),
	})
	endpoints := make([]ckpt.Endpoint, 0, len(cfg.Health.Endpoints))
	for _, e := range cfg.Health.Endpoints {
		endpoints = append(endpoints, ckpt.Endpoint{Name: e.Name, URL: e.URL, Service: e.Service, Weight: e.Weight})
	}
	a.scorer = ckpt.NewScorer(supervisor, checker, a.clock, ckpt.ScorerOptions{
		Services:      cfg.Services.Names,
		ServiceWeight: cfg.Health.ServiceWeight,
		Endpoints:     endpoints,
		Thresholds:    ckpt.Thresholds{Healthy: cfg.Health.HealthyThreshold, Degraded: cfg.Health.DegradedThreshold},
		Timeout:       timeout,
	})

	scratchDir := cfg.Checkpoint.Scratch.Dir
	if scratchDir == "" {
		scratchDir = filepath.Join(cfg.BaseDir, "scratch")
	}
	area, err := scratch.New(scratchDir, cfg.Checkpoint.Scratch.MaxSize, a.log)
	if err != nil {
		return err
	}
	a.scratch = area

	var enc ckpt.Encryptor
	if cfg.Checkpoint.Encryption.Enabled {
		enc, err = encryption.New(cfg.Checkpoint.Encryption.Type, encryption.KeyPaths{
			Public:  cfg.Checkpoint.Encryption.PublicKeyPath,
			Private: cfg.Checkpoint.Encryption.PrivateKeyPath,
		})
		if err != nil {
			return fmt.Errorf("creating encryptor: %w", err)
		}
	}

	mirrors, err := mirror.NewAll(ctx, cfg.Mirrors)
	if err != nil {
		return fmt.Errorf("creating mirrors: %w", err)
	}

	capturers := []ckpt.Capturer{ckpt.NewServiceCapturer(supervisor)}
	if cfg.Capture.Config.Enabled {
		capturers = append(capturers, ckpt.NewConfigCapturer())
	}
	if cfg.Capture.Data.Enabled {
		capturers = append(capturers, ckpt.NewDataCapturer())
	}
	if cfg.Capture.Docker.Enabled {
		capturers = append(capturers, ckpt.NewContainerCapturer(runtime))
	}
	if cfg.Capture.Network.Enabled {
		capturers = append(capturers, ckpt.NewNetworkCapturer(netinfo.NewInspector(runner), firewall))
	}

	a.store = ckpt.NewCheckpointService(ckpt.StoreOptions{
		Dir:       cfg.Checkpoint.Dir,
		Capturers: capturers,
		Targets: ckpt.Targets{
			Services:    cfg.Services.Names,
			ConfigPaths: cfg.Capture.Config.Paths,
			DataPaths:   cfg.Capture.Data.Paths,
			Volumes:     ckpt.NewVolumeSelector(cfg.Capture.Docker.Volumes, cfg.Capture.Docker.VolumeSubstrings),
		},
		FS:         fsmgr,
		Archiver:   archive.New(cfg.Checkpoint.CompressLevel),
		Compress:   cfg.Checkpoint.Compress,
		Encryptor:  enc,
		Passphrase: opts.Passphrase,
		Scratch:    area,
		Mirrors:    mirrors,
		Lock:       lock.New(filepath.Join(cfg.Checkpoint.Dir, ".lock")),
		Health:     a.scorer,
		Facts:      hostFacts,
		Timeout:    timeout,
		Logger:     a.log,
		Clock:      a.clock,
	})

	a.restorer = ckpt.NewRestorer(a.store, ckpt.RestorerOptions{
		Supervisor:      supervisor,
		Runtime:         runtime,
		Firewall:        firewall,
		RestoreFirewall: cfg.Capture.Network.RestoreFirewall,
		Liveness:        checker,
		Endpoints:       endpoints,
		Settle:          config.Seconds(cfg.Services.SettleSeconds, 5*time.Second),
		Stabilize:       config.Seconds(cfg.Services.StabilizeSeconds, 10*time.Second),
		Timeout:         timeout,
		FS:              fsmgr,
		Logger:          a.log,
		Clock:           a.clock,
		IDs:             ckpt.UUIDGenerator{},
	})

	a.tracker = ckpt.NewDeploymentTracker(db, a.store, a.restorer, ckpt.TrackerOptions{
		AutoRollback: cfg.Deployment.AutoRollback,
		Lock:         lock.New(historyLockPath(cfg)),
		Logger:       a.log,
		Clock:        a.clock,
	})

	a.health = statefile.NewHealthFile(healthPath(cfg))
	return nil
}

func historyLockPath(cfg *config.Config) string {
	if cfg.Database.Type == "memory" || cfg.Database.Path == "" {
		return filepath.Join(cfg.BaseDir, "deployments.lock")
	}
	return cfg.Database.Path + ".lock"
}

func healthPath(cfg *config.Config) string {
	if cfg.Health.StatusFile != "" {
		return cfg.Health.StatusFile
	}
	return filepath.Join(cfg.BaseDir, "health.json")
}

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the structured logger of this operation.
func (a *App) Logger() *slog.Logger { return a.logger }

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only mutating commands call it.
func (a *App) persistOperation(ctx context.Context, params any) error {
	if a.op.Persisted() {
		return nil
	}
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			a.op.Parameters = string(data)
		}
	}
	id, err := a.db.CreateOperation(ctx, a.op.Operation, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	return nil
}

// CreateCheckpoint captures the configured state under name.
func (a *App) CreateCheckpoint(ctx context.Context, name string, dryRun bool) (*ckpt.CreateResult, error) {
	if !dryRun {
		if err := a.persistOperation(ctx, map[string]any{"name": name}); err != nil {
			return nil, err
		}
	}
	res, err := a.store.Create(ctx, name, ckpt.CreateOptions{DryRun: dryRun})
	return res, a.op.Fail(err)
}

// RestoreCheckpoint restores a checkpoint id, or the newest checkpoint of a name.
func (a *App) RestoreCheckpoint(ctx context.Context, ref string, dryRun bool) (*ckpt.RestoreResult, error) {
	if !dryRun {
		if err := a.persistOperation(ctx, map[string]any{"checkpoint": ref}); err != nil {
			return nil, err
		}
	}
	res, err := a.restorer.Restore(ctx, ref, ckpt.RestoreOptions{DryRun: dryRun})
	if err == nil && res.Degraded() {
		a.op.Status = "degraded"
	}
	return res, a.op.Fail(err)
}

// ListCheckpoints returns all checkpoints, newest first.
func (a *App) ListCheckpoints() ([]ckpt.CheckpointInfo, error) {
	var out []ckpt.CheckpointInfo
	for info, err := range a.store.List() {
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *App) ShowCheckpoint(ctx context.Context, ref string) (*ckpt.CheckpointDetail, error) {
	return a.store.Show(ctx, ref)
}

func (a *App) VerifyCheckpoint(ctx context.Context, ref string) (*ckpt.VerifyReport, error) {
	return a.store.Verify(ctx, ref)
}

// CleanupCheckpoints removes checkpoints older than retentionDays; a
// negative value uses the configured retention. Stale scratch directories
// are swept too.
func (a *App) CleanupCheckpoints(ctx context.Context, retentionDays int) ([]string, error) {
	if retentionDays < 0 {
		retentionDays = a.cfg.Checkpoint.RetentionDays
	}
	if err := a.persistOperation(ctx, map[string]any{"retention_days": retentionDays}); err != nil {
		return nil, err
	}
	removed, err := a.store.Cleanup(ctx, retentionDays)
	if err != nil {
		return removed, a.op.Fail(err)
	}
	if n, err := a.scratch.Sweep(); err != nil {
		a.log.Warn("sweeping scratch area", "error", err)
	} else if n > 0 {
		a.log.Info("removed stale scratch directories", "count", n)
	}
	return removed, nil
}

func (a *App) DeleteCheckpoint(ctx context.Context, id string) error {
	if err := a.persistOperation(ctx, map[string]any{"id": id}); err != nil {
		return err
	}
	return a.op.Fail(a.store.Delete(ctx, id))
}

func (a *App) TrackDeployment(ctx context.Context, id string, meta ckpt.DeploymentMeta) (*ckpt.DeploymentRecord, error) {
	if err := a.persistOperation(ctx, map[string]any{"id": id, "env": meta.Environment, "version": meta.Version, "checkpoint": meta.CheckpointID}); err != nil {
		return nil, err
	}
	rec, err := a.tracker.Track(ctx, id, meta)
	return rec, a.op.Fail(err)
}

func (a *App) MarkSuccess(ctx context.Context, id string) error {
	if err := a.persistOperation(ctx, map[string]any{"id": id}); err != nil {
		return err
	}
	return a.op.Fail(a.tracker.MarkSuccess(ctx, id))
}

func (a *App) MarkFailure(ctx context.Context, id, reason string, noRollback bool) (*ckpt.RollbackResult, error) {
	if err := a.persistOperation(ctx, map[string]any{"id": id, "reason": reason, "no_rollback": noRollback}); err != nil {
		return nil, err
	}
	res, err := a.tracker.MarkFailure(ctx, id, reason, ckpt.MarkFailureOptions{NoRollback: noRollback})
	return res, a.op.Fail(err)
}

func (a *App) DeploymentStatus(ctx context.Context, id string) (*ckpt.DeploymentRecord, error) {
	return a.tracker.Status(ctx, id)
}

// CurrentDeployment returns nil when no deployment is in progress.
func (a *App) CurrentDeployment(ctx context.Context) (*ckpt.DeploymentRecord, error) {
	return a.db.CurrentDeployment(ctx)
}

// ListDeployments returns at most limit records newest first; limit <= 0
// returns all of them.
func (a *App) ListDeployments(ctx context.Context, limit int) ([]*ckpt.DeploymentRecord, error) {
	var out []*ckpt.DeploymentRecord
	for rec, err := range a.tracker.History(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (a *App) CleanupDeployments(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		retentionDays = a.cfg.Deployment.RetentionDays
	}
	if err := a.persistOperation(ctx, map[string]any{"retention_days": retentionDays}); err != nil {
		return 0, err
	}
	n, err := a.tracker.CleanupHistory(ctx, retentionDays)
	return n, a.op.Fail(err)
}

// CheckHealth runs one scoring pass without touching the stored status.
func (a *App) CheckHealth(ctx context.Context) ckpt.HealthReport {
	return a.scorer.Check(ctx)
}

// HealthStatus returns the stored status of the last monitor tick.
func (a *App) HealthStatus() (ckpt.HealthStatus, error) {
	return a.health.Load()
}

// MonitorParams overrides the configured monitor settings when non-zero.
type MonitorParams struct {
	Interval    time.Duration
	MaxFailures int
	MetricsAddr string
}

// Monitor polls health until ctx ends or the failure threshold triggers a
// rollback.
func (a *App) Monitor(ctx context.Context, p MonitorParams) (*ckpt.MonitorResult, error) {
	if p.Interval <= 0 {
		p.Interval = config.Seconds(a.cfg.Health.IntervalSeconds, 30*time.Second)
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = a.cfg.Health.MaxFailures
	}
	if p.MetricsAddr == "" && a.cfg.Health.Metrics.Enabled {
		p.MetricsAddr = a.cfg.Health.Metrics.Addr
	}
	if err := a.persistOperation(ctx, p); err != nil {
		return nil, err
	}

	opts := ckpt.MonitorOptions{Interval: p.Interval, MaxFailures: p.MaxFailures, Logger: a.log, Clock: a.clock}
	if p.MetricsAddr != "" {
		m := metrics.NewMonitor()
		srv, err := metrics.Listen(p.MetricsAddr, m)
		if err != nil {
			return nil, a.op.Fail(err)
		}
		serveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := srv.Serve(serveCtx); err != nil {
				a.log.Error("metrics server stopped", "error", err)
			}
		}()
		a.log.Info("serving metrics", "addr", srv.Addr())
		opts.Metrics = m
	}

	res, err := ckpt.NewMonitor(a.scorer, a.health, a.tracker, opts).Run(ctx)
	if err == nil && res.Triggered {
		a.op.Status = "rollback"
	}
	return res, a.op.Fail(err)
}

// History returns the most recent operations.
func (a *App) History(ctx context.Context, limit int) ([]database.Operation, error) {
	return a.db.ListOperations(ctx, limit)
}

// Close finalizes the operation and closes all resources.
func (a *App) Close() error {
	var firstErr error

	if a.db != nil {
		if a.op.Persisted() {
			if err := a.db.FinishOperation(context.Background(), a.op.ID, a.op.Status, a.clock.Now()); err != nil {
				firstErr = fmt.Errorf("finishing operation: %w", err)
			}
		}
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing docker client: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// InitKeys generates the archive encryption key pair, sealing the private
// key with passphrase.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.New(cfg.Checkpoint.Encryption.Type, encryption.KeyPaths{
		Public:  cfg.Checkpoint.Encryption.PublicKeyPath,
		Private: cfg.Checkpoint.Encryption.PrivateKeyPath,
	})
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}
