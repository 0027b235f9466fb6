package ckpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// RestorePhase is a state of one restore operation.
type RestorePhase string

const (
	PhaseStopping    RestorePhase = "stopping"
	PhaseRestoring   RestorePhase = "restoring"
	PhaseStabilizing RestorePhase = "stabilizing"
	PhaseVerifying   RestorePhase = "verifying"
	PhaseDone        RestorePhase = "done"
	PhaseDegraded    RestorePhase = "degraded"
)

// RestoreStep is one entry of the restore plan. A step with ContinueOnError
// logs its failure as a finding and lets the restore proceed; any other
// failing step aborts the restore.
type RestoreStep struct {
	Name            string       `json:"name" yaml:"name"`
	Phase           RestorePhase `json:"phase" yaml:"phase"`
	Category        Category     `json:"category,omitempty" yaml:"category,omitempty"`
	ContinueOnError bool         `json:"continue_on_error" yaml:"continue_on_error"`
}

// RestorePlan returns the fixed sequence of restore steps.
func RestorePlan() []RestoreStep {
	plan := []RestoreStep{{Name: "stop-services", Phase: PhaseStopping, Category: CategoryServices, ContinueOnError: true}}
	for _, c := range RestoreOrder {
		plan = append(plan, RestoreStep{Name: "restore-" + string(c), Phase: PhaseRestoring, Category: c, ContinueOnError: true})
	}
	return append(plan,
		RestoreStep{Name: "stabilize", Phase: PhaseStabilizing, ContinueOnError: true},
		RestoreStep{Name: "verify-services", Phase: PhaseVerifying, Category: CategoryServices, ContinueOnError: true},
	)
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Step  RestoreStep `json:"step" yaml:"step"`
	Error string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	DryRun bool
}

// RestoreResult is the outcome of a restore.
type RestoreResult struct {
	// RunID names this restore in logs.
	RunID        string       `json:"run_id" yaml:"run_id"`
	CheckpointID string       `json:"checkpoint_id" yaml:"checkpoint_id"`
	Outcome      RestorePhase `json:"outcome" yaml:"outcome"`
	DryRun       bool         `json:"dry_run" yaml:"dry_run"`
	Findings     []string     `json:"findings,omitempty" yaml:"findings,omitempty"`
	Steps        []StepResult `json:"steps" yaml:"steps"`
	// Actions lists what a dry run would do.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	// MovedAside maps live paths to the names they were moved to.
	MovedAside map[string]string `json:"moved_aside,omitempty" yaml:"moved_aside,omitempty"`
	LogPath    string            `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

// Degraded reports whether the restore applied with discrepancies.
func (r *RestoreResult) Degraded() bool { return r.Outcome == PhaseDegraded }

// RestorerOptions configures a Restorer.
type RestorerOptions struct {
	Supervisor ServiceSupervisor
	Runtime    ContainerRuntime
	// Firewall restores the captured ruleset when RestoreFirewall is set.
	Firewall        Firewall
	RestoreFirewall bool
	Liveness        LivenessChecker
	Endpoints       []Endpoint
	// Settle is waited after stopping services, Stabilize after starting them.
	Settle    time.Duration
	Stabilize time.Duration
	Timeout   time.Duration
	FS        FilesystemManager
	Logger    Logger
	Clock     Clock
	IDs       IDGenerator
}

// Restorer replays a checkpoint onto the live system.
type Restorer struct {
	store *CheckpointService
	opts  RestorerOptions
	tx    *TransactionLog
}

func NewRestorer(store *CheckpointService, opts RestorerOptions) *Restorer {
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	return &Restorer{store: store, opts: opts, tx: NewTransactionLog(opts.Clock)}
}

// RestoreLogPath is where the transaction log of restoring id is written.
// It lives outside the checkpoint so the checkpoint is never modified.
func RestoreLogPath(checkpointsDir, id string) string {
	return filepath.Join(checkpointsDir, restoreLogDir, id+".log")
}

// restoreRun carries the state of one restore.
type restoreRun struct {
	root     string
	manifest *Manifest
	services []ServiceState
	suffix   string
	result   *RestoreResult
}

// Restore replays the checkpoint ref (an id or a name). Preconditions are
// checked before anything is mutated; after that every step is best-effort
// and failures surface as findings with a degraded outcome.
func (r *Restorer) Restore(ctx context.Context, ref string, opts RestoreOptions) (*RestoreResult, error) {
	release, err := r.store.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	info, err := r.store.resolve(ctx, ref, true)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{RunID: r.opts.IDs.New(), CheckpointID: info.ID, DryRun: opts.DryRun, MovedAside: map[string]string{}}

	if !opts.DryRun {
		availCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Supervisor.Available(availCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: service supervisor unavailable: %v", ErrPrecondition, err)
		}
	}

	root, discard, err := r.store.materialize(info)
	if err != nil {
		return nil, err
	}
	defer discard()
	m, err := ReadManifest(root)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest of %s: %v", ErrPrecondition, info.ID, err)
	}
	run := &restoreRun{
		root:     root,
		manifest: m,
		services: loadServiceStates(root, m),
		suffix:   ".pre-rollback-" + r.opts.Clock.Now().UTC().Format(idTimeLayout),
		result:   result,
	}

	if opts.DryRun {
		result.Actions = r.plan(run)
		for _, step := range RestorePlan() {
			result.Steps = append(result.Steps, StepResult{Step: step})
		}
		return result, nil
	}

	result.LogPath = RestoreLogPath(r.store.Dir(), info.ID)
	if err := r.tx.Reset(result.LogPath); err != nil {
		return nil, err
	}
	defer func() { _ = r.tx.Close() }()
	r.opts.Logger.Info("restore started", "run", result.RunID, "id", info.ID, "services", len(run.services))

	for _, step := range RestorePlan() {
		err := r.runStep(ctx, run, step)
		sr := StepResult{Step: step}
		if err != nil {
			sr.Error = err.Error()
			result.Findings = append(result.Findings, fmt.Sprintf("%s: %v", step.Name, err))
			r.opts.Logger.Error("restore step failed", "step", step.Name, "err", err)
		}
		result.Steps = append(result.Steps, sr)
		if err != nil && !step.ContinueOnError {
			return result, fmt.Errorf("restore step %s: %w", step.Name, err)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("restore of %s interrupted: %w", info.ID, ctx.Err())
		}
	}

	result.Outcome = PhaseDone
	if len(result.Findings) > 0 {
		result.Outcome = PhaseDegraded
		r.opts.Logger.Warn("restore degraded", "id", info.ID, "findings", len(result.Findings))
	} else {
		r.opts.Logger.Info("restore done", "id", info.ID)
	}
	return result, nil
}

func (r *Restorer) runStep(ctx context.Context, run *restoreRun, step RestoreStep) error {
	switch step.Phase {
	case PhaseStopping:
		return r.stopServices(ctx, run)
	case PhaseStabilizing:
		return r.opts.Clock.Sleep(ctx, r.opts.Stabilize)
	case PhaseVerifying:
		return r.verifyServices(ctx, run)
	}
	switch step.Category {
	case CategoryNetwork:
		return r.restoreNetwork(ctx, run)
	case CategoryDocker:
		return r.restoreDocker(ctx, run)
	case CategoryData, CategoryConfig:
		return r.restorePaths(run, step.Category)
	case CategoryServices:
		return r.restoreServices(ctx, run)
	}
	return fmt.Errorf("unknown restore step %q", step.Name)
}

func loadServiceStates(root string, m *Manifest) []ServiceState {
	var states []ServiceState
	for _, it := range m.ItemsFor(CategoryServices) {
		if it.Path == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, it.Path))
		if err != nil {
			continue
		}
		var st ServiceState
		if json.Unmarshal(data, &st) == nil && st.Name != "" {
			states = append(states, st)
		}
	}
	return states
}

// plan describes the mutations a restore would perform.
func (r *Restorer) plan(run *restoreRun) []string {
	var actions []string
	for i := len(run.services) - 1; i >= 0; i-- {
		actions = append(actions, "stop service "+run.services[i].Name)
	}
	for _, c := range RestoreOrder {
		switch c {
		case CategoryNetwork:
			if r.opts.RestoreFirewall && r.opts.Firewall != nil && hasCaptured(run.manifest, CategoryNetwork, firewallRulesFile) {
				actions = append(actions, "restore firewall ruleset")
			}
		case CategoryDocker:
			for _, it := range run.manifest.ItemsFor(CategoryDocker) {
				if it.Status == ItemCaptured && strings.HasPrefix(it.Target, "volume:") {
					actions = append(actions, "import volume "+strings.TrimPrefix(it.Target, "volume:"))
				}
			}
		case CategoryData, CategoryConfig:
			for _, it := range run.manifest.ItemsFor(c) {
				if it.Status != ItemCaptured {
					continue
				}
				if _, err := r.opts.FS.Stat(it.Target); err == nil {
					actions = append(actions, fmt.Sprintf("move %s aside to %s%s", it.Target, it.Target, run.suffix))
				}
				actions = append(actions, fmt.Sprintf("copy %s to %s", it.Path, it.Target))
			}
		case CategoryServices:
			for _, st := range run.services {
				if st.UnitFound {
					actions = append(actions, "write unit "+st.UnitPath)
				}
				if st.Active {
					actions = append(actions, "start service "+st.Name)
				} else {
					actions = append(actions, "leave service stopped "+st.Name)
				}
			}
		}
	}
	return actions
}

func hasCaptured(m *Manifest, c Category, target string) bool {
	for _, it := range m.ItemsFor(c) {
		if it.Target == target && it.Status == ItemCaptured {
			return true
		}
	}
	return false
}

func (r *Restorer) logTx(action TxAction, c Category, target string) {
	if err := r.tx.Append(action, c, target); err != nil {
		r.opts.Logger.Warn("transaction log append failed", "err", err)
	}
}

// stopServices stops every captured service in reverse order, then waits
// the settle interval.
func (r *Restorer) stopServices(ctx context.Context, run *restoreRun) error {
	var errs []error
	for i := len(run.services) - 1; i >= 0; i-- {
		name := run.services[i].Name
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Supervisor.Stop(callCtx, name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
			continue
		}
		r.logTx(TxStop, CategoryServices, name)
	}
	if err := r.opts.Clock.Sleep(ctx, r.opts.Settle); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Restorer) restoreNetwork(ctx context.Context, run *restoreRun) error {
	if !r.opts.RestoreFirewall || r.opts.Firewall == nil {
		return nil
	}
	if !hasCaptured(run.manifest, CategoryNetwork, firewallRulesFile) {
		return nil
	}
	rules, err := os.ReadFile(filepath.Join(run.root, firewallRulesRel()))
	if err != nil {
		return fmt.Errorf("reading firewall rules: %w", err)
	}
	callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if err := r.opts.Firewall.Restore(callCtx, rules); err != nil {
		return fmt.Errorf("restoring firewall rules: %w", err)
	}
	r.logTx(TxRestore, CategoryNetwork, firewallRulesFile)
	return nil
}

func (r *Restorer) restoreDocker(ctx context.Context, run *restoreRun) error {
	var volumes []string
	for _, it := range run.manifest.ItemsFor(CategoryDocker) {
		if it.Status == ItemCaptured && strings.HasPrefix(it.Target, "volume:") {
			volumes = append(volumes, strings.TrimPrefix(it.Target, "volume:"))
		}
	}
	wasRunning, err := readCapturedRunning(run.root, run.manifest)
	if err != nil {
		return err
	}
	if len(volumes) == 0 && len(wasRunning) == 0 {
		return nil
	}
	if r.opts.Runtime == nil {
		return fmt.Errorf("checkpoint holds container state but no container runtime is configured")
	}
	pingCtx, cancel := withTimeout(ctx, r.opts.Timeout)
	err = r.opts.Runtime.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("container runtime inactive: %w", err)
	}

	var errs []error
	if len(volumes) > 0 {
		listCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		running, err := r.opts.Runtime.ListContainers(listCtx, false)
		cancel()
		if err != nil {
			return fmt.Errorf("listing running containers: %w", err)
		}
		for _, vol := range volumes {
			if err := r.importVolume(ctx, run, vol, running); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, c := range wasRunning {
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Runtime.StartContainer(callCtx, c.Name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("starting container %s: %w", c.Name, err))
			continue
		}
		r.logTx(TxRestore, CategoryDocker, "container:"+c.Name)
	}
	return errors.Join(errs...)
}

func readCapturedRunning(root string, m *Manifest) ([]ContainerSummary, error) {
	if !hasCaptured(m, CategoryDocker, containersRunningFile) {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(root, string(CategoryDocker), containersRunningFile))
	if err != nil {
		return nil, fmt.Errorf("reading container inventory: %w", err)
	}
	var running []ContainerSummary
	if err := json.Unmarshal(data, &running); err != nil {
		return nil, fmt.Errorf("decoding container inventory: %w", err)
	}
	return running, nil
}

// importVolume stops running containers that mount vol, then loads the
// archived content into it.
func (r *Restorer) importVolume(ctx context.Context, run *restoreRun, vol string, running []ContainerSummary) error {
	for _, c := range running {
		if !slices.Contains(c.Volumes, vol) {
			continue
		}
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Runtime.StopContainer(callCtx, c.ID)
		cancel()
		if err != nil {
			return fmt.Errorf("stopping container %s using volume %s: %w", c.Name, vol, err)
		}
		r.logTx(TxStop, CategoryDocker, "container:"+c.Name)
	}
	f, err := os.Open(filepath.Join(run.root, volumeArchiveRel(vol)))
	if err != nil {
		return fmt.Errorf("opening volume archive %s: %w", vol, err)
	}
	defer f.Close()
	callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if err := r.opts.Runtime.ImportVolume(callCtx, vol, f); err != nil {
		return fmt.Errorf("importing volume %s: %w", vol, err)
	}
	r.logTx(TxRestore, CategoryDocker, "volume:"+vol)
	return nil
}

// restorePaths moves any live target aside, then copies the captured
// content back. Content is always copied so the checkpoint never shares
// inodes with the live system.
func (r *Restorer) restorePaths(run *restoreRun, c Category) error {
	var errs []error
	for _, it := range run.manifest.ItemsFor(c) {
		if it.Status != ItemCaptured {
			continue
		}
		if err := r.restorePath(run, c, it); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", it.Target, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Restorer) restorePath(run *restoreRun, c Category, it ItemRecord) error {
	src := filepath.Join(run.root, it.Path)
	if _, err := os.Lstat(src); err != nil {
		return fmt.Errorf("captured content missing: %w", err)
	}
	if _, err := r.opts.FS.Stat(it.Target); err == nil {
		moved, err := r.opts.FS.MoveAside(it.Target, run.suffix)
		if err != nil {
			return fmt.Errorf("moving aside: %w", err)
		}
		run.result.MovedAside[it.Target] = moved
		r.opts.Logger.Info("moved existing path aside", "path", it.Target, "to", moved)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(it.Target), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if _, err := r.opts.FS.CopyTree(src, it.Target); err != nil {
		return fmt.Errorf("copying: %w", err)
	}
	r.logTx(TxRestore, c, it.Target)
	return nil
}

// restoreServices writes unit definitions back, reloads the supervisor and
// brings each service to its captured active state.
func (r *Restorer) restoreServices(ctx context.Context, run *restoreRun) error {
	var errs []error
	wroteUnits := false
	for _, st := range run.services {
		if !st.UnitFound || st.UnitPath == "" {
			continue
		}
		unit, err := os.ReadFile(filepath.Join(run.root, serviceUnitRel(st.Name)))
		if err != nil {
			errs = append(errs, fmt.Errorf("reading captured unit of %s: %w", st.Name, err))
			continue
		}
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err = r.opts.Supervisor.WriteUnit(callCtx, st.UnitPath, unit)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("writing unit of %s: %w", st.Name, err))
			continue
		}
		r.logTx(TxRestore, CategoryServices, st.UnitPath)
		wroteUnits = true
	}
	if wroteUnits {
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Supervisor.Reload(callCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("reloading supervisor: %w", err))
		}
	}
	for _, st := range run.services {
		if !st.Active {
			r.logTx(TxRestoreStop, CategoryServices, st.Name)
			continue
		}
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		err := r.opts.Supervisor.Start(callCtx, st.Name)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("starting %s: %w", st.Name, err))
			continue
		}
		r.logTx(TxRestoreStart, CategoryServices, st.Name)
	}
	return errors.Join(errs...)
}

// verifyServices re-checks services that were active at capture time and
// the liveness endpoints bound to them.
func (r *Restorer) verifyServices(ctx context.Context, run *restoreRun) error {
	var errs []error
	for _, st := range run.services {
		if !st.Active {
			continue
		}
		callCtx, cancel := withTimeout(ctx, r.opts.Timeout)
		active, err := r.opts.Supervisor.IsActive(callCtx, st.Name)
		cancel()
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("checking %s: %w", st.Name, err))
		case !active:
			errs = append(errs, fmt.Errorf("service %s is not active", st.Name))
		}
		if r.opts.Liveness == nil {
			continue
		}
		for _, ep := range r.opts.Endpoints {
			if ep.Service != st.Name {
				continue
			}
			if !r.opts.Liveness.Reachable(ctx, ep.URL) {
				errs = append(errs, fmt.Errorf("service %s liveness endpoint %s unreachable", st.Name, ep.URL))
			}
		}
	}
	return errors.Join(errs...)
}
