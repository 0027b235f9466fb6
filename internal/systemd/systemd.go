// Package systemd drives services through systemctl.
package systemd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/hostexec"
)

const systemctl = "systemctl"

// Supervisor implements ckpt.ServiceSupervisor.
type Supervisor struct {
	run         hostexec.Runner
	requireRoot bool
	geteuid     func() int
}

// New returns a supervisor that runs systemctl through run. When
// requireRoot is set, Available fails for non-root users since start, stop
// and unit writes would fail part way through a restore.
func New(run hostexec.Runner, requireRoot bool) *Supervisor {
	return &Supervisor{run: run, requireRoot: requireRoot, geteuid: os.Geteuid}
}

func (s *Supervisor) Available(ctx context.Context) error {
	if _, err := s.run.Run(ctx, nil, systemctl, "--version"); err != nil {
		return fmt.Errorf("systemctl unavailable: %w", err)
	}
	if s.requireRoot && s.geteuid() != 0 {
		return fmt.Errorf("root privileges required to manage services")
	}
	return nil
}

// IsActive treats a non-zero exit from is-active as "not active".
func (s *Supervisor) IsActive(ctx context.Context, name string) (bool, error) {
	_, err := s.run.Run(ctx, nil, systemctl, "is-active", "--quiet", name)
	if err == nil {
		return true, nil
	}
	if hostexec.IsExit(err) {
		return false, nil
	}
	return false, err
}

func (s *Supervisor) IsEnabled(ctx context.Context, name string) (bool, error) {
	out, err := s.run.Run(ctx, nil, systemctl, "is-enabled", name)
	if err != nil {
		if hostexec.IsExit(err) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(string(out)) == "enabled", nil
}

func (s *Supervisor) Start(ctx context.Context, name string) error {
	if _, err := s.run.Run(ctx, nil, systemctl, "start", name); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if _, err := s.run.Run(ctx, nil, systemctl, "stop", name); err != nil {
		return fmt.Errorf("stopping %s: %w", name, err)
	}
	return nil
}

// ReadUnit resolves the unit's FragmentPath and reads it.
func (s *Supervisor) ReadUnit(ctx context.Context, name string) (string, []byte, error) {
	out, err := s.run.Run(ctx, nil, systemctl, "show", "--property=FragmentPath", "--value", name)
	if err != nil {
		return "", nil, fmt.Errorf("locating unit %s: %w", name, err)
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", nil, fmt.Errorf("unit %s: %w", name, ckpt.ErrNotFound)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("unit file %s: %w", path, ckpt.ErrNotFound)
		}
		return "", nil, fmt.Errorf("reading unit file: %w", err)
	}
	return path, content, nil
}

func (s *Supervisor) WriteUnit(_ context.Context, path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating unit directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp unit file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing unit file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting unit file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing unit file: %w", err)
	}
	return nil
}

func (s *Supervisor) Reload(ctx context.Context) error {
	if _, err := s.run.Run(ctx, nil, systemctl, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading units: %w", err)
	}
	return nil
}

var _ ckpt.ServiceSupervisor = (*Supervisor)(nil)
