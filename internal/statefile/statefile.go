// Package statefile stores the current health record as a small JSON file.
package statefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/lock"
)

const lockTimeout = 10 * time.Second

// HealthFile implements ckpt.HealthStore. Writes replace the file atomically
// while holding <path>.lock.
type HealthFile struct {
	path string
	lock *lock.FileLock
}

func NewHealthFile(path string) *HealthFile {
	return &HealthFile{path: path, lock: lock.New(path + ".lock")}
}

func (h *HealthFile) Path() string { return h.path }

// Load returns an unknown status with zero failures when nothing was saved yet.
func (h *HealthFile) Load() (ckpt.HealthStatus, error) {
	data, err := os.ReadFile(h.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ckpt.HealthStatus{Status: ckpt.HealthUnknown}, nil
	}
	if err != nil {
		return ckpt.HealthStatus{}, fmt.Errorf("reading health status: %w", err)
	}
	var st ckpt.HealthStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return ckpt.HealthStatus{}, fmt.Errorf("decoding health status %s: %w", h.path, err)
	}
	if st.Status == "" {
		st.Status = ckpt.HealthUnknown
	}
	return st, nil
}

func (h *HealthFile) Save(status ckpt.HealthStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	release, err := h.lock.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding health status: %w", err)
	}
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating status directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".health-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing health status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing health status: %w", err)
	}
	return nil
}

var _ ckpt.HealthStore = (*HealthFile)(nil)
