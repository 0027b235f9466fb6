// Package scratch hands out temporary directories for extracting
// compressed checkpoints.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ckpt-go/internal/ckpt"
)

const dirPrefix = "ckpt-"

// Area is a size-limited scratch root. Reservations are tracked in memory
// and checked against both the configured limit and free disk space.
type Area struct {
	root    string
	maxSize int64
	logger  ckpt.Logger

	mu       sync.Mutex
	reserved int64
}

var _ ckpt.ScratchArea = (*Area)(nil)

// New creates the scratch root. maxSize <= 0 disables the configured limit.
func New(root string, maxSize int64, logger ckpt.Logger) (*Area, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}
	if logger == nil {
		logger = ckpt.NewNopLogger()
	}
	return &Area{root: root, maxSize: maxSize, logger: logger}, nil
}

// Acquire reserves need bytes and creates an empty directory for purpose.
func (a *Area) Acquire(purpose string, need int64) (string, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxSize > 0 && a.reserved+need > a.maxSize {
		return "", nil, fmt.Errorf("scratch area full: %d bytes reserved, %d requested, limit %d", a.reserved, need, a.maxSize)
	}
	if free, ok := freeBytes(a.root); ok && need > free {
		return "", nil, fmt.Errorf("scratch area %s has %d bytes free, %d requested", a.root, free, need)
	}
	dir, err := os.MkdirTemp(a.root, dirPrefix+sanitize(purpose)+"-")
	if err != nil {
		return "", nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	a.reserved += need

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := os.RemoveAll(dir); err != nil {
				a.logger.Warn("removing scratch directory failed", "dir", dir, "err", err)
			}
			a.mu.Lock()
			a.reserved -= need
			a.mu.Unlock()
		})
	}
	return dir, release, nil
}

// Reserved returns the bytes currently reserved.
func (a *Area) Reserved() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

// Sweep removes scratch directories left by interrupted runs.
func (a *Area) Sweep() (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.root, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == filepath.Separator || r == '*' {
			return '_'
		}
		return r
	}, s)
}
