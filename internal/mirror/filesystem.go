package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ckpt-go/internal/ckpt"
)

// FileSystemMirror stores archives as files under root, typically a mount
// of another disk or host.
type FileSystemMirror struct {
	name string
	root string
}

var _ ckpt.ArchiveMirror = (*FileSystemMirror)(nil)

func NewFileSystemMirror(name, root string) (*FileSystemMirror, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating mirror root: %w", err)
	}
	return &FileSystemMirror{name: name, root: root}, nil
}

func (m *FileSystemMirror) Name() string { return m.name }

func (m *FileSystemMirror) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid mirror key %q", key)
	}
	return filepath.Join(m.root, key), nil
}

// Put writes through a temp file and renames only when size bytes arrived.
func (m *FileSystemMirror) Put(_ context.Context, key string, r io.Reader, size int64) error {
	dest, err := m.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming into %s: %w", dest, err)
	}
	success = true
	return nil
}

func (m *FileSystemMirror) Get(_ context.Context, key string, w io.Writer) error {
	src, err := m.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, ckpt.ErrNotFound)
		}
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (m *FileSystemMirror) Has(_ context.Context, key string) (bool, error) {
	p, err := m.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (m *FileSystemMirror) Delete(_ context.Context, key string) error {
	p, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (m *FileSystemMirror) ValidateSetup(context.Context) error {
	info, err := os.Stat(m.root)
	if err != nil {
		return fmt.Errorf("mirror root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mirror root is not a directory: %s", m.root)
	}
	tmp, err := os.CreateTemp(m.root, ".write-check-*")
	if err != nil {
		return fmt.Errorf("mirror root not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}
