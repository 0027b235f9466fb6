package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"ckpt-go/internal/ckpt"
)

// OSFilesystemManager performs checkpoint file operations on the real
// filesystem. Its IgnoreMatcher applies to incremental data copies only;
// CopyTree copies whole.
type OSFilesystemManager struct {
	ignore *IgnoreMatcher
}

// NewOSFilesystemManager creates a manager; ignore may be nil.
func NewOSFilesystemManager(ignore *IgnoreMatcher) *OSFilesystemManager {
	if ignore == nil {
		ignore = NewIgnoreMatcher(nil)
	}
	return &OSFilesystemManager{ignore: ignore}
}

func (m *OSFilesystemManager) Stat(path string) (fs.FileInfo, error) {
	return os.Lstat(path)
}

// CopyTree copies src to dst. Directories are copied whole, symlinks are
// recreated and special files skipped.
func (m *OSFilesystemManager) CopyTree(src, dst string) (int, error) {
	stats, err := m.walk(src, dst, "", nil)
	return stats.Copied, err
}

// LinkTree copies src to dst, hard-linking files that are unchanged in base
// and skipping ignored paths.
func (m *OSFilesystemManager) LinkTree(src, dst, base string) (ckpt.LinkStats, error) {
	return m.walk(src, dst, base, m.ignore)
}

func (m *OSFilesystemManager) walk(src, dst, base string, ignore *IgnoreMatcher) (ckpt.LinkStats, error) {
	var stats ckpt.LinkStats
	info, err := os.Lstat(src)
	if err != nil {
		return stats, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return stats, fmt.Errorf("creating parent of %s: %w", dst, err)
		}
		err := m.placeEntry(src, dst, base, info, &stats)
		return stats, err
	}

	var dirs []string
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel != "." && ignore != nil && ignore.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			dirs = append(dirs, rel)
			return nil
		}
		baseEntry := ""
		if base != "" {
			baseEntry = filepath.Join(base, rel)
		}
		return m.placeEntry(p, target, baseEntry, info, &stats)
	})
	if err != nil {
		return stats, fmt.Errorf("copying %s: %w", src, err)
	}
	// Directory metadata last, deepest first, so file writes don't bump mtimes.
	for i := len(dirs) - 1; i >= 0; i-- {
		s := filepath.Join(src, dirs[i])
		d := filepath.Join(dst, dirs[i])
		if info, err := os.Lstat(s); err == nil {
			_ = os.Chmod(d, info.Mode().Perm())
			_ = os.Chtimes(d, info.ModTime(), info.ModTime())
			preserveOwner(info, d)
		}
	}
	return stats, nil
}

func (m *OSFilesystemManager) placeEntry(src, dst, base string, info fs.FileInfo, stats *ckpt.LinkStats) error {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("reading symlink %s: %w", src, err)
		}
		_ = os.Remove(dst)
		return os.Symlink(link, dst)
	case !info.Mode().IsRegular():
		return nil
	}
	if base != "" && unchanged(info, base) {
		if err := os.Link(base, dst); err == nil {
			stats.Linked++
			return nil
		}
		// Cross-device or unsupported: fall through to a copy.
	}
	if err := copyFile(src, dst, info); err != nil {
		return err
	}
	stats.Copied++
	return nil
}

// unchanged reports whether base has the same size, mode and mtime as info.
func unchanged(info fs.FileInfo, base string) bool {
	b, err := os.Lstat(base)
	if err != nil || !b.Mode().IsRegular() {
		return false
	}
	return b.Size() == info.Size() && b.Mode() == info.Mode() && b.ModTime().Equal(info.ModTime())
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	_ = os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes %s: %w", dst, err)
	}
	preserveOwner(info, dst)
	return nil
}

// MoveAside renames path to path+suffix, or path+suffix.N when taken.
func (m *OSFilesystemManager) MoveAside(path, suffix string) (string, error) {
	target := path + suffix
	for n := 1; ; n++ {
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			break
		} else if err != nil {
			return "", fmt.Errorf("checking %s: %w", target, err)
		}
		target = path + suffix + "." + strconv.Itoa(n)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("renaming %s: %w", path, err)
	}
	return target, nil
}

func (m *OSFilesystemManager) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashTree hashes every regular file under root. Keys use forward slashes.
func (m *OSFilesystemManager) HashTree(root string, skip func(rel string) bool) (map[string]string, error) {
	sums := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			return nil
		}
		sum, err := m.HashFile(p)
		if err != nil {
			return err
		}
		sums[rel] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

// WriteFileAtomic writes data through a temp file and rename.
func (m *OSFilesystemManager) WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	success = true
	return nil
}

func (m *OSFilesystemManager) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

var _ ckpt.FilesystemManager = (*OSFilesystemManager)(nil)
