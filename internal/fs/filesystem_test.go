package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	ia, err := os.Stat(a)
	if err != nil {
		t.Fatalf("stat %s: %v", a, err)
	}
	ib, err := os.Stat(b)
	if err != nil {
		t.Fatalf("stat %s: %v", b, err)
	}
	return os.SameFile(ia, ib)
}

func TestOSFilesystemManager_CopyTree(t *testing.T) {
	t.Run("copies directory whole preserving mode and mtime", func(t *testing.T) {
		t.Parallel()
		src := filepath.Join(t.TempDir(), "nomad.d")
		writeFile(t, filepath.Join(src, "nomad.hcl"), "datacenter = \"dc1\"\n")
		writeFile(t, filepath.Join(src, "tls", "agent.pem"), "PEM")
		if err := os.Chmod(filepath.Join(src, "tls", "agent.pem"), 0o600); err != nil {
			t.Fatal(err)
		}
		mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		if err := os.Chtimes(filepath.Join(src, "nomad.hcl"), mtime, mtime); err != nil {
			t.Fatal(err)
		}

		dst := filepath.Join(t.TempDir(), "copy")
		m := NewOSFilesystemManager(nil)
		n, err := m.CopyTree(src, dst)
		if err != nil {
			t.Fatalf("CopyTree() error = %v", err)
		}
		if n != 2 {
			t.Errorf("CopyTree() = %d files, want 2", n)
		}
		if got := readFile(t, filepath.Join(dst, "tls", "agent.pem")); got != "PEM" {
			t.Errorf("agent.pem = %q, want PEM", got)
		}
		info, err := os.Stat(filepath.Join(dst, "tls", "agent.pem"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
		info, err = os.Stat(filepath.Join(dst, "nomad.hcl"))
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(mtime) {
			t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
		}
	})

	t.Run("copies single file", func(t *testing.T) {
		t.Parallel()
		src := filepath.Join(t.TempDir(), "traefik.yml")
		writeFile(t, src, "entryPoints: {}\n")
		dst := filepath.Join(t.TempDir(), "etc", "traefik", "traefik.yml")
		if _, err := NewOSFilesystemManager(nil).CopyTree(src, dst); err != nil {
			t.Fatalf("CopyTree() error = %v", err)
		}
		if got := readFile(t, dst); got != "entryPoints: {}\n" {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("copies ignored names whole", func(t *testing.T) {
		t.Parallel()
		src := t.TempDir()
		writeFile(t, filepath.Join(src, "keep.hcl"), "a")
		writeFile(t, filepath.Join(src, "keep.hcl.swp"), "b")
		writeFile(t, filepath.Join(src, "raft", "tmp", "x"), "c")
		dst := filepath.Join(t.TempDir(), "out")
		m := NewOSFilesystemManager(NewIgnoreMatcher([]string{"*.swp", "raft/tmp"}))
		n, err := m.CopyTree(src, dst)
		if err != nil {
			t.Fatalf("CopyTree() error = %v", err)
		}
		if n != 3 {
			t.Errorf("CopyTree() = %d, want 3", n)
		}
		if got := readFile(t, filepath.Join(dst, "keep.hcl.swp")); got != "b" {
			t.Errorf("keep.hcl.swp = %q", got)
		}
	})

	t.Run("recreates symlinks", func(t *testing.T) {
		t.Parallel()
		src := t.TempDir()
		writeFile(t, filepath.Join(src, "real.hcl"), "x")
		if err := os.Symlink("real.hcl", filepath.Join(src, "current.hcl")); err != nil {
			t.Fatal(err)
		}
		dst := filepath.Join(t.TempDir(), "out")
		if _, err := NewOSFilesystemManager(nil).CopyTree(src, dst); err != nil {
			t.Fatalf("CopyTree() error = %v", err)
		}
		target, err := os.Readlink(filepath.Join(dst, "current.hcl"))
		if err != nil {
			t.Fatalf("Readlink() error = %v", err)
		}
		if target != "real.hcl" {
			t.Errorf("link target = %q, want real.hcl", target)
		}
	})
}

func TestOSFilesystemManager_LinkTree(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager(nil)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "stable.db"), "unchanged")
	writeFile(t, filepath.Join(src, "wal.db"), "v1")

	first := filepath.Join(t.TempDir(), "first")
	stats, err := m.LinkTree(src, first, "")
	if err != nil {
		t.Fatalf("LinkTree() error = %v", err)
	}
	if stats.Copied != 2 || stats.Linked != 0 {
		t.Fatalf("first stats = %+v, want 2 copied", stats)
	}

	writeFile(t, filepath.Join(src, "wal.db"), "v2-longer")
	second := filepath.Join(t.TempDir(), "second")
	stats, err = m.LinkTree(src, second, first)
	if err != nil {
		t.Fatalf("LinkTree() error = %v", err)
	}
	if stats.Copied != 1 || stats.Linked != 1 {
		t.Errorf("second stats = %+v, want 1 copied 1 linked", stats)
	}
	if !sameInode(t, filepath.Join(first, "stable.db"), filepath.Join(second, "stable.db")) {
		t.Error("unchanged file was not hard-linked")
	}
	if sameInode(t, filepath.Join(first, "wal.db"), filepath.Join(second, "wal.db")) {
		t.Error("changed file shares an inode with the base")
	}
	if got := readFile(t, filepath.Join(second, "wal.db")); got != "v2-longer" {
		t.Errorf("wal.db = %q, want v2-longer", got)
	}
}

func TestOSFilesystemManager_LinkTreeSkipsIgnored(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.hcl"), "a")
	writeFile(t, filepath.Join(src, "keep.hcl.swp"), "b")
	writeFile(t, filepath.Join(src, "raft", "tmp", "x"), "c")
	dst := filepath.Join(t.TempDir(), "out")
	m := NewOSFilesystemManager(NewIgnoreMatcher([]string{"*.swp", "raft/tmp"}))

	stats, err := m.LinkTree(src, dst, "")
	if err != nil {
		t.Fatalf("LinkTree() error = %v", err)
	}
	if stats.Copied != 1 {
		t.Errorf("LinkTree() copied %d, want 1", stats.Copied)
	}
	for _, rel := range []string{"keep.hcl.swp", filepath.Join("raft", "tmp")} {
		if _, err := os.Lstat(filepath.Join(dst, rel)); !errors.Is(err, iofs.ErrNotExist) {
			t.Errorf("%s was copied, err = %v", rel, err)
		}
	}
}

func TestOSFilesystemManager_MoveAside(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.hcl")
	suffix := ".pre-rollback-20240115-103000"

	writeFile(t, path, "one")
	got, err := m.MoveAside(path, suffix)
	if err != nil {
		t.Fatalf("MoveAside() error = %v", err)
	}
	if got != path+suffix {
		t.Errorf("MoveAside() = %q, want %q", got, path+suffix)
	}

	writeFile(t, path, "two")
	got, err = m.MoveAside(path, suffix)
	if err != nil {
		t.Fatalf("MoveAside() error = %v", err)
	}
	if got != path+suffix+".1" {
		t.Errorf("MoveAside() = %q, want counter suffix", got)
	}
	if readFile(t, path+suffix) != "one" || readFile(t, got) != "two" {
		t.Error("moved-aside contents were not preserved")
	}
	if _, err := os.Stat(path); !errors.Is(err, iofs.ErrNotExist) {
		t.Errorf("original still present, err = %v", err)
	}
}

func TestOSFilesystemManager_HashTree(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager(nil)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "manifest.json"), "{}")
	writeFile(t, filepath.Join(root, "config", "etc", "a"), "hello")

	sums, err := m.HashTree(root, func(rel string) bool { return rel == "manifest.json" })
	if err != nil {
		t.Fatalf("HashTree() error = %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len(sums) = %d, want 1", len(sums))
	}
	const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := sums["config/etc/a"]; got != helloSHA {
		t.Errorf("sum = %q, want %q", got, helloSHA)
	}
}

func TestOSFilesystemManager_WriteFileAtomic(t *testing.T) {
	t.Parallel()
	m := NewOSFilesystemManager(nil)
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	if err := m.WriteFileAtomic(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic() error = %v", err)
	}
	if got := readFile(t, path); got != "{}" {
		t.Errorf("content = %q", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
