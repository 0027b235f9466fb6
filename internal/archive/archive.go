// Package archive packs checkpoint directories into gzip-compressed tar
// streams.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"ckpt-go/internal/ckpt"
)

// TarGz implements ckpt.Archiver.
type TarGz struct {
	level int
}

// New returns an archiver using the given gzip level. Zero selects the
// default level.
func New(level int) *TarGz {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	return &TarGz{level: level}
}

// Pack writes dir's content with paths relative to dir.
func (a *TarGz) Pack(dir string, w io.Writer) (int, error) {
	zw, err := gzip.NewWriterLevel(w, a.level)
	if err != nil {
		return 0, fmt.Errorf("creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	files := 0

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		} else if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("header for %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header for %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		files++
		return nil
	})
	if err != nil {
		return files, err
	}
	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("closing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return files, fmt.Errorf("closing gzip: %w", err)
	}
	return files, nil
}

// Unpack extracts into dir. Entries escaping dir are rejected.
func (a *TarGz) Unpack(r io.Reader, dir string) (int, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	files := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("reading archive: %w", err)
		}
		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return files, err
		}
		mode := fs.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return files, err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return files, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, mode); err != nil {
				return files, err
			}
			_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
			files++
		}
	}
}

func writeEntry(r io.Reader, target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("extracting %s: %w", target, err)
	}
	return f.Close()
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	if target != filepath.Clean(dir) && !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

// Count returns the number of regular files in an archive.
func (a *TarGz) Count(r io.Reader) (int, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			n++
		}
	}
}

var _ ckpt.Archiver = (*TarGz)(nil)
