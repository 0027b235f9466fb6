package ckpt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// skipChecksum excludes the files that describe the checkpoint itself.
func skipChecksum(rel string) bool {
	return rel == ManifestFile || rel == ChecksumsFile
}

func writeChecksums(fsm FilesystemManager, root string) (map[string]string, error) {
	sums, err := fsm.HashTree(root, skipChecksum)
	if err != nil {
		return nil, fmt.Errorf("hashing checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding checksums: %w", err)
	}
	if err := fsm.WriteFileAtomic(filepath.Join(root, ChecksumsFile), append(data, '\n'), 0o640); err != nil {
		return nil, fmt.Errorf("writing checksums: %w", err)
	}
	return sums, nil
}

func readChecksums(root string) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(root, ChecksumsFile))
	if err != nil {
		return nil, err
	}
	sums := map[string]string{}
	if err := json.Unmarshal(data, &sums); err != nil {
		return nil, fmt.Errorf("decoding checksums: %w", err)
	}
	return sums, nil
}

func writeManifest(fsm FilesystemManager, root string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := fsm.WriteFileAtomic(filepath.Join(root, ManifestFile), append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of a checkpoint directory.
func ReadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// VerifyReport is the result of verifying one checkpoint.
type VerifyReport struct {
	ID           string   `json:"id" yaml:"id"`
	OK           bool     `json:"ok" yaml:"ok"`
	FilesChecked int      `json:"files_checked" yaml:"files_checked"`
	Findings     []string `json:"findings,omitempty" yaml:"findings,omitempty"`
}

func (r *VerifyReport) fail(format string, args ...any) {
	r.OK = false
	r.Findings = append(r.Findings, fmt.Sprintf(format, args...))
}

// verifyTree checks a materialized checkpoint directory.
func verifyTree(fsm FilesystemManager, root, id string) *VerifyReport {
	report := &VerifyReport{ID: id, OK: true}

	m, err := ReadManifest(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			report.fail("manifest missing")
		} else {
			report.fail("manifest unreadable: %v", err)
		}
		return report
	}
	if m.ID != id {
		report.fail("manifest id %q does not match %q", m.ID, id)
	}
	if !m.Complete {
		report.fail("capture did not complete")
	}

	sums, err := readChecksums(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			report.fail("checksums missing")
		} else {
			report.fail("checksums unreadable: %v", err)
		}
		return report
	}

	paths := make([]string, 0, len(sums))
	for p := range sums {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		got, err := fsm.HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		report.FilesChecked++
		switch {
		case errors.Is(err, fs.ErrNotExist):
			report.fail("missing file %s", rel)
		case err != nil:
			report.fail("cannot read %s: %v", rel, err)
		case got != sums[rel]:
			report.fail("checksum mismatch %s", rel)
		}
	}

	for _, c := range CaptureOrder {
		if !m.Captures[c] || !capturedAnything(m, c) {
			continue
		}
		info, err := os.Stat(filepath.Join(root, string(c)))
		if err != nil || !info.IsDir() {
			report.fail("subtree %s missing", c)
		}
	}
	return report
}

// capturedAnything reports whether a category wrote any file, which is what
// makes its subtree required.
func capturedAnything(m *Manifest, c Category) bool {
	for _, it := range m.ItemsFor(c) {
		if it.Path != "" {
			return true
		}
	}
	return false
}
