package ckpt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// VolumeSelector decides which container volumes get their content
// archived.
type VolumeSelector func(name string) bool

// NewVolumeSelector accepts volumes named exactly in allow, or whose name
// contains one of substrings. Both empty selects nothing.
func NewVolumeSelector(allow, substrings []string) VolumeSelector {
	names := make(map[string]bool, len(allow))
	for _, n := range allow {
		names[n] = true
	}
	subs := append([]string(nil), substrings...)
	return func(name string) bool {
		if names[name] {
			return true
		}
		for _, s := range subs {
			if s != "" && strings.Contains(name, s) {
				return true
			}
		}
		return false
	}
}

// Targets lists the resources tracked per category.
type Targets struct {
	Services    []string
	ConfigPaths []string
	DataPaths   []string
	Volumes     VolumeSelector
}

// CaptureContext is shared by all capturers of one checkpoint operation.
type CaptureContext struct {
	// Root is the checkpoint directory being populated.
	Root    string
	Targets Targets
	FS      FilesystemManager
	Tx      *TransactionLog
	Logger  Logger
	// Timeout bounds every external call.
	Timeout time.Duration
	// DataBase is the data subtree of an earlier checkpoint used as the
	// hard-link source. Empty disables linking.
	DataBase  string
	DataStats LinkStats
}

// Capturer snapshots one resource category into CaptureContext.Root.
// Capture never fails as a whole: each item reports its own outcome and a
// failing item does not stop its siblings.
type Capturer interface {
	Category() Category
	Capture(ctx context.Context, cc *CaptureContext) []ItemRecord
}

// subtreePath maps an absolute live path into a category subtree, e.g.
// /etc/vault.d -> <root>/config/etc/vault.d.
func subtreePath(category Category, livePath string) string {
	clean := filepath.Clean(livePath)
	return filepath.Join(string(category), strings.TrimPrefix(clean, string(filepath.Separator)))
}

func (cc *CaptureContext) mkdirCategory(c Category) (string, error) {
	dir := filepath.Join(cc.Root, string(c))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating %s subtree: %w", c, err)
	}
	return dir, nil
}

func (cc *CaptureContext) captured(c Category, target, rel, detail string) ItemRecord {
	if err := cc.Tx.Append(TxCapture, c, target); err != nil {
		cc.Logger.Warn("transaction log append failed", "err", err)
	}
	cc.Logger.Info("captured", "category", string(c), "target", target)
	return ItemRecord{Category: c, Target: target, Status: ItemCaptured, Path: rel, Detail: detail}
}

func (cc *CaptureContext) notFound(c Category, target, detail string) ItemRecord {
	cc.Logger.Warn("tracked item not found", "category", string(c), "target", target)
	return ItemRecord{Category: c, Target: target, Status: ItemNotFound, Detail: detail}
}

func (cc *CaptureContext) failed(c Category, target string, err error) ItemRecord {
	cc.Logger.Error("capture failed", "category", string(c), "target", target, "err", err)
	return ItemRecord{Category: c, Target: target, Status: ItemFailed, Detail: err.Error()}
}

func (cc *CaptureContext) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rel, err)
	}
	return cc.FS.WriteFileAtomic(filepath.Join(cc.Root, rel), append(data, '\n'), 0o640)
}

// copyPaths is shared by the config and data capturers.
func (cc *CaptureContext) copyPaths(c Category, paths []string, copyOne func(src, dst, rel string) (string, error)) []ItemRecord {
	if _, err := cc.mkdirCategory(c); err != nil {
		return []ItemRecord{cc.failed(c, string(c), err)}
	}
	items := make([]ItemRecord, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			items = append(items, cc.failed(c, p, fmt.Errorf("tracked path must be absolute")))
			continue
		}
		if _, err := cc.FS.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				items = append(items, cc.notFound(c, p, "path does not exist"))
				continue
			}
			items = append(items, cc.failed(c, p, err))
			continue
		}
		rel := subtreePath(c, p)
		detail, err := copyOne(p, filepath.Join(cc.Root, rel), rel)
		if err != nil {
			items = append(items, cc.failed(c, p, err))
			continue
		}
		items = append(items, cc.captured(c, p, rel, detail))
	}
	return items
}
