package ckpt

import (
	"context"
	"fmt"
	"path/filepath"
)

// ConfigCapturer copies tracked configuration files and directories whole.
type ConfigCapturer struct{}

func NewConfigCapturer() *ConfigCapturer { return &ConfigCapturer{} }

func (c *ConfigCapturer) Category() Category { return CategoryConfig }

func (c *ConfigCapturer) Capture(_ context.Context, cc *CaptureContext) []ItemRecord {
	return cc.copyPaths(CategoryConfig, cc.Targets.ConfigPaths, func(src, dst, _ string) (string, error) {
		n, err := cc.FS.CopyTree(src, dst)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d files", n), nil
	})
}

// DataCapturer copies tracked data paths incrementally: files unchanged
// since the base checkpoint are hard-linked instead of copied, so each
// checkpoint costs roughly the size of the delta.
type DataCapturer struct{}

func NewDataCapturer() *DataCapturer { return &DataCapturer{} }

func (c *DataCapturer) Category() Category { return CategoryData }

func (c *DataCapturer) Capture(_ context.Context, cc *CaptureContext) []ItemRecord {
	return cc.copyPaths(CategoryData, cc.Targets.DataPaths, func(src, dst, rel string) (string, error) {
		base := ""
		if cc.DataBase != "" {
			// DataBase points at <prev>/data; rel starts with "data/".
			relInData, err := filepath.Rel(string(CategoryData), rel)
			if err != nil {
				return "", fmt.Errorf("computing base path: %w", err)
			}
			base = filepath.Join(cc.DataBase, relInData)
		}
		stats, err := cc.FS.LinkTree(src, dst, base)
		if err != nil {
			return "", err
		}
		cc.DataStats.Copied += stats.Copied
		cc.DataStats.Linked += stats.Linked
		return fmt.Sprintf("%d copied, %d linked", stats.Copied, stats.Linked), nil
	})
}
