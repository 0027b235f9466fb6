package ckpt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Container subtree layout.
const (
	containersRunningFile = "containers_running.json"
	containersAllFile     = "containers_all.json"
	volumesFile           = "volumes.json"
	networksFile          = "networks.json"
	volumeArchiveDir      = "volumes"
	volumeArchiveExt      = ".tar"
)

func volumeArchiveRel(name string) string {
	return filepath.Join(string(CategoryDocker), volumeArchiveDir, name+volumeArchiveExt)
}

// ContainerCapturer records container, volume and network inventories and
// archives the content of selected volumes. It does nothing when the runtime
// does not answer a ping.
type ContainerCapturer struct {
	runtime ContainerRuntime
}

func NewContainerCapturer(runtime ContainerRuntime) *ContainerCapturer {
	return &ContainerCapturer{runtime: runtime}
}

func (c *ContainerCapturer) Category() Category { return CategoryDocker }

func (c *ContainerCapturer) Capture(ctx context.Context, cc *CaptureContext) []ItemRecord {
	if c.runtime == nil {
		return []ItemRecord{{Category: CategoryDocker, Target: "runtime", Status: ItemSkipped, Detail: "container runtime not configured"}}
	}
	pingCtx, cancel := withTimeout(ctx, cc.Timeout)
	err := c.runtime.Ping(pingCtx)
	cancel()
	if err != nil {
		cc.Logger.Warn("container runtime inactive, skipping container capture", "err", err)
		return []ItemRecord{{Category: CategoryDocker, Target: "runtime", Status: ItemSkipped, Detail: "container runtime inactive: " + err.Error()}}
	}
	if _, err := cc.mkdirCategory(CategoryDocker); err != nil {
		return []ItemRecord{cc.failed(CategoryDocker, "runtime", err)}
	}

	var items []ItemRecord
	inventory := func(file string, fetch func(ctx context.Context) (any, error)) {
		callCtx, cancel := withTimeout(ctx, cc.Timeout)
		v, err := fetch(callCtx)
		cancel()
		if err != nil {
			items = append(items, cc.failed(CategoryDocker, file, err))
			return
		}
		rel := filepath.Join(string(CategoryDocker), file)
		if err := cc.writeJSON(rel, v); err != nil {
			items = append(items, cc.failed(CategoryDocker, file, err))
			return
		}
		items = append(items, cc.captured(CategoryDocker, file, rel, ""))
	}

	inventory(containersRunningFile, func(ctx context.Context) (any, error) {
		return c.runtime.ListContainers(ctx, false)
	})
	inventory(containersAllFile, func(ctx context.Context) (any, error) {
		return c.runtime.ListContainers(ctx, true)
	})
	var volumes []VolumeSummary
	inventory(volumesFile, func(ctx context.Context) (any, error) {
		vs, err := c.runtime.ListVolumes(ctx)
		volumes = vs
		return vs, err
	})
	inventory(networksFile, func(ctx context.Context) (any, error) {
		return c.runtime.ListNetworks(ctx)
	})

	selected := selectVolumes(volumes, cc.Targets.Volumes)
	if len(selected) == 0 {
		return items
	}
	if err := os.MkdirAll(filepath.Join(cc.Root, string(CategoryDocker), volumeArchiveDir), 0o750); err != nil {
		return append(items, cc.failed(CategoryDocker, volumeArchiveDir, err))
	}
	for _, name := range selected {
		items = append(items, c.exportVolume(ctx, cc, name))
	}
	return items
}

func selectVolumes(volumes []VolumeSummary, sel VolumeSelector) []string {
	if sel == nil {
		return nil
	}
	var names []string
	for _, v := range volumes {
		if sel(v.Name) {
			names = append(names, v.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (c *ContainerCapturer) exportVolume(ctx context.Context, cc *CaptureContext, name string) ItemRecord {
	target := "volume:" + name
	rel := volumeArchiveRel(name)
	dst := filepath.Join(cc.Root, rel)
	tmp := dst + ".partial"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return cc.failed(CategoryDocker, target, fmt.Errorf("creating volume archive: %w", err))
	}
	callCtx, cancel := withTimeout(ctx, cc.Timeout)
	err = c.runtime.ExportVolume(callCtx, name, f)
	cancel()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return cc.failed(CategoryDocker, target, fmt.Errorf("exporting volume: %w", err))
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return cc.failed(CategoryDocker, target, fmt.Errorf("finalizing volume archive: %w", err))
	}
	return cc.captured(CategoryDocker, target, rel, "")
}
