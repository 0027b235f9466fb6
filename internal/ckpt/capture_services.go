package ckpt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ServiceState is the persisted state of one tracked service.
type ServiceState struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Enabled   bool   `json:"enabled"`
	UnitFound bool   `json:"unit_found"`
	UnitPath  string `json:"unit_path,omitempty"`
}

func serviceStateRel(name string) string {
	return filepath.Join(string(CategoryServices), name+".state.json")
}

func serviceUnitRel(name string) string {
	return filepath.Join(string(CategoryServices), name+".unit")
}

// ServiceCapturer records active/enabled flags and unit definitions. It only
// reads from the supervisor.
type ServiceCapturer struct {
	supervisor ServiceSupervisor
}

func NewServiceCapturer(supervisor ServiceSupervisor) *ServiceCapturer {
	return &ServiceCapturer{supervisor: supervisor}
}

func (c *ServiceCapturer) Category() Category { return CategoryServices }

func (c *ServiceCapturer) Capture(ctx context.Context, cc *CaptureContext) []ItemRecord {
	if _, err := cc.mkdirCategory(CategoryServices); err != nil {
		return []ItemRecord{cc.failed(CategoryServices, string(CategoryServices), err)}
	}
	items := make([]ItemRecord, 0, len(cc.Targets.Services))
	for _, name := range cc.Targets.Services {
		items = append(items, c.captureOne(ctx, cc, name))
	}
	return items
}

func (c *ServiceCapturer) captureOne(ctx context.Context, cc *CaptureContext, name string) ItemRecord {
	state := ServiceState{Name: name}

	callCtx, cancel := withTimeout(ctx, cc.Timeout)
	active, err := c.supervisor.IsActive(callCtx, name)
	cancel()
	if err != nil {
		return cc.failed(CategoryServices, name, fmt.Errorf("reading active state: %w", err))
	}
	state.Active = active

	callCtx, cancel = withTimeout(ctx, cc.Timeout)
	enabled, err := c.supervisor.IsEnabled(callCtx, name)
	cancel()
	if err != nil {
		return cc.failed(CategoryServices, name, fmt.Errorf("reading enabled state: %w", err))
	}
	state.Enabled = enabled

	callCtx, cancel = withTimeout(ctx, cc.Timeout)
	unitPath, unit, err := c.supervisor.ReadUnit(callCtx, name)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		state.UnitFound = false
	case err != nil:
		return cc.failed(CategoryServices, name, fmt.Errorf("reading unit definition: %w", err))
	default:
		state.UnitFound = true
		state.UnitPath = unitPath
		if err := cc.FS.WriteFileAtomic(filepath.Join(cc.Root, serviceUnitRel(name)), unit, 0o640); err != nil {
			return cc.failed(CategoryServices, name, fmt.Errorf("writing unit definition: %w", err))
		}
	}

	rel := serviceStateRel(name)
	if err := cc.writeJSON(rel, state); err != nil {
		return cc.failed(CategoryServices, name, err)
	}
	if !state.UnitFound {
		item := cc.notFound(CategoryServices, name, "unit definition not found")
		item.Path = rel
		return item
	}
	return cc.captured(CategoryServices, name, rel, fmt.Sprintf("active=%t enabled=%t", state.Active, state.Enabled))
}
