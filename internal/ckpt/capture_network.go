package ckpt

import (
	"context"
	"path/filepath"
)

// Network subtree layout.
const (
	firewallRulesFile = "firewall.rules"
	interfacesFile    = "interfaces.json"
	routesFile        = "routes.json"
	listeningFile     = "listening.txt"
)

func firewallRulesRel() string {
	return filepath.Join(string(CategoryNetwork), firewallRulesFile)
}

// NetworkCapturer snapshots the firewall ruleset plus informational
// interface, route and listening-socket state. Only the ruleset is ever
// restored.
type NetworkCapturer struct {
	inspector NetworkInspector
	firewall  Firewall
}

func NewNetworkCapturer(inspector NetworkInspector, firewall Firewall) *NetworkCapturer {
	return &NetworkCapturer{inspector: inspector, firewall: firewall}
}

func (c *NetworkCapturer) Category() Category { return CategoryNetwork }

func (c *NetworkCapturer) Capture(ctx context.Context, cc *CaptureContext) []ItemRecord {
	if _, err := cc.mkdirCategory(CategoryNetwork); err != nil {
		return []ItemRecord{cc.failed(CategoryNetwork, string(CategoryNetwork), err)}
	}
	var items []ItemRecord

	raw := func(file string, fetch func(ctx context.Context) ([]byte, error)) {
		callCtx, cancel := withTimeout(ctx, cc.Timeout)
		data, err := fetch(callCtx)
		cancel()
		if err != nil {
			items = append(items, cc.failed(CategoryNetwork, file, err))
			return
		}
		rel := filepath.Join(string(CategoryNetwork), file)
		if err := cc.FS.WriteFileAtomic(filepath.Join(cc.Root, rel), data, 0o640); err != nil {
			items = append(items, cc.failed(CategoryNetwork, file, err))
			return
		}
		items = append(items, cc.captured(CategoryNetwork, file, rel, ""))
	}
	structured := func(file string, fetch func(ctx context.Context) (any, error)) {
		callCtx, cancel := withTimeout(ctx, cc.Timeout)
		v, err := fetch(callCtx)
		cancel()
		if err != nil {
			items = append(items, cc.failed(CategoryNetwork, file, err))
			return
		}
		rel := filepath.Join(string(CategoryNetwork), file)
		if err := cc.writeJSON(rel, v); err != nil {
			items = append(items, cc.failed(CategoryNetwork, file, err))
			return
		}
		items = append(items, cc.captured(CategoryNetwork, file, rel, ""))
	}

	if c.firewall != nil {
		raw(firewallRulesFile, c.firewall.Save)
	} else {
		items = append(items, ItemRecord{Category: CategoryNetwork, Target: firewallRulesFile, Status: ItemSkipped, Detail: "firewall backend disabled"})
	}
	if c.inspector != nil {
		structured(interfacesFile, func(ctx context.Context) (any, error) { return c.inspector.Interfaces(ctx) })
		structured(routesFile, func(ctx context.Context) (any, error) { return c.inspector.Routes(ctx) })
		raw(listeningFile, c.inspector.ListeningSockets)
	}
	return items
}
