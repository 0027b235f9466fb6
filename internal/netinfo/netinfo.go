// Package netinfo reads network state for capture and drives the host
// firewall tools.
package netinfo

import (
	"context"
	"fmt"

	"ckpt-go/internal/ckpt"
	"ckpt-go/internal/hostexec"
)

// Inspector implements ckpt.NetworkInspector. Interfaces and routes come
// from netlink on linux; listening sockets come from ss.
type Inspector struct {
	run hostexec.Runner
}

func NewInspector(run hostexec.Runner) *Inspector {
	return &Inspector{run: run}
}

func (i *Inspector) Interfaces(ctx context.Context) ([]ckpt.InterfaceInfo, error) {
	return interfaces(ctx)
}

func (i *Inspector) Routes(ctx context.Context) ([]ckpt.RouteInfo, error) {
	return routes(ctx)
}

func (i *Inspector) ListeningSockets(ctx context.Context) ([]byte, error) {
	out, err := i.run.Run(ctx, nil, "ss", "-tulpn")
	if err != nil {
		return nil, fmt.Errorf("listing sockets: %w", err)
	}
	return out, nil
}

var _ ckpt.NetworkInspector = (*Inspector)(nil)
