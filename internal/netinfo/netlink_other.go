//go:build !linux

package netinfo

import (
	"context"
	"errors"
	"fmt"
	"net"

	"ckpt-go/internal/ckpt"
)

func interfaces(_ context.Context) ([]ckpt.InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	out := make([]ckpt.InterfaceInfo, 0, len(ifaces))
	for _, ifc := range ifaces {
		info := ckpt.InterfaceInfo{Name: ifc.Name, MTU: ifc.MTU, State: "down", HardwareAddr: ifc.HardwareAddr.String()}
		if ifc.Flags&net.FlagUp != 0 {
			info.State = "up"
		}
		if addrs, err := ifc.Addrs(); err == nil {
			for _, a := range addrs {
				info.Addresses = append(info.Addresses, a.String())
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func routes(_ context.Context) ([]ckpt.RouteInfo, error) {
	return nil, errors.New("route listing is supported on linux only")
}
