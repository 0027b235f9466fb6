//go:build linux

package netinfo

import (
	"context"
	"fmt"

	"github.com/vishvananda/netlink"

	"ckpt-go/internal/ckpt"
)

func interfaces(_ context.Context) ([]ckpt.InterfaceInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	out := make([]ckpt.InterfaceInfo, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		info := ckpt.InterfaceInfo{
			Name:  attrs.Name,
			MTU:   attrs.MTU,
			State: attrs.OperState.String(),
		}
		if len(attrs.HardwareAddr) > 0 {
			info.HardwareAddr = attrs.HardwareAddr.String()
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return nil, fmt.Errorf("listing addresses of %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if a.IPNet != nil {
				info.Addresses = append(info.Addresses, a.IPNet.String())
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func routes(_ context.Context) ([]ckpt.RouteInfo, error) {
	list, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	names := map[int]string{}
	if links, err := netlink.LinkList(); err == nil {
		for _, l := range links {
			names[l.Attrs().Index] = l.Attrs().Name
		}
	}
	out := make([]ckpt.RouteInfo, 0, len(list))
	for _, r := range list {
		info := ckpt.RouteInfo{
			Destination: "default",
			Interface:   names[r.LinkIndex],
			Scope:       r.Scope.String(),
		}
		if r.Dst != nil {
			info.Destination = r.Dst.String()
		}
		if r.Gw != nil {
			info.Gateway = r.Gw.String()
		}
		out = append(out, info)
	}
	return out, nil
}
