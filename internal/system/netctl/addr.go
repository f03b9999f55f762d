package netctl

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// InterfaceIPv4 returns the first IPv4 address assigned to the named interface.
func InterfaceIPv4(name string) (net.IP, error) {
	if name == "" {
		return nil, fmt.Errorf("interface name cannot be empty")
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}

	for _, addr := range addrs {
		if addr.IPNet != nil && addr.IP.To4() != nil {
			return addr.IP.To4(), nil
		}
	}

	return nil, fmt.Errorf("interface %s has no IPv4 address", name)
}

// Route describes how the kernel reaches a destination.
type Route struct {
	Iface string
	Src   net.IP
	Gw    net.IP
}

// RouteTo asks the kernel which interface and source address it would use to
// reach dst.
func RouteTo(dst net.IP) (Route, error) {
	if dst == nil {
		return Route{}, fmt.Errorf("destination cannot be nil")
	}

	routes, err := netlink.RouteGet(dst)
	if err != nil {
		if err == unix.ENETUNREACH {
			return Route{}, fmt.Errorf("destination %s is unreachable", dst)
		}
		return Route{}, fmt.Errorf("failed to get route to %s: %w", dst, err)
	}
	if len(routes) == 0 {
		return Route{}, fmt.Errorf("no route to %s", dst)
	}

	r := Route{Src: routes[0].Src, Gw: routes[0].Gw}
	if link, err := netlink.LinkByIndex(routes[0].LinkIndex); err == nil {
		r.Iface = link.Attrs().Name
	}
	return r, nil
}
