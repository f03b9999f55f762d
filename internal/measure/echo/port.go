package echo

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrPortsExhausted is returned when every port in the scan range is in use.
var ErrPortsExhausted = errors.New("no free local port in range")

type listenFunc func(laddr *net.UDPAddr) (*net.UDPConn, error)

func listenUDP(laddr *net.UDPAddr) (*net.UDPConn, error) {
	return net.ListenUDP("udp", laddr)
}

// bindLocal binds an explicit ip:port.
func bindLocal(listen listenFunc, addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving local address %s", addr)
	}
	conn, err := listen(laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", addr)
	}
	return conn, nil
}

// acquirePort binds the first port in [start, end] on ip that is not already
// in use. Bind errors other than EADDRINUSE abort the scan.
func acquirePort(listen listenFunc, ip net.IP, start, end int) (*net.UDPConn, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, errors.Errorf("invalid port range %d-%d", start, end)
	}

	for port := start; port <= end; port++ {
		conn, err := listen(&net.UDPAddr{IP: ip, Port: port})
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, unix.EADDRINUSE) {
			continue
		}
		return nil, errors.Wrapf(err, "binding %s", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}

	return nil, errors.Wrapf(ErrPortsExhausted, "%s ports %d-%d", ip, start, end)
}
