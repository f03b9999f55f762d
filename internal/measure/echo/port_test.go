package echo

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = net.IPv4(127, 0, 0, 1)

func TestAcquirePortSkipsPortsInUse(t *testing.T) {
	taken := loopbackConn(t)
	start := taken.LocalAddr().(*net.UDPAddr).Port
	if start > 65535-32 {
		t.Skip("ephemeral port too close to the top of the range")
	}

	conn, err := acquirePort(listenUDP, loopback, start, start+32)
	require.NoError(t, err)
	defer conn.Close()

	port := conn.LocalAddr().(*net.UDPAddr).Port
	assert.Greater(t, port, start)
	assert.LessOrEqual(t, port, start+32)
}

func TestAcquirePortExhausted(t *testing.T) {
	taken := loopbackConn(t)
	port := taken.LocalAddr().(*net.UDPAddr).Port

	_, err := acquirePort(listenUDP, loopback, port, port)
	assert.True(t, errors.Is(err, ErrPortsExhausted), "got %v", err)
}

func TestAcquirePortFatalError(t *testing.T) {
	calls := 0
	listen := func(*net.UDPAddr) (*net.UDPConn, error) {
		calls++
		return nil, &net.OpError{Op: "listen", Net: "udp", Err: os.NewSyscallError("bind", syscall.EACCES)}
	}

	_, err := acquirePort(listen, loopback, 100, 200)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrPortsExhausted))
	assert.True(t, errors.Is(err, syscall.EACCES))
	assert.Equal(t, 1, calls, "scan stops at the first non-contention error")
}

func TestAcquirePortContentionThenSuccess(t *testing.T) {
	var tried []int
	listen := func(laddr *net.UDPAddr) (*net.UDPConn, error) {
		tried = append(tried, laddr.Port)
		if laddr.Port < 56703 {
			return nil, &net.OpError{Op: "listen", Net: "udp", Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
		}
		return net.ListenUDP("udp", &net.UDPAddr{IP: loopback})
	}

	conn, err := acquirePort(listen, loopback, 56701, 56710)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, []int{56701, 56702, 56703}, tried)
}

func TestAcquirePortInvalidRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {10, 5}, {60000, 70000}} {
		_, err := acquirePort(listenUDP, loopback, r[0], r[1])
		assert.Error(t, err, "%v", r)
	}
}

func TestBindLocal(t *testing.T) {
	conn, err := bindLocal(listenUDP, "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	taken := conn.LocalAddr().String()
	_, err = bindLocal(listenUDP, taken)
	assert.True(t, errors.Is(err, syscall.EADDRINUSE))

	_, err = bindLocal(listenUDP, "not an address")
	assert.Error(t, err)
}
