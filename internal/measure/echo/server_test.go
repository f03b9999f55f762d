package echo

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

func startServer(t *testing.T, policy EchoPolicy) *Server {
	t.Helper()

	s := NewServer(ServerConfig{
		Addr:   "127.0.0.1:0",
		Policy: policy,
		Logger: logging.NewNopLogger(),
	})
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func loopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithin(t *testing.T, conn *net.UDPConn, d time.Duration) ([]byte, *net.UDPAddr) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(d)))
	buf := make([]byte, 2048)
	n, from, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], from
}

func TestServerEchoesToSource(t *testing.T) {
	s := startServer(t, EchoSource)
	client := loopbackConn(t)

	payloads := [][]byte{
		Encode(Build(1, uint128.From64(1000))),
		{0xde, 0xad, 0xbe, 0xef},
		make([]byte, MessageSize),
	}
	for _, p := range payloads {
		_, err := client.WriteToUDP(p, s.Addr())
		require.NoError(t, err)

		got, from := readWithin(t, client, time.Second)
		assert.Equal(t, p, got)
		assert.Equal(t, s.Addr().Port, from.Port)
	}
}

func TestServerEchoesToReturnPort(t *testing.T) {
	s := startServer(t, EchoReturnPort)
	tx := loopbackConn(t)
	rx := loopbackConn(t)

	payload := EncodeWithReturnPort(uint16(rx.LocalAddr().(*net.UDPAddr).Port), Build(3, uint128.From64(77)))
	_, err := tx.WriteToUDP(payload, s.Addr())
	require.NoError(t, err)

	got, _ := readWithin(t, rx, time.Second)
	assert.Equal(t, payload, got)
}

func TestServerDropsShortReturnPortPayload(t *testing.T) {
	s := startServer(t, EchoReturnPort)
	client := loopbackConn(t)

	_, err := client.WriteToUDP([]byte{0x01}, s.Addr())
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = client.ReadFromUDP(make([]byte, 16))
	assert.Error(t, err, "nothing is echoed")

	// server keeps serving
	rxPort := uint16(client.LocalAddr().(*net.UDPAddr).Port)
	payload := EncodeWithReturnPort(rxPort, Build(4, uint128.From64(5)))
	_, err = client.WriteToUDP(payload, s.Addr())
	require.NoError(t, err)
	got, _ := readWithin(t, client, time.Second)
	assert.Equal(t, payload, got)
}

func TestServerListenFailure(t *testing.T) {
	taken := loopbackConn(t)

	s := NewServer(ServerConfig{Addr: taken.LocalAddr().String(), Logger: logging.NewNopLogger()})
	assert.Error(t, s.Listen())

	assert.ErrorIs(t, s.Serve(context.Background()), ErrServerClosed)
}

func TestParseEchoPolicy(t *testing.T) {
	p, err := ParseEchoPolicy("source")
	require.NoError(t, err)
	assert.Equal(t, EchoSource, p)

	p, err = ParseEchoPolicy("return-port")
	require.NoError(t, err)
	assert.Equal(t, EchoReturnPort, p)
	assert.Equal(t, "return-port", p.String())

	_, err = ParseEchoPolicy("mirror")
	assert.Error(t, err)
}
