package echo

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/DrC0ns0le/netup/internal/events"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DefaultPortRangeStart = 56701
	DefaultPortRangeEnd   = 65535
	DefaultInterval       = 10 * time.Millisecond
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultBufferSize     = 1024
)

var (
	probesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netup_probes_sent_total",
		Help: "Probe messages transmitted",
	})
	probesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netup_probes_received_total",
		Help: "Valid probe echoes received",
	})
	probesInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_probes_invalid_total",
		Help: "Inbound datagrams dropped by the client",
	}, []string{"reason"})
	probeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_probe_socket_errors_total",
		Help: "Client socket errors",
	}, []string{"op"})
	probeRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netup_probe_rtt_milliseconds",
		Help:    "Distribution of probe round-trip times in milliseconds",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
	})

	echoPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_echo_packets_total",
		Help: "Datagrams handled by the responder",
	}, []string{"result"})
	echoErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netup_echo_socket_errors_total",
		Help: "Responder socket errors",
	}, []string{"op"})
)

// EchoPolicy selects where the responder sends echoes.
type EchoPolicy int

const (
	// EchoSource replies to the datagram's source address
	EchoSource EchoPolicy = iota
	// EchoReturnPort replies to the source IP on the port carried in the
	// first two bytes of the payload
	EchoReturnPort
)

func (p EchoPolicy) String() string {
	switch p {
	case EchoSource:
		return "source"
	case EchoReturnPort:
		return "return-port"
	}
	return fmt.Sprintf("EchoPolicy(%d)", int(p))
}

// ParseEchoPolicy accepts "source" and "return-port".
func ParseEchoPolicy(s string) (EchoPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "source":
		return EchoSource, nil
	case "return-port", "return_port", "returnport":
		return EchoReturnPort, nil
	}
	return EchoSource, fmt.Errorf("unknown echo policy %q", s)
}

// ClientConfig configures the probing client.
type ClientConfig struct {
	// RemoteAddr is the responder address, host:port
	RemoteAddr string
	// LocalAddr binds the client to an explicit address, skipping the port scan
	LocalAddr string
	// BindIP is the IP used while scanning for a free port
	BindIP net.IP
	// Interface, when set and BindIP is not, supplies BindIP from the
	// interface's first IPv4 address
	Interface string
	// PortRangeStart and PortRangeEnd bound the port scan, inclusive
	PortRangeStart int
	PortRangeEnd   int
	// Interval is the time between probes
	Interval time.Duration
	// PollInterval caps how long a single receive may wait
	PollInterval time.Duration
	// SplitReceive receives echoes on a second socket whose port is carried in
	// every outbound message. Requires a responder using EchoReturnPort.
	SplitReceive bool
	// BufferSize is the receive buffer size in bytes
	BufferSize int

	Events events.Publisher
	Logger logging.Logger

	// Clock overrides time.Now, mostly for tests
	Clock func() time.Time

	listen listenFunc
}

func (c *ClientConfig) setDefaults() {
	if c.BindIP == nil {
		c.BindIP = net.IPv4zero
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = DefaultPortRangeStart
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = DefaultPortRangeEnd
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.listen == nil {
		c.listen = listenUDP
	}
}

// ServerConfig configures the echo responder.
type ServerConfig struct {
	// Addr is the address to bind, ip:port
	Addr string
	// Policy selects the echo destination
	Policy EchoPolicy
	// BufferSize is the receive buffer size in bytes
	BufferSize int

	Logger logging.Logger
}

func (c *ServerConfig) setDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefaultLogger()
	}
}
