package echo

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/DrC0ns0le/netup/internal/events"
	"github.com/DrC0ns0le/netup/internal/system/netctl"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/DrC0ns0le/netup/pkg/timestamp"
	"github.com/pkg/errors"
	"lukechampine.com/uint128"
)

// minPoll keeps an overdue receive a real syscall: an expired deadline would
// fail the read before checking the socket.
const minPoll = 100 * time.Microsecond

// Client sends a probe every Interval and turns valid echoes into events.
// Sending and receiving share one control loop.
type Client struct {
	config ClientConfig
	logger logging.Logger
	events events.Publisher

	remote *net.UDPAddr
	// conn sends probes, and receives echoes unless rxConn is set
	conn *net.UDPConn
	// rxConn receives echoes in split mode
	rxConn     *net.UDPConn
	returnPort uint16

	nextIndex uint64
	nextSend  time.Time
	lastSent  uint128.Uint128

	buf []byte
}

// NewClient resolves the remote address and binds the local socket(s).
// Bind failures other than port contention are returned as is.
func NewClient(config ClientConfig) (*Client, error) {
	config.setDefaults()

	if config.RemoteAddr == "" {
		return nil, errors.New("remote address is required")
	}
	if config.Interval <= 0 {
		return nil, errors.Errorf("invalid probe interval %s", config.Interval)
	}

	remote, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving remote address %s", config.RemoteAddr)
	}

	if config.Interface != "" && config.BindIP.Equal(net.IPv4zero) {
		ip, err := netctl.InterfaceIPv4(config.Interface)
		if err != nil {
			return nil, errors.Wrap(err, "resolving bind address")
		}
		config.BindIP = ip
	}

	c := &Client{
		config: config,
		logger: config.Logger.With("component", "client"),
		events: config.Events,
		remote: remote,
		buf:    make([]byte, config.BufferSize),
	}
	if c.events == nil {
		c.events = events.Discard
	}

	if config.LocalAddr != "" {
		c.conn, err = bindLocal(config.listen, config.LocalAddr)
	} else {
		c.conn, err = acquirePort(config.listen, config.BindIP, config.PortRangeStart, config.PortRangeEnd)
	}
	if err != nil {
		return nil, err
	}

	if config.SplitReceive {
		rxStart := c.conn.LocalAddr().(*net.UDPAddr).Port + 1
		if config.LocalAddr != "" || rxStart > config.PortRangeEnd {
			rxStart = config.PortRangeStart
		}
		c.rxConn, err = acquirePort(config.listen, c.localIP(), rxStart, config.PortRangeEnd)
		if err != nil {
			c.conn.Close()
			return nil, errors.Wrap(err, "acquiring receive port")
		}
		c.returnPort = uint16(c.rxConn.LocalAddr().(*net.UDPAddr).Port)
	}

	if r, err := netctl.RouteTo(remote.IP); err == nil {
		c.logger.Debugf("route to %s via %s src %s", remote.IP, r.Iface, r.Src)
	}

	return c, nil
}

func (c *Client) localIP() net.IP {
	return c.conn.LocalAddr().(*net.UDPAddr).IP
}

// LocalAddr returns the address probes are sent from.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// ReceiveAddr returns the address echoes are expected on.
func (c *Client) ReceiveAddr() *net.UDPAddr {
	return c.receiver().LocalAddr().(*net.UDPAddr)
}

func (c *Client) receiver() *net.UDPConn {
	if c.rxConn != nil {
		return c.rxConn
	}
	return c.conn
}

// Run probes until ctx is cancelled. It only returns an error if the client was
// closed underneath it.
func (c *Client) Run(ctx context.Context) error {
	c.nextSend = c.config.Clock()
	c.logger.Infof("probing %s from %s every %s", c.remote, c.LocalAddr(), c.config.Interval)
	if c.rxConn != nil {
		c.logger.Infof("receiving echoes on %s", c.ReceiveAddr())
	}

	for {
		if ctx.Err() != nil {
			c.logger.Infof("stopping client after %d probes", c.nextIndex)
			return nil
		}

		now := c.config.Clock()
		if !now.Before(c.nextSend) {
			c.send(now)
		}

		if err := c.receive(c.pollTimeout()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Client) pollTimeout() time.Duration {
	wait := c.nextSend.Sub(c.config.Clock())
	if wait > c.config.PollInterval {
		wait = c.config.PollInterval
	}
	if wait < minPoll {
		wait = minPoll
	}
	return wait
}

// send transmits the probe for the current slot. A failed write still moves
// the schedule on but does not consume the index.
func (c *Client) send(now time.Time) {
	sentTime := timestamp.FromTime(now)
	if !c.lastSent.IsZero() && c.lastSent.Cmp(sentTime) >= 0 {
		sentTime = c.lastSent.Add64(1)
	}

	msg := Build(c.nextIndex, sentTime)
	var payload []byte
	if c.rxConn != nil {
		payload = EncodeWithReturnPort(c.returnPort, msg)
	} else {
		payload = Encode(msg)
	}

	c.nextSend = c.nextSend.Add(c.config.Interval)

	if _, err := c.conn.WriteToUDP(payload, c.remote); err != nil {
		probeErrors.WithLabelValues("write").Inc()
		c.logger.Errorf("error sending probe %d to %s: %v", msg.Index, c.remote, err)
		return
	}

	c.events.Publish(events.NewSent(msg.Index, sentTime))
	probesSent.Inc()
	c.lastSent = sentTime
	c.nextIndex++
}

// receive waits up to timeout for one datagram. Timeouts and transient read
// errors return nil; only a closed socket is reported.
func (c *Client) receive(timeout time.Duration) error {
	conn := c.receiver()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		c.logger.Errorf("error setting read deadline: %v", err)
	}

	n, _, err := conn.ReadFromUDP(c.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if errors.Is(err, net.ErrClosed) {
			return err
		}
		probeErrors.WithLabelValues("read").Inc()
		c.logger.Errorf("error receiving: %v", err)
		return nil
	}

	c.handle(c.buf[:n], c.config.Clock())
	return nil
}

func (c *Client) handle(payload []byte, now time.Time) {
	var (
		msg Message
		err error
	)
	if c.rxConn != nil {
		_, msg, err = DecodeWithReturnPort(payload)
	} else {
		msg, err = Decode(payload)
	}
	if err != nil {
		probesInvalid.WithLabelValues("decode").Inc()
		c.logger.Warnf("dropping datagram: %v", err)
		return
	}

	if !msg.Verify() {
		probesInvalid.WithLabelValues("hash").Inc()
		c.logger.Warnf("hash check failed for presumed index %d", msg.Index)
		return
	}

	receivedTime := timestamp.FromTime(now)
	rtt := timestamp.Since(receivedTime, msg.SentTime)

	c.events.Publish(events.NewReceived(msg.Index, receivedTime))
	probesReceived.Inc()
	probeRTT.Observe(float64(rtt))
	c.logger.Debugf("received index %d with delta %dms", msg.Index, rtt)
}

// Close releases the client's sockets.
func (c *Client) Close() error {
	var err error
	if c.rxConn != nil {
		err = c.rxConn.Close()
	}
	if cerr := c.conn.Close(); cerr != nil {
		err = cerr
	}
	return err
}
