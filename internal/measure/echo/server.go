package echo

import (
	"context"
	"net"
	"sync"

	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/pkg/errors"
)

// ErrServerClosed is returned by Serve when the server was never bound or was
// closed without cancelling its context.
var ErrServerClosed = errors.New("echo server closed")

// Server echoes every datagram it receives.
type Server struct {
	config ServerConfig
	logger logging.Logger

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewServer(config ServerConfig) *Server {
	config.setDefaults()
	return &Server{
		config: config,
		logger: config.Logger.With("component", "server", "listener", config.Addr, "policy", config.Policy.String()),
	}
}

// Listen binds the configured address. Failure is not retried.
func (s *Server) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", s.config.Addr)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding %s", s.config.Addr)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Infof("echo server bound to %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Serve echoes datagrams until ctx is cancelled. Read and write errors are
// logged and never stop the loop.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrServerClosed
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	s.logger.Infof("listening for probes")
	buffer := make([]byte, s.config.BufferSize)
	for {
		n, src, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if ctx.Err() != nil {
					s.logger.Infof("stopping server")
					return nil
				}
				return ErrServerClosed
			}
			echoErrors.WithLabelValues("read").Inc()
			s.logger.Errorf("error reading: %v", err)
			continue
		}

		s.logger.Debugf("received %d bytes from %s", n, src)
		s.echo(conn, buffer[:n], src)
	}
}

func (s *Server) echo(conn *net.UDPConn, payload []byte, src *net.UDPAddr) {
	dst, err := s.destination(payload, src)
	if err != nil {
		echoPackets.WithLabelValues("dropped").Inc()
		s.logger.Warnf("dropping datagram from %s: %v", src, err)
		return
	}

	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		echoErrors.WithLabelValues("write").Inc()
		s.logger.Errorf("error echoing to %s: %v", dst, err)
		return
	}
	echoPackets.WithLabelValues("echoed").Inc()
	s.logger.Debugf("echoed %d bytes to %s", len(payload), dst)
}

func (s *Server) destination(payload []byte, src *net.UDPAddr) (*net.UDPAddr, error) {
	switch s.config.Policy {
	case EchoSource:
		return src, nil
	case EchoReturnPort:
		port, err := ReturnPort(payload)
		if err != nil {
			return nil, err
		}
		if port == 0 {
			return nil, errors.New("return port is zero")
		}
		return &net.UDPAddr{IP: src.IP, Port: int(port), Zone: src.Zone}, nil
	}
	return nil, errors.Errorf("unsupported echo policy %s", s.config.Policy)
}

// Close releases the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
