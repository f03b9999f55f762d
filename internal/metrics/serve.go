package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultAddr = ":5120"
	DefaultPath = "/metrics"

	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr   string
	Path   string
	Logger logging.Logger

	// Ready, if set, receives the bound address once the listener is up
	Ready func(net.Addr)
}

// Handler builds the mux serving the metrics endpoint, /hello and extra.
func Handler(path string, extra map[string]http.Handler) http.Handler {
	if path == "" {
		path = DefaultPath
	}

	mux := http.NewServeMux()
	mux.Handle("/hello", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	mux.Handle(path, promhttp.Handler())
	for p, h := range extra {
		mux.Handle(p, h)
	}
	return mux
}

// Serve runs the metrics server until ctx is cancelled.
func Serve(ctx context.Context, config Config, extra map[string]http.Handler) error {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Logger == nil {
		config.Logger = logging.NewDefaultLogger()
	}
	logger := config.Logger.With("component", "metrics")

	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", config.Addr)
	}

	srv := &http.Server{
		Handler:           Handler(config.Path, extra),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logger.Infof("serving metrics on %s", ln.Addr())
	if config.Ready != nil {
		config.Ready(ln.Addr())
	}

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down metrics server")
	}
	logger.Info("metrics server stopped")
	return nil
}
