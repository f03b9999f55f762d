package main

import (
	"context"
	"net/http"

	"github.com/DrC0ns0le/netup/internal/events"
	"github.com/DrC0ns0le/netup/internal/measure/echo"
	"github.com/DrC0ns0le/netup/internal/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var clientCmd = &cobra.Command{
	Use:   "client [remote]",
	Short: "Send probes to an echo server and track loss and latency",
	Example: `  netup client 192.0.2.10:56700
  netup client --split --export loss.csv 192.0.2.10:56700`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClient,
}

func init() {
	f := clientCmd.Flags()
	f.String("remote", "", "echo server address, host:port")
	f.String("local", "", "bind to this address instead of scanning for a free port")
	f.String("interface", "", "bind to the first IPv4 address of this interface")
	f.Duration("interval", echo.DefaultInterval, "time between probes")
	f.Bool("split", false, "receive echoes on a second socket (server must use the return-port policy)")
	f.String("export", "", "append settled records to this CSV file")
	f.Duration("max-delay", monitor.DefaultMaxDelay, "how long to wait for an echo before counting the probe as lost")
	f.Duration("lookback", monitor.DefaultLookback, "window kept in memory and summarized")

	bindFlag("client.remote", f.Lookup("remote"))
	bindFlag("client.local_addr", f.Lookup("local"))
	bindFlag("client.interface", f.Lookup("interface"))
	bindFlag("client.interval", f.Lookup("interval"))
	bindFlag("client.split_receive", f.Lookup("split"))
	bindFlag("monitor.export_path", f.Lookup("export"))
	bindFlag("monitor.max_delay", f.Lookup("max-delay"))
	bindFlag("monitor.lookback", f.Lookup("lookback"))
}

func runClient(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		cfg.Client.Remote = args[0]
	}

	cc, err := cfg.ClientOptions()
	if err != nil {
		return err
	}

	bus := events.NewBus()
	cc.Events = bus
	cc.Logger = logger

	mc := cfg.MonitorOptions()
	mc.Logger = logger
	mon := monitor.New(mc)
	ch := bus.Subscribe(cfg.Monitor.EventBuffer)

	client, err := echo.NewClient(cc)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer bus.Close()
		return client.Run(gctx)
	})
	// the monitor stops when the bus closes so it sees every event the client published
	g.Go(func() error {
		err := mon.Run(context.Background(), ch)
		if dropped := bus.Dropped(); dropped > 0 {
			logger.Warnf("monitor fell behind and missed %d events", dropped)
		}
		return err
	})
	serveMetrics(gctx, g, map[string]http.Handler{"/series": mon.SeriesHandler()})

	return g.Wait()
}
