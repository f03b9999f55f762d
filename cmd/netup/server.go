package main

import (
	"github.com/DrC0ns0le/netup/internal/measure/echo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server [addr]",
	Short: "Echo probes back to clients",
	Example: `  netup server 0.0.0.0:56700
  netup server --policy return-port`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServer,
}

func init() {
	f := serverCmd.Flags()
	f.String("addr", "0.0.0.0:56700", "address to listen on, ip:port")
	f.String("policy", echo.EchoSource.String(), "where to send echoes: source or return-port")

	bindFlag("server.addr", f.Lookup("addr"))
	bindFlag("server.policy", f.Lookup("policy"))
}

func runServer(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		cfg.Server.Addr = args[0]
	}

	sc, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	sc.Logger = logger

	srv := echo.NewServer(sc)
	if err := srv.Listen(); err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signalContext()
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	serveMetrics(gctx, g, nil)

	return g.Wait()
}
