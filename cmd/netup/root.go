package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/DrC0ns0le/netup/internal/config"
	"github.com/DrC0ns0le/netup/internal/metrics"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  logging.Logger

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "netup",
	Short: "UDP packet loss and latency monitor",
	Long: `netup measures packet loss and round-trip latency on a network path.

Run "netup server" on the far end to echo probes back and "netup client"
on the near end to send them, track echoes and export the history to CSV.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		logging.SetLevel(level)
		logger = logging.NewDefaultLogger()
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("metrics", true, "serve prometheus metrics")
	flags.String("metrics-addr", metrics.DefaultAddr, "address for the metrics server")

	bindFlag("logging.level", flags.Lookup("log-level"))
	bindFlag("metrics.enabled", flags.Lookup("metrics"))
	bindFlag("metrics.addr", flags.Lookup("metrics-addr"))

	rootCmd.AddCommand(clientCmd, serverCmd, reportCmd)
}

// bindFlag lets a flag override key when it is set on the command line.
func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics runs the metrics server in g when enabled.
func serveMetrics(ctx context.Context, g *errgroup.Group, extra map[string]http.Handler) {
	if !cfg.Metrics.Enabled {
		return
	}
	mc := cfg.MetricsOptions()
	mc.Logger = logger
	g.Go(func() error {
		return metrics.Serve(ctx, mc, extra)
	})
}
