// Package config loads netup configuration from defaults, an optional YAML
// file, NETUP_ environment variables and bound command-line flags.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/DrC0ns0le/netup/internal/measure/echo"
	"github.com/DrC0ns0le/netup/internal/metrics"
	"github.com/DrC0ns0le/netup/internal/monitor"
	"github.com/DrC0ns0le/netup/pkg/logging"
	"github.com/spf13/viper"
)

const EnvPrefix = "NETUP"

type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ClientConfig holds probing client settings
type ClientConfig struct {
	Remote         string        `mapstructure:"remote"`
	LocalAddr      string        `mapstructure:"local_addr"`
	Interface      string        `mapstructure:"interface"`
	BindIP         string        `mapstructure:"bind_ip"`
	PortRangeStart int           `mapstructure:"port_range_start"`
	PortRangeEnd   int           `mapstructure:"port_range_end"`
	Interval       time.Duration `mapstructure:"interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	SplitReceive   bool          `mapstructure:"split_receive"`
}

// ServerConfig holds echo responder settings
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	Policy string `mapstructure:"policy"`
}

// MonitorConfig holds history, export and report settings
type MonitorConfig struct {
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Lookback       time.Duration `mapstructure:"lookback"`
	ExportPath     string        `mapstructure:"export_path"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// SetDefaults registers every key so environment variables can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("client.remote", "")
	v.SetDefault("client.local_addr", "")
	v.SetDefault("client.interface", "")
	v.SetDefault("client.bind_ip", "0.0.0.0")
	v.SetDefault("client.port_range_start", echo.DefaultPortRangeStart)
	v.SetDefault("client.port_range_end", echo.DefaultPortRangeEnd)
	v.SetDefault("client.interval", echo.DefaultInterval)
	v.SetDefault("client.poll_interval", echo.DefaultPollInterval)
	v.SetDefault("client.split_receive", false)

	v.SetDefault("server.addr", "0.0.0.0:56700")
	v.SetDefault("server.policy", echo.EchoSource.String())

	v.SetDefault("monitor.max_delay", monitor.DefaultMaxDelay)
	v.SetDefault("monitor.lookback", monitor.DefaultLookback)
	v.SetDefault("monitor.export_path", "")
	v.SetDefault("monitor.export_interval", monitor.DefaultExportInterval)
	v.SetDefault("monitor.report_interval", monitor.DefaultReportInterval)
	v.SetDefault("monitor.event_buffer", 4096)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", metrics.DefaultAddr)
	v.SetDefault("metrics.path", metrics.DefaultPath)
}

// Default returns the configuration with no file, environment or flags applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

// Load reads configuration into v and unmarshals it. An empty path skips the
// config file; a path that cannot be read is an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings shared by every role.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if _, err := echo.ParseEchoPolicy(c.Server.Policy); err != nil {
		return err
	}
	if c.Client.BindIP != "" && net.ParseIP(c.Client.BindIP) == nil {
		return fmt.Errorf("client.bind_ip: invalid IP %q", c.Client.BindIP)
	}
	if c.Client.PortRangeStart < 1 || c.Client.PortRangeEnd > 65535 || c.Client.PortRangeStart > c.Client.PortRangeEnd {
		return fmt.Errorf("client: invalid port range %d-%d", c.Client.PortRangeStart, c.Client.PortRangeEnd)
	}
	if c.Client.Interval <= 0 {
		return fmt.Errorf("client.interval must be positive, got %s", c.Client.Interval)
	}
	if c.Client.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be positive, got %s", c.Client.PollInterval)
	}
	if c.Monitor.MaxDelay <= 0 {
		return fmt.Errorf("monitor.max_delay must be positive, got %s", c.Monitor.MaxDelay)
	}
	if c.Monitor.Lookback < c.Monitor.MaxDelay {
		return fmt.Errorf("monitor.lookback (%s) must not be shorter than monitor.max_delay (%s)", c.Monitor.Lookback, c.Monitor.MaxDelay)
	}
	if c.Monitor.ExportInterval <= 0 || c.Monitor.ReportInterval <= 0 {
		return fmt.Errorf("monitor: export (%s) and report (%s) intervals must be positive", c.Monitor.ExportInterval, c.Monitor.ReportInterval)
	}
	if c.Monitor.EventBuffer < 1 {
		return fmt.Errorf("monitor.event_buffer must be at least 1, got %d", c.Monitor.EventBuffer)
	}
	return nil
}

// ClientOptions builds the client engine configuration.
func (c *Config) ClientOptions() (echo.ClientConfig, error) {
	if c.Client.Remote == "" {
		return echo.ClientConfig{}, fmt.Errorf("client.remote is required")
	}
	cc := echo.ClientConfig{
		RemoteAddr:     c.Client.Remote,
		LocalAddr:      c.Client.LocalAddr,
		Interface:      c.Client.Interface,
		PortRangeStart: c.Client.PortRangeStart,
		PortRangeEnd:   c.Client.PortRangeEnd,
		Interval:       c.Client.Interval,
		PollInterval:   c.Client.PollInterval,
		SplitReceive:   c.Client.SplitReceive,
	}
	if c.Client.BindIP != "" {
		cc.BindIP = net.ParseIP(c.Client.BindIP)
	}
	return cc, nil
}

// ServerOptions builds the responder configuration.
func (c *Config) ServerOptions() (echo.ServerConfig, error) {
	policy, err := echo.ParseEchoPolicy(c.Server.Policy)
	if err != nil {
		return echo.ServerConfig{}, err
	}
	return echo.ServerConfig{Addr: c.Server.Addr, Policy: policy}, nil
}

// MonitorOptions builds the monitor configuration.
func (c *Config) MonitorOptions() monitor.Config {
	return monitor.Config{
		MaxDelay:       c.Monitor.MaxDelay,
		Lookback:       c.Monitor.Lookback,
		ExportPath:     c.Monitor.ExportPath,
		ExportInterval: c.Monitor.ExportInterval,
		ReportInterval: c.Monitor.ReportInterval,
	}
}

func (c *Config) MetricsOptions() metrics.Config {
	return metrics.Config{Addr: c.Metrics.Addr, Path: c.Metrics.Path}
}
