package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/netspector/internal/util"
	"github.com/NodePath81/netspector/internal/version"
	"gopkg.in/yaml.v3"
)

const (
	defaultPingTarget   = "8.8.8.8"
	defaultPingCount    = 10
	defaultPingTimeout  = 1 * time.Second
	defaultPingInterval = 500 * time.Millisecond

	defaultLocateHost       = "locate.measurementlab.net"
	defaultLocateScheme     = "https"
	defaultBandwidthRuntime = 10 * time.Second

	defaultStoragePath       = "data/network_results.json"
	defaultStorageSQLitePath = "data/network_results.db"

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlWebUIEnabled   = true
	defaultControlMetricsEnabled = true
	defaultHistoryLimit          = 10

	defaultLogMaxSizeMB  = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAgeDays = 28

	// RecommendedMinCount and RecommendedMaxCount bound the ping count
	// offered by interactive callers. Counts outside are accepted.
	RecommendedMinCount = 5
	RecommendedMaxCount = 50

	StorageBackendJSON   = "json"
	StorageBackendSQLite = "sqlite"

	DNSStrategyIPv4Only = "ipv4_only"
	DNSStrategyPreferV6 = "prefer_ipv6"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Ping      PingConfig      `yaml:"ping"`
	Bandwidth BandwidthConfig `yaml:"bandwidth"`
	Storage   StorageConfig   `yaml:"storage"`
	DNS       DNSConfig       `yaml:"dns"`
	Control   ControlConfig   `yaml:"control"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PingConfig struct {
	Target   string   `yaml:"target"`
	Count    int      `yaml:"count"`
	Timeout  Duration `yaml:"timeout"`
	Interval Duration `yaml:"interval"`
	// Privileged forces raw ICMP sockets (true) or unprivileged datagram
	// sockets (false). Unset means detect from the effective uid.
	Privileged *bool `yaml:"privileged"`
}

type BandwidthConfig struct {
	LocateHost   string   `yaml:"locate_host"`
	LocateScheme string   `yaml:"locate_scheme"`
	UserAgent    string   `yaml:"user_agent"`
	MaxRuntime   Duration `yaml:"max_runtime"`
}

type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DNSConfig struct {
	Servers  []string `yaml:"servers"`
	Strategy string   `yaml:"strategy"`
}

type ControlConfig struct {
	BindAddr     string               `yaml:"bind_addr"`
	BindPort     int                  `yaml:"bind_port"`
	AuthToken    string               `yaml:"auth_token"`
	HistoryLimit int                  `yaml:"history_limit"`
	WebUI        ControlWebUIConfig   `yaml:"webui"`
	Metrics      ControlMetricsConfig `yaml:"metrics"`
}

type ControlWebUIConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func (w ControlWebUIConfig) IsEnabled() bool {
	return util.BoolValue(w.Enabled, defaultControlWebUIEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

// LogOptions converts the logging section for util.NewLoggerWithOptions.
func (l LoggingConfig) LogOptions() util.LogOptions {
	return util.LogOptions{
		Level:      l.Level,
		Format:     l.Format,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// LoadOrDefault behaves like LoadConfig but falls back to Default when the
// file does not exist.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Ping.Target = strings.TrimSpace(c.Ping.Target)
	if c.Ping.Target == "" {
		c.Ping.Target = defaultPingTarget
	}
	if c.Ping.Count == 0 {
		c.Ping.Count = defaultPingCount
	}
	if c.Ping.Timeout == 0 {
		c.Ping.Timeout = Duration(defaultPingTimeout)
	}
	if c.Ping.Interval == 0 {
		c.Ping.Interval = Duration(defaultPingInterval)
	}

	if c.Bandwidth.LocateHost == "" {
		c.Bandwidth.LocateHost = defaultLocateHost
	}
	if c.Bandwidth.LocateScheme == "" {
		c.Bandwidth.LocateScheme = defaultLocateScheme
	}
	if c.Bandwidth.UserAgent == "" {
		c.Bandwidth.UserAgent = "netspector/" + version.Version
	}
	if c.Bandwidth.MaxRuntime == 0 {
		c.Bandwidth.MaxRuntime = Duration(defaultBandwidthRuntime)
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageBackendJSON
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = defaultStorageSQLitePath
	}

	c.DNS.Strategy = strings.ToLower(strings.TrimSpace(c.DNS.Strategy))
	if c.DNS.Strategy == "" {
		c.DNS.Strategy = DNSStrategyIPv4Only
	}

	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.HistoryLimit == 0 {
		c.Control.HistoryLimit = defaultHistoryLimit
	}

	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = defaultLogMaxSizeMB
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = defaultLogMaxBackups
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = defaultLogMaxAgeDays
		}
	}
}

func (c *Config) validate() error {
	if c.Ping.Count <= 0 {
		return errors.New("ping.count must be > 0")
	}
	if c.Ping.Timeout.Duration() <= 0 {
		return errors.New("ping.timeout must be > 0")
	}
	if c.Ping.Interval.Duration() < 0 {
		return errors.New("ping.interval must be >= 0")
	}
	if c.Bandwidth.MaxRuntime.Duration() <= 0 {
		return errors.New("bandwidth.max_runtime must be > 0")
	}
	switch c.Bandwidth.LocateScheme {
	case "http", "https":
	default:
		return fmt.Errorf("bandwidth.locate_scheme must be http or https, got %q", c.Bandwidth.LocateScheme)
	}
	switch c.Storage.Backend {
	case StorageBackendJSON:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path must not be empty")
		}
	case StorageBackendSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("storage.sqlite_path must not be empty")
		}
	default:
		return fmt.Errorf("storage.backend must be %s or %s, got %q", StorageBackendJSON, StorageBackendSQLite, c.Storage.Backend)
	}
	switch c.DNS.Strategy {
	case DNSStrategyIPv4Only, DNSStrategyPreferV6:
	default:
		return fmt.Errorf("dns.strategy must be %s or %s", DNSStrategyIPv4Only, DNSStrategyPreferV6)
	}
	if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
		return errors.New("control.bind_port must be in 1..65535")
	}
	if c.Control.HistoryLimit < 0 {
		return errors.New("control.history_limit must be >= 0")
	}
	if _, err := util.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
