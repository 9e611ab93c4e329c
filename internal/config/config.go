// Package config defines the query-serving core's on-disk configuration,
// loaded with gopkg.in/yaml.v3 the way the teacher's cmd/dnsscience-grpc
// loaded its own YAML config file, generalized from that single flat
// struct into one section per component the core wires together.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dnsscience/dnsscienced/internal/rrl"
)

// Config is the top-level on-disk configuration.
type Config struct {
	Zones   []ZoneConfig  `yaml:"zones"`
	UDP     UDPConfig     `yaml:"udp"`
	QUIC    QUICConfig    `yaml:"quic"`
	Cookies CookieConfig  `yaml:"cookies"`
	RRL     rrl.Config    `yaml:"rrl"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ZoneConfig names one zone file to load at startup.
type ZoneConfig struct {
	Origin string `yaml:"origin"`
	Path   string `yaml:"path"`
	Format string `yaml:"format"` // "bind" or "dnszone"
}

// UDPConfig tunes the C6 datagram pipeline.
type UDPConfig struct {
	Addr        string        `yaml:"addr"`
	Workers     int           `yaml:"workers"`
	BatchSize   int           `yaml:"batch_size"`
	ArenaBytes  int           `yaml:"arena_bytes"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	MaxSize     int           `yaml:"max_size"`
	AllowAXFR   bool          `yaml:"allow_axfr"`
	AllowIXFR   bool          `yaml:"allow_ixfr"`
}

// QUICConfig tunes the C7 DoQ listener.
type QUICConfig struct {
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Enabled  bool   `yaml:"enabled"`
}

// CookieConfig tunes DNS Cookie (RFC 7873/9018) handling.
type CookieConfig struct {
	Enabled      bool   `yaml:"enabled"`
	SecretHex    string `yaml:"secret_hex"`
	RequireValid bool   `yaml:"require_valid"`
}

// NotifyConfig tunes the C8 NOTIFY requestor.
type NotifyConfig struct {
	Secondaries []string      `yaml:"secondaries"`
	Retries     int           `yaml:"retries"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LogConfig tunes zap's construction.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig tunes the Prometheus exposition listener.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns the recommended configuration for a standalone instance.
func Default() Config {
	return Config{
		UDP: UDPConfig{
			Addr:        ":53",
			Workers:     4,
			BatchSize:   32,
			ArenaBytes:  16 * 1024,
			PollTimeout: time.Second,
			MaxSize:     512,
		},
		QUIC: QUICConfig{
			Addr:    ":853",
			Enabled: false,
		},
		Cookies: CookieConfig{
			Enabled: true,
		},
		RRL: rrl.DefaultConfig(),
		Notify: NotifyConfig{
			Retries: 3,
			Timeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Addr:    ":9153",
			Enabled: true,
		},
	}
}

// Load reads and parses a YAML configuration file, filling any field the
// file omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
