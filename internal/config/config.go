// Package config loads slurmwatch configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the SLURMWATCH_CONFIG environment variable. Without either, defaults apply.
// Command-line flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/worldland/slurmwatch/internal/ingest"
	"github.com/worldland/slurmwatch/internal/logger"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SLURMWATCH_CONFIG"

// Duration is a time.Duration written as "30s", "5m" or "500ms" in YAML.
// Bare integers are seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Set and Type let a Duration back a command-line flag.
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) Type() string { return "duration" }

// Config is the configuration of every slurmwatch binary. Each binary reads
// its own section.
type Config struct {
	Log        logger.Config    `yaml:"log"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Collector  CollectorConfig  `yaml:"collector"`
}

// AggregatorConfig configures the aggregator process.
type AggregatorConfig struct {
	// PollInterval is the cadence at which pull targets are polled.
	PollInterval Duration `yaml:"poll_interval"`
	// PollTimeout bounds one poll including retries.
	PollTimeout Duration `yaml:"poll_timeout"`
	PollRetries uint64   `yaml:"poll_retries"`
	// StalenessWindow is how long a collector stays Fresh without reporting.
	StalenessWindow Duration `yaml:"staleness_window"`
	// FailureThreshold is the number of consecutive failures before Unreachable.
	FailureThreshold int      `yaml:"failure_threshold"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	TimelineSize     int      `yaml:"timeline_size"`
	MaxClockSkew     Duration `yaml:"max_clock_skew"`

	Ingest     IngestConfig    `yaml:"ingest"`
	HTTPAddr   string          `yaml:"http_addr"`
	Collectors []ingest.Target `yaml:"collectors"`
	Archive    ArchiveConfig   `yaml:"archive"`
	// Sreport is the sreport binary serving per-user GPU hours. Empty
	// disables the endpoint.
	Sreport string `yaml:"sreport"`
}

// IngestConfig configures the push listener.
type IngestConfig struct {
	TCPAddr        string    `yaml:"tcp_addr"`
	MaxInFlight    int       `yaml:"max_inflight"`
	MaxReportBytes int64     `yaml:"max_report_bytes"`
	ReadTimeout    Duration  `yaml:"read_timeout"`
	TLS            TLSConfig `yaml:"tls"`
}

// ArchiveConfig configures durable copies of accepted reports.
type ArchiveConfig struct {
	Dir         string   `yaml:"dir"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	QueueSize   int      `yaml:"queue_size"`
	BatchSize   int      `yaml:"batch_size"`
	FlushEvery  Duration `yaml:"flush_interval"`
	// Replay loads today's archive into the aggregator on start.
	Replay bool `yaml:"replay"`
}

// Enabled reports whether any sink is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Dir != "" || a.PostgresDSN != ""
}

// CollectorConfig configures a collector agent.
type CollectorConfig struct {
	// Identity defaults to the hostname.
	Identity       string   `yaml:"identity"`
	AggregatorAddr string   `yaml:"aggregator_addr"`
	Interval       Duration `yaml:"interval"`
	Format         string   `yaml:"format"`
	// ListenAddr serves GET /telemetry for pull mode when set.
	ListenAddr string    `yaml:"listen_addr"`
	Node       string    `yaml:"node"`
	TLS        TLSConfig `yaml:"tls"`
	// JobUsage attributes GPU processes to jobs with scontrol listpids.
	JobUsage bool `yaml:"job_usage"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: logger.Config{Level: "info", Output: "stdout"},
		Aggregator: AggregatorConfig{
			PollInterval:     Duration(30 * time.Second),
			PollTimeout:      Duration(10 * time.Second),
			PollRetries:      2,
			StalenessWindow:  Duration(60 * time.Second),
			FailureThreshold: 3,
			SweepInterval:    Duration(5 * time.Second),
			TimelineSize:     120,
			MaxClockSkew:     Duration(5 * time.Minute),
			Ingest: IngestConfig{
				TCPAddr:        ":19912",
				MaxInFlight:    64,
				MaxReportBytes: 4 << 20,
				ReadTimeout:    Duration(10 * time.Second),
			},
			HTTPAddr: ":3034",
			Archive: ArchiveConfig{
				QueueSize:  1024,
				BatchSize:  64,
				FlushEvery: Duration(5 * time.Second),
			},
		},
		Collector: CollectorConfig{
			AggregatorAddr: "localhost:19912",
			Interval:       Duration(30 * time.Second),
			Format:         "json",
			JobUsage:       true,
		},
	}
}

// Load reads the file named by path, or by SLURMWATCH_CONFIG when path is
// empty. With neither set it returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

var (
	ErrNonPositive   = errors.New("must be positive")
	ErrSweepInterval = errors.New("sweep_interval must be shorter than staleness_window")
)

// Validate checks the aggregator section.
func (a *AggregatorConfig) Validate() error {
	for name, d := range map[string]Duration{
		"poll_interval":    a.PollInterval,
		"staleness_window": a.StalenessWindow,
		"sweep_interval":   a.SweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s %w", name, ErrNonPositive)
		}
	}
	if a.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold %w", ErrNonPositive)
	}
	if a.SweepInterval >= a.StalenessWindow {
		return ErrSweepInterval
	}
	seen := make(map[string]struct{}, len(a.Collectors))
	for _, c := range a.Collectors {
		if c.Identity == "" || c.URL == "" {
			return fmt.Errorf("collector entries need identity and url")
		}
		if _, dup := seen[string(c.Identity)]; dup {
			return fmt.Errorf("duplicate collector %q", c.Identity)
		}
		seen[string(c.Identity)] = struct{}{}
	}
	return nil
}

// Validate checks the collector section.
func (c *CollectorConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval %w", ErrNonPositive)
	}
	if c.AggregatorAddr == "" && c.ListenAddr == "" {
		return errors.New("collector needs aggregator_addr, listen_addr or both")
	}
	if c.Format != "" && c.Format != "json" && c.Format != "cbor" {
		return fmt.Errorf("unknown format %q", c.Format)
	}
	return nil
}
