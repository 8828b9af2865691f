// Package config loads the engine configuration from a TOML file with
// environment fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// SourceConfiguration describes the upstream change-event channels.
type SourceConfiguration struct {
	Brokers []string `toml:"brokers"`
	// Topics lists the change-event channels to consume, one per captured
	// table (e.g. banking_server.public.accounts).
	Topics  []string `toml:"topics"`
	GroupID string   `toml:"group_id"`
	// CommitIntervalMS bounds how often acknowledged offsets are reported
	// back to the broker.
	CommitIntervalMS int `toml:"commit_interval_ms"`
}

// FlushConfiguration controls batch buffer flush triggers.
type FlushConfiguration struct {
	// MaxRecords flushes a partition buffer once it holds this many events.
	MaxRecords int `toml:"max_records"`
	// MaxAgeSeconds flushes a partition buffer once its oldest event is this old.
	MaxAgeSeconds int `toml:"max_age_seconds"`
	// CheckIntervalMS is the cadence of the timer-driven flush sweep.
	CheckIntervalMS int `toml:"check_interval_ms"`
}

func (f FlushConfiguration) MaxAge() time.Duration {
	return time.Duration(f.MaxAgeSeconds) * time.Second
}

func (f FlushConfiguration) CheckInterval() time.Duration {
	return time.Duration(f.CheckIntervalMS) * time.Millisecond
}

// StoreConfiguration for the S3-compatible object store.
type StoreConfiguration struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	UseSSL    bool   `toml:"use_ssl"`
}

// RetryConfiguration for transient object store failures.
type RetryConfiguration struct {
	MaxAttempts    int     `toml:"max_attempts"`
	InitialDelayMS int     `toml:"initial_delay_ms"`
	MaxDelayMS     int     `toml:"max_delay_ms"`
	Multiplier     float64 `toml:"multiplier"`
	// Jitter is the fraction of each delay randomized, in [0, 1].
	Jitter float64 `toml:"jitter"`
}

// LimitsConfiguration bounds engine memory under store saturation.
type LimitsConfiguration struct {
	// MaxInflightBatches is the maximum number of drained-but-undelivered
	// batches before the source is paused.
	MaxInflightBatches int `toml:"max_inflight_batches"`
	// UploadWorkers bounds concurrent serialize+upload executions.
	UploadWorkers int `toml:"upload_workers"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// TelemetryConfiguration for metrics
type TelemetryConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

type Configuration struct {
	Source    SourceConfiguration    `toml:"source"`
	Flush     FlushConfiguration     `toml:"flush"`
	Store     StoreConfiguration     `toml:"store"`
	Retry     RetryConfiguration     `toml:"retry"`
	Limits    LimitsConfiguration    `toml:"limits"`
	Logging   LoggingConfiguration   `toml:"logging"`
	Telemetry TelemetryConfiguration `toml:"telemetry"`

	// WatermarkPath is where locally committed watermarks are persisted.
	WatermarkPath string `toml:"watermark_path"`
}

// Default returns the configuration applied before any file overrides.
func Default() *Configuration {
	return &Configuration{
		Source: SourceConfiguration{
			GroupID:          "lakecap",
			CommitIntervalMS: 5000,
		},
		Flush: FlushConfiguration{
			MaxRecords:      500,
			MaxAgeSeconds:   60,
			CheckIntervalMS: 1000,
		},
		Retry: RetryConfiguration{
			MaxAttempts:    8,
			InitialDelayMS: 100,
			MaxDelayMS:     30000,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		Limits: LimitsConfiguration{
			MaxInflightBatches: 16,
			UploadWorkers:      4,
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
		Telemetry: TelemetryConfiguration{
			Bind: ":9305",
		},
		WatermarkPath: "lakecap-watermarks.json",
	}
}

// Load reads the TOML file at path over the defaults and validates the result.
func Load(path string) (*Configuration, error) {
	c := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv fills secrets from the environment when the file omits them, so
// credentials never need to live on disk.
func (c *Configuration) applyEnv() {
	if c.Store.AccessKey == "" {
		c.Store.AccessKey = os.Getenv("LAKECAP_STORE_ACCESS_KEY")
	}
	if c.Store.SecretKey == "" {
		c.Store.SecretKey = os.Getenv("LAKECAP_STORE_SECRET_KEY")
	}
}

func (c *Configuration) validate() error {
	if len(c.Source.Brokers) == 0 {
		return fmt.Errorf("config: at least one source broker is required")
	}
	if len(c.Source.Topics) == 0 {
		return fmt.Errorf("config: at least one source topic is required")
	}
	if c.Store.Endpoint == "" || c.Store.Bucket == "" {
		return fmt.Errorf("config: store endpoint and bucket are required")
	}
	if c.Flush.MaxRecords <= 0 {
		return fmt.Errorf("config: flush max_records must be > 0")
	}
	if c.Flush.MaxAgeSeconds <= 0 {
		return fmt.Errorf("config: flush max_age_seconds must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry max_attempts must be > 0")
	}
	if c.Limits.MaxInflightBatches <= 0 {
		return fmt.Errorf("config: limits max_inflight_batches must be > 0")
	}
	if c.Limits.UploadWorkers <= 0 {
		return fmt.Errorf("config: limits upload_workers must be > 0")
	}
	return nil
}
