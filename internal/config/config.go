// Package config loads service configuration from an optional YAML file with
// environment overrides on top. Defaults are safe for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Limits struct {
		// MaxAmountMinor rejects grotesquely large transaction amounts.
		MaxAmountMinor int64 `yaml:"max_amount_minor"`
		// EarliestDate / LatestDate bound accepted business dates (RFC 3339 dates).
		EarliestDate string `yaml:"earliest_date"`
		LatestDate   string `yaml:"latest_date"`
	} `yaml:"limits"`
	Query struct {
		// InlineRecalcThreshold is the largest invalid-entry count History will
		// repair synchronously; above it single rows are computed on the fly.
		InlineRecalcThreshold int `yaml:"inline_recalc_threshold"`
	} `yaml:"query"`
	Sweep struct {
		Interval  Duration `yaml:"interval"`
		BatchSize int      `yaml:"batch_size"`
	} `yaml:"sweep"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.Log.Level = "INFO"
	c.Log.Format = "json"
	c.Limits.MaxAmountMinor = 10_000_000_000_000 // 100 billion major units
	c.Limits.EarliestDate = "1970-01-01"
	c.Limits.LatestDate = "2100-01-01"
	c.Query.InlineRecalcThreshold = 64
	c.Sweep.Interval = Duration(30 * time.Second)
	c.Sweep.BatchSize = 16
	c.Kafka.Topic = "ledger.transactions"
	return c
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		c.HTTP.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		c.Log.Format = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		parts := strings.Split(v, ",")
		brokers := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				brokers = append(brokers, p)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_TOPIC")); v != "" {
		c.Kafka.Topic = v
	}
}

// DateWindow parses the configured date bounds.
func (c Config) DateWindow() (earliest, latest time.Time, err error) {
	earliest, err = time.Parse("2006-01-02", c.Limits.EarliestDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: earliest_date: %w", err)
	}
	latest, err = time.Parse("2006-01-02", c.Limits.LatestDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("config: latest_date: %w", err)
	}
	return earliest, latest, nil
}
