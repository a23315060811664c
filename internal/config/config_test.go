package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.HTTP.Addr != ":8080" {
		t.Fatalf("addr: %q", c.HTTP.Addr)
	}
	if c.Query.InlineRecalcThreshold != 64 {
		t.Fatalf("threshold: %d", c.Query.InlineRecalcThreshold)
	}
	if c.Sweep.Interval.Std() != 30*time.Second || c.Sweep.BatchSize != 16 {
		t.Fatalf("sweep defaults: %v %d", c.Sweep.Interval.Std(), c.Sweep.BatchSize)
	}
	earliest, latest, err := c.DateWindow()
	if err != nil {
		t.Fatalf("date window: %v", err)
	}
	if !earliest.Before(latest) {
		t.Fatalf("window inverted")
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
http:
  addr: ":9999"
limits:
  max_amount_minor: 500
sweep:
  interval: 5s
  batch_size: 4
kafka:
  topic: custom.topic
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTP.Addr != ":9999" {
		t.Fatalf("yaml addr not applied: %q", c.HTTP.Addr)
	}
	if c.Limits.MaxAmountMinor != 500 {
		t.Fatalf("yaml limit not applied: %d", c.Limits.MaxAmountMinor)
	}
	if c.Sweep.Interval.Std() != 5*time.Second || c.Sweep.BatchSize != 4 {
		t.Fatalf("yaml sweep not applied")
	}
	if c.Kafka.Topic != "custom.topic" {
		t.Fatalf("yaml topic not applied: %q", c.Kafka.Topic)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[0] != "b1:9092" || c.Kafka.Brokers[1] != "b2:9092" {
		t.Fatalf("env brokers not applied: %v", c.Kafka.Brokers)
	}
	if c.Log.Level != "debug" {
		t.Fatalf("env level not applied: %q", c.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sweep:\n  interval: nonsense\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
