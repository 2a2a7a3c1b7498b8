package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const SchemaV1 = "pipewright.orchestrator.v1"

// Config is the orchestrator's file-based configuration. Connection
// endpoints and credentials come from the environment; this file carries
// behavior: the owning module, event emission, archiving, and the
// crash-recovery sweep.
type Config struct {
	Schema     string   `yaml:"schema"`
	ModuleName string   `yaml:"module_name"`
	Events     Events   `yaml:"events"`
	Archive    Archive  `yaml:"archive"`
	Recovery   Recovery `yaml:"recovery"`
}

// Events controls orchestration event emission.
type Events struct {
	Enabled bool `yaml:"enabled"`
}

// Archive controls the plan execution archive written on recovery.
type Archive struct {
	Enabled bool `yaml:"enabled"`
}

// Recovery controls the crash-recovery sweep that errors out node
// executions orphaned by a process crash.
type Recovery struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
}

// Duration unmarshals Go duration strings ("30s", "10m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Schema:     SchemaV1,
		ModuleName: "pipeline",
		Events:     Events{Enabled: true},
		Archive:    Archive{Enabled: true},
		Recovery: Recovery{
			Enabled:    true,
			Interval:   Duration(time.Minute),
			StaleAfter: Duration(30 * time.Minute),
		},
	}
}

// Load reads and validates a config file. An empty path yields the default
// configuration.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(input []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Schema) != SchemaV1 {
		return fmt.Errorf("schema must be %q", SchemaV1)
	}
	if strings.TrimSpace(c.ModuleName) == "" {
		return errors.New("module_name is required")
	}
	if c.Recovery.Enabled {
		if c.Recovery.Interval <= 0 {
			return errors.New("recovery.interval must be positive")
		}
		if c.Recovery.StaleAfter <= 0 {
			return errors.New("recovery.stale_after must be positive")
		}
		if c.Recovery.StaleAfter < c.Recovery.Interval {
			return errors.New("recovery.stale_after must be >= recovery.interval")
		}
	}
	return nil
}
