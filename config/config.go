// Package config loads and validates the gateway's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mwinther/hpgate/regmap"
)

// ErrInvalidConfig reports a configuration that parsed but cannot run.
var ErrInvalidConfig = errors.New("invalid configuration")

// MinScanInterval is the shortest scan interval the gateway accepts.
const MinScanInterval = time.Second

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ConnectionConfig describes how to reach the heat pump's Modbus TCP port.
type ConnectionConfig struct {
	Address string   `yaml:"address"`
	UnitID  uint8    `yaml:"unit_id"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// LokiConfig configures the optional Loki log sink.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// RegisterConfig declares one register in YAML. An empty register list falls
// back to the built-in map.
type RegisterConfig struct {
	Name     string            `yaml:"name"`
	Address  uint16            `yaml:"address"`
	Kind     string            `yaml:"kind"`
	Type     string            `yaml:"type"`
	Scale    string            `yaml:"scale,omitempty"`
	Unit     string            `yaml:"unit,omitempty"`
	Min      *float64          `yaml:"min,omitempty"`
	Max      *float64          `yaml:"max,omitempty"`
	Enum     map[uint16]string `yaml:"enum,omitempty"`
	Flags    map[string]uint8  `yaml:"flags,omitempty"`
	Writable bool              `yaml:"writable,omitempty"`
}

// ComputedConfig declares one computed signal evaluated per poll cycle.
type ComputedConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// Config is the root configuration structure for the gateway.
type Config struct {
	Name          string           `yaml:"name,omitempty"`
	Connection    ConnectionConfig `yaml:"connection"`
	ScanInterval  Duration         `yaml:"scan_interval"`
	MaxGap        int              `yaml:"max_gap,omitempty"`
	ConfirmCycles int              `yaml:"confirm_cycles,omitempty"`
	Logging       LoggingConfig    `yaml:"logging"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Registers     []RegisterConfig `yaml:"registers,omitempty"`
	Computed      []ComputedConfig `yaml:"computed,omitempty"`
}

// Load reads and parses the configuration file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML configuration bytes, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ScanInterval.Duration == 0 {
		c.ScanInterval.Duration = 30 * time.Second
	}
	if c.Connection.Timeout.Duration == 0 {
		c.Connection.Timeout.Duration = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Telemetry.Enabled && c.Telemetry.Listen == "" {
		c.Telemetry.Listen = ":9090"
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.Connection.Address == "" {
		return fmt.Errorf("%w: connection address must not be empty", ErrInvalidConfig)
	}
	if _, _, err := net.SplitHostPort(c.Connection.Address); err != nil {
		return fmt.Errorf("%w: connection address %q must be host:port", ErrInvalidConfig, c.Connection.Address)
	}
	if c.ScanInterval.Duration < MinScanInterval {
		return fmt.Errorf("%w: scan interval %s below minimum %s", ErrInvalidConfig, c.ScanInterval.Duration, MinScanInterval)
	}
	if c.Connection.Timeout.Duration <= 0 {
		return fmt.Errorf("%w: connection timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxGap < 0 {
		return fmt.Errorf("%w: max gap must not be negative", ErrInvalidConfig)
	}
	if c.ConfirmCycles < 0 {
		return fmt.Errorf("%w: confirm cycles must not be negative", ErrInvalidConfig)
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		return fmt.Errorf("%w: loki sink enabled without url", ErrInvalidConfig)
	}
	if c.Telemetry.Enabled && c.Telemetry.Listen == "" {
		return fmt.Errorf("%w: telemetry enabled without listen address", ErrInvalidConfig)
	}
	if _, err := c.RegisterMap(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RegisterMap converts the configured register list into a validated map.
// Without an explicit list the built-in register table applies.
func (c *Config) RegisterMap() (*regmap.Map, error) {
	if len(c.Registers) == 0 {
		return regmap.New(regmap.Default())
	}
	descriptors := make([]regmap.Descriptor, 0, len(c.Registers))
	for _, r := range c.Registers {
		d := regmap.Descriptor{
			Name:     r.Name,
			Address:  r.Address,
			Register: regmap.RegisterKind(r.Kind),
			Value:    regmap.ValueKind(r.Type),
			Unit:     r.Unit,
			Min:      r.Min,
			Max:      r.Max,
			Enum:     r.Enum,
			Flags:    r.Flags,
			Writable: r.Writable,
		}
		switch {
		case r.Scale != "":
			scale, err := decimal.NewFromString(r.Scale)
			if err != nil {
				return nil, fmt.Errorf("register %s: parse scale %q: %w", r.Name, r.Scale, err)
			}
			d.Scale = scale
		case d.Value == regmap.ValueInt16 || d.Value == regmap.ValueUInt16:
			d.Scale = decimal.NewFromInt(1)
		}
		descriptors = append(descriptors, d)
	}
	return regmap.New(descriptors)
}
