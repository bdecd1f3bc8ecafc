package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/pulsar-search/internal/ddtr"
	"github.com/roman-kulish/pulsar-search/internal/source"
	"github.com/roman-kulish/pulsar-search/internal/spdt"
	"github.com/roman-kulish/pulsar-search/internal/storage"
)

// Config represents the main application configuration
type Config struct {
	Settings     Settings       `yaml:"settings" json:"settings"`
	Beams        []BeamConfig   `yaml:"beams" json:"beams"`
	Dedispersion ddtr.Config    `yaml:"dedispersion" json:"dedispersion"`
	Search       spdt.Config    `yaml:"search" json:"search"`
	Storage      storage.Config `yaml:"storage" json:"-"`
	Server       ServerConfig   `yaml:"server" json:"server"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	Workers   int    `yaml:"workers" json:"workers"`     // Pool size, GOMAXPROCS when 0
	QueueSize int    `yaml:"queueSize" json:"queueSize"` // Queued tasks limit, unbounded when 0
	CPUs      []int  `yaml:"cpus" json:"cpus"`           // Pin workers to these CPUs
}

// BeamConfig represents a single beam
type BeamConfig struct {
	ID      string       `yaml:"id" json:"id"`
	Enabled *bool        `yaml:"enabled" json:"enabled,omitempty"` // Enabled unless set to false
	Source  SourceConfig `yaml:"source" json:"source"`
}

func (b *BeamConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// SourceConfig is source.Config with a human friendly sample interval.
type SourceConfig struct {
	Path            string   `yaml:"path" json:"path,omitempty"`
	Command         string   `yaml:"command" json:"command,omitempty"`
	Args            []string `yaml:"args" json:"args,omitempty"`
	Format          string   `yaml:"format" json:"format"`
	Channels        int      `yaml:"channels" json:"channels"`
	Fch1            float64  `yaml:"fch1" json:"fch1"`
	Foff            float64  `yaml:"foff" json:"foff"`
	Tsamp           Seconds  `yaml:"tsamp" json:"tsamp"`
	StartMJD        float64  `yaml:"startMJD" json:"startMJD"`
	SpectraPerBlock int      `yaml:"spectraPerBlock" json:"spectraPerBlock"`
}

func (s SourceConfig) Source() source.Config {
	return source.Config{
		Path:            s.Path,
		Command:         s.Command,
		Args:            s.Args,
		Format:          s.Format,
		Channels:        s.Channels,
		Fch1:            s.Fch1,
		Foff:            s.Foff,
		Tsamp:           float64(s.Tsamp),
		StartMJD:        s.StartMJD,
		SpectraPerBlock: s.SpectraPerBlock,
	}.WithDefaults()
}

// ServerConfig represents the HTTP API settings
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"` // Disabled when empty
}

// LoadConfig reads, defaults and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var c Config
	if err = yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	c.WithDefaults()
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) WithDefaults() {
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = "info"
	}
	c.Dedispersion = c.Dedispersion.WithDefaults()
	c.Search = c.Search.WithDefaults()
	if c.Storage.Driver == "" {
		c.Storage.Driver = storage.DriverSQLite
	}
}

func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Settings.LogLevel); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if c.Settings.Workers < 0 || c.Settings.QueueSize < 0 {
		return errors.New("settings: workers and queue size must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Beams))
	enabled := 0
	for i := range c.Beams {
		b := &c.Beams[i]
		if b.ID == "" {
			return fmt.Errorf("beams[%d]: id is required", i)
		}
		if _, ok := seen[b.ID]; ok {
			return fmt.Errorf("beams[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = struct{}{}

		if !b.IsEnabled() {
			continue
		}
		enabled++
		if err := b.Source.Source().Validate(); err != nil {
			return fmt.Errorf("beam %s: %w", b.ID, err)
		}
	}
	if enabled == 0 {
		return errors.New("no beams enabled in configuration")
	}

	if err := c.Dedispersion.Validate(); err != nil {
		return fmt.Errorf("dedispersion: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// Seconds is a time interval in seconds. It is written either as a number of
// seconds or as a Go duration string such as "64us".
type Seconds float64

func parseSeconds(s string) (Seconds, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return Seconds(v), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("app.Seconds: failed to parse: %s", err)
	}
	return Seconds(d.Seconds()), nil
}

func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseSeconds(value.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Seconds) MarshalYAML() (interface{}, error) {
	return float64(s), nil
}

func (s *Seconds) UnmarshalJSON(bytes []byte) error {
	var v any
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case float64:
		*s = Seconds(v)
	case string:
		parsed, err := parseSeconds(v)
		if err != nil {
			return err
		}
		*s = parsed
	default:
		return fmt.Errorf("app.Seconds: unexpected %T", v)
	}
	return nil
}

func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(s))
}

func (s Seconds) Duration() time.Duration {
	return time.Duration(math.Round(float64(s) * float64(time.Second)))
}
