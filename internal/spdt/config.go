package spdt

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

const (
	DefaultThreshold  = 6.0
	DefaultMaxWidth   = 32
	DefaultStatsBlock = 1024

	DefaultTimeTolerance  = 100 * time.Millisecond
	DefaultDmTolerance    = 1.0
	DefaultWidthTolerance = 5 * time.Millisecond
	DefaultLinkingLength  = 1.7
)

// ClusterConfig controls friends-of-friends merging of candidates that are
// close in start time, DM and width.
type ClusterConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	TimeTolerance  time.Duration `yaml:"timeTolerance" json:"timeTolerance"`   // Start time scale (default 100ms)
	DmTolerance    float64       `yaml:"dmTolerance" json:"dmTolerance"`       // DM scale in pc cm^-3 (default 1)
	WidthTolerance time.Duration `yaml:"widthTolerance" json:"widthTolerance"` // Width scale, log2 space (default 5ms)
	LinkingLength  float64       `yaml:"linkingLength" json:"linkingLength"`   // Distance in scaled units (default 1.7)
}

// Config is the single-pulse search configuration. A zero field selects its
// default, so a threshold of exactly 0 cannot be expressed; any positive value
// below the noise floor behaves the same.
type Config struct {
	Threshold  float64       `yaml:"threshold" json:"threshold"`   // Minimum signal to noise ratio, 0 selects the default of 6
	MaxWidth   int           `yaml:"maxWidth" json:"maxWidth"`     // Largest boxcar in samples, rounded down to a power of two (default 32)
	StatsBlock int           `yaml:"statsBlock" json:"statsBlock"` // Samples per block of the noise estimate (default 1024)
	Cluster    ClusterConfig `yaml:"cluster" json:"cluster"`
	Sift       SiftConfig    `yaml:"sift" json:"sift"`
}

// WithDefaults returns a copy with zero fields replaced by defaults. Threshold
// 0 becomes DefaultThreshold.
func (c Config) WithDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxWidth == 0 {
		c.MaxWidth = DefaultMaxWidth
	}
	if c.MaxWidth > 0 {
		c.MaxWidth = 1 << (bits.Len(uint(c.MaxWidth)) - 1)
	}
	if c.StatsBlock == 0 {
		c.StatsBlock = DefaultStatsBlock
	}
	if c.Cluster.TimeTolerance == 0 {
		c.Cluster.TimeTolerance = DefaultTimeTolerance
	}
	if c.Cluster.DmTolerance == 0 {
		c.Cluster.DmTolerance = DefaultDmTolerance
	}
	if c.Cluster.WidthTolerance == 0 {
		c.Cluster.WidthTolerance = DefaultWidthTolerance
	}
	if c.Cluster.LinkingLength == 0 {
		c.Cluster.LinkingLength = DefaultLinkingLength
	}
	return c
}

func (c *Config) Validate() error {
	if c.Threshold < 0 {
		return spectrum.NewConfigError(nil, "spdt.Config: threshold must not be negative: %g", c.Threshold)
	}
	if c.MaxWidth < 0 {
		return spectrum.NewConfigError(nil, "spdt.Config: max width must be positive: %d", c.MaxWidth)
	}
	if c.StatsBlock < 0 || c.StatsBlock == 1 {
		return spectrum.NewConfigError(nil, "spdt.Config: stats block must be at least 2 samples: %d", c.StatsBlock)
	}
	if err := c.Cluster.Validate(); err != nil {
		return fmt.Errorf("spdt.Config: %w", err)
	}
	if err := c.Sift.Validate(); err != nil {
		return fmt.Errorf("spdt.Config: %w", err)
	}
	return nil
}

func (c *ClusterConfig) Validate() error {
	if c.TimeTolerance < 0 || c.DmTolerance < 0 || c.WidthTolerance < 0 || c.LinkingLength < 0 {
		return spectrum.NewConfigError(nil, "cluster tolerances must not be negative")
	}
	return nil
}

// Widths returns the boxcar ladder 1, 2, 4, ... MaxWidth.
func (c *Config) Widths() []int {
	var widths []int
	for w := 1; w <= max(c.MaxWidth, 1); w <<= 1 {
		widths = append(widths, w)
	}
	return widths
}
