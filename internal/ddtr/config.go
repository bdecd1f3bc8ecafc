package ddtr

import (
	"fmt"
	"math"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

const (
	// DmConstant is the dispersion constant in MHz^2 s cm^3 / pc.
	DmConstant = 4.1493775933609e3

	DefaultDedispersionSamples = 1 << 14

	AlgorithmNaive   AlgorithmName = "naive"
	AlgorithmBlocked AlgorithmName = "blocked"

	// FlagPolicyZero is the default flag policy: flagged samples contribute 0.
	FlagPolicyZero FlagPolicy = "zero"
	// FlagPolicyRenormalize excludes flagged samples and scales the sum by
	// channels / unflagged channels.
	FlagPolicyRenormalize FlagPolicy = "renormalize"
	// FlagPolicyIgnore does not consult flags.
	FlagPolicyIgnore FlagPolicy = "ignore"
)

var (
	validAlgorithms = map[AlgorithmName]struct{}{
		AlgorithmNaive:   {},
		AlgorithmBlocked: {},
	}

	validFlagPolicies = map[FlagPolicy]struct{}{
		FlagPolicyZero:        {},
		FlagPolicyRenormalize: {},
		FlagPolicyIgnore:      {},
	}
)

type AlgorithmName string

func (a AlgorithmName) String() string {
	return string(a)
}

type FlagPolicy string

func (f FlagPolicy) String() string {
	return string(f)
}

// DmRange is a half-open grid of trial DMs: Start, Start+Step, ... < End.
// A range with Start == End holds the single trial Start.
type DmRange struct {
	Start float64 `yaml:"start" json:"start"` // pc cm^-3
	End   float64 `yaml:"end" json:"end"`     // pc cm^-3
	Step  float64 `yaml:"step" json:"step"`   // pc cm^-3
}

func (r DmRange) Validate() error {
	if math.IsNaN(r.Start) || math.IsNaN(r.End) || math.IsNaN(r.Step) {
		return spectrum.NewConfigError(nil, "DM range %s: NaN bound", r)
	}
	if r.Start < 0 {
		return spectrum.NewConfigError(nil, "DM range %s: start must not be negative", r)
	}
	if r.Step <= 0 {
		return spectrum.NewConfigError(nil, "DM range %s: step must be positive", r)
	}
	if r.End < r.Start {
		return spectrum.NewConfigError(nil, "DM range %s: end must not be less than start", r)
	}
	if len(r.Trials()) == 0 {
		return spectrum.NewConfigError(nil, "DM range %s: produces no trials", r)
	}
	return nil
}

// Trials enumerates the DM values of the range. Values are computed by index
// so that long ranges do not accumulate rounding drift.
func (r DmRange) Trials() []float64 {
	if r.Step <= 0 || r.End < r.Start {
		return nil
	}
	if r.End == r.Start {
		return []float64{r.Start}
	}

	n := int(math.Ceil((r.End - r.Start) / r.Step))
	trials := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		dm := r.Start + float64(i)*r.Step
		if dm >= r.End {
			break
		}
		trials = append(trials, dm)
	}
	return trials
}

func (r DmRange) String() string {
	return fmt.Sprintf("[%g:%g:%g)", r.Start, r.End, r.Step)
}

// Config is the dedispersion configuration shared read-only by every window.
type Config struct {
	Ranges              []DmRange     `yaml:"ranges" json:"ranges"`
	DedispersionSamples int           `yaml:"samples" json:"samples"`               // Window size in spectra (default 16384)
	Algorithm           AlgorithmName `yaml:"algorithm" json:"algorithm"`           // naive (default) or blocked
	FlagPolicy          FlagPolicy    `yaml:"flagPolicy" json:"flagPolicy"`         // zero (default), renormalize or ignore
	DmConstant          float64       `yaml:"dmConstant,omitempty" json:"dmConstant"` // Overrides DmConstant when > 0
}

// WithDefaults returns a copy with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.DedispersionSamples == 0 {
		c.DedispersionSamples = DefaultDedispersionSamples
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmNaive
	}
	if c.FlagPolicy == "" {
		c.FlagPolicy = FlagPolicyZero
	}
	if c.DmConstant == 0 {
		c.DmConstant = DmConstant
	}
	return c
}

func (c *Config) Validate() error {
	if len(c.Ranges) == 0 {
		return spectrum.NewConfigError(spectrum.ErrNoDmRanges, "ddtr.Config: please specify at least one DM range")
	}
	for i, r := range c.Ranges {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("ddtr.Config: range %d: %w", i, err)
		}
	}
	if c.DedispersionSamples < 0 {
		return spectrum.NewConfigError(nil, "ddtr.Config: dedispersion samples must be positive: %d", c.DedispersionSamples)
	}
	if c.Algorithm != "" {
		if _, ok := validAlgorithms[c.Algorithm]; !ok {
			return spectrum.NewConfigError(nil, "ddtr.Config: invalid algorithm: %s", c.Algorithm)
		}
	}
	if c.FlagPolicy != "" {
		if _, ok := validFlagPolicies[c.FlagPolicy]; !ok {
			return spectrum.NewConfigError(nil, "ddtr.Config: invalid flag policy: %s", c.FlagPolicy)
		}
	}
	if c.DmConstant < 0 {
		return spectrum.NewConfigError(nil, "ddtr.Config: DM constant must not be negative: %g", c.DmConstant)
	}
	return nil
}

// MaxDM returns the largest configured trial DM.
func (c *Config) MaxDM() float64 {
	var m float64
	for _, r := range c.Ranges {
		for _, dm := range r.Trials() {
			m = max(m, dm)
		}
	}
	return m
}
