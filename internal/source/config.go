package source

import (
	"errors"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

const (
	FormatUint8   = "uint8"
	FormatUint16  = "uint16"
	FormatFloat32 = "float32"

	DefaultSpectraPerBlock = 4096
)

/*
	cfg := source.Config{
		Command:  "udpdump",
		Args:     []string{"--port", "5000"},
		Format:   "uint8",
		Channels: 1024,
		Fch1:     1500,   // MHz, first channel
		Foff:     -0.390625,
		Tsamp:    0.000064,
		StartMJD: 60371.5,
	}
*/

// Config describes a raw filterbank stream: samples are little-endian, laid
// out [spectrum][channel], and channel i is centred at Fch1 + i*Foff MHz.
type Config struct {
	// Exactly one of Path and Command is set
	Path    string   `yaml:"path" json:"path"`       // File to read
	Command string   `yaml:"command" json:"command"` // Program writing samples to stdout, looked up in PATH
	Args    []string `yaml:"args" json:"args"`       // Program arguments

	Format   string  `yaml:"format" json:"format"`     // uint8, uint16 or float32
	Channels int     `yaml:"channels" json:"channels"` // Number of frequency channels
	Fch1     float64 `yaml:"fch1" json:"fch1"`         // Frequency of the first channel in MHz
	Foff     float64 `yaml:"foff" json:"foff"`         // Channel offset in MHz, negative for descending bands
	Tsamp    float64 `yaml:"tsamp" json:"tsamp"`       // Sample interval in seconds
	StartMJD float64 `yaml:"startMJD" json:"startMJD"` // Time of the first spectrum

	SpectraPerBlock int `yaml:"spectraPerBlock" json:"spectraPerBlock"`
}

func (c Config) WithDefaults() Config {
	if c.SpectraPerBlock == 0 {
		c.SpectraPerBlock = DefaultSpectraPerBlock
	}
	return c
}

func (c Config) Validate() error {
	if (c.Path == "") == (c.Command == "") {
		return spectrum.NewConfigError(nil, "source: exactly one of path and command must be set")
	}
	switch c.Format {
	case FormatUint8, FormatUint16, FormatFloat32:
	default:
		return spectrum.NewConfigError(nil, "source: unsupported sample format %q", c.Format)
	}
	if c.Channels <= 0 {
		return spectrum.NewConfigError(spectrum.ErrNoChannels, "source: %d channels", c.Channels)
	}
	if c.Fch1 <= 0 {
		return spectrum.NewConfigError(nil, "source: first channel frequency must be positive: %g given", c.Fch1)
	}
	if c.Foff == 0 {
		return spectrum.NewConfigError(nil, "source: channel offset must not be zero")
	}
	if last := c.Fch1 + float64(c.Channels-1)*c.Foff; last <= 0 {
		return spectrum.NewConfigError(nil, "source: last channel frequency must be positive: %g", last)
	}
	if c.Tsamp <= 0 {
		return spectrum.NewConfigError(nil, "source: sample interval must be positive: %g given", c.Tsamp)
	}
	if c.SpectraPerBlock < 0 {
		return spectrum.NewConfigError(nil, "source: spectra per block must not be negative: %d given", c.SpectraPerBlock)
	}
	return nil
}

// ChannelFrequencies returns the centre frequency of every channel in MHz.
func (c Config) ChannelFrequencies() []float64 {
	freqs := make([]float64, c.Channels)
	for i := range freqs {
		freqs[i] = c.Fch1 + float64(i)*c.Foff
	}
	return freqs
}

// formatOf returns the format name matching T.
func formatOf[T spectrum.Intensity]() (string, error) {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return FormatUint8, nil
	case uint16:
		return FormatUint16, nil
	case float32:
		return FormatFloat32, nil
	}
	return "", errors.New("unsupported intensity type")
}

func checkFormat[T spectrum.Intensity](format string) error {
	f, err := formatOf[T]()
	if err != nil {
		return spectrum.NewConfigError(err, "source: %T", *new(T))
	}
	if f != format {
		return spectrum.NewConfigError(nil, "source: reader of %s cannot decode %s samples", f, format)
	}
	return nil
}
