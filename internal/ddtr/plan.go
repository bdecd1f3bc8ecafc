package ddtr

import (
	"math"
	"slices"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Plan holds everything that depends on the configuration and the channel
// layout but not on the samples: trial DMs, per-channel delays and the
// overlap between consecutive windows. A Plan is immutable and shared by all
// windows of a stream.
type Plan struct {
	DMs            []float64 // Ascending, duplicates removed
	Channels       []float64 // MHz, in data order
	SampleInterval float64   // Seconds
	RefFrequency   float64   // Highest channel frequency, zero delay
	Samples        int       // Window size in spectra
	Overlap        int       // Spectra carried into the next window
	FlagPolicy     FlagPolicy

	factors []float64 // Delay in samples per unit DM, per channel
	delays  [][]int   // [trial][channel]
}

// NewPlan computes the delay table for the given channel layout.
//
// Parameters:
//   - cfg: dedispersion configuration, defaults applied
//   - channels: channel centre frequencies in MHz, any order
//   - tsamp: sample interval in seconds
//
// Returns a ConfigError when no DM range is configured or when the window is
// too small to hold the maximum delay, and a DataError for an empty channel
// list or a non-positive sample interval.
func NewPlan(cfg Config, channels []float64, tsamp float64) (*Plan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, spectrum.NewDataError(spectrum.ErrNoChannels, "ddtr: cannot compute delays")
	}
	if tsamp <= 0 || math.IsNaN(tsamp) {
		return nil, spectrum.NewDataError(nil, "ddtr: invalid sample interval: %g", tsamp)
	}
	for i, f := range channels {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, spectrum.NewDataError(nil, "ddtr: invalid frequency of channel %d: %g", i, f)
		}
	}

	var dms []float64
	for _, r := range cfg.Ranges {
		dms = append(dms, r.Trials()...)
	}
	slices.Sort(dms)
	dms = slices.Compact(dms)

	p := &Plan{
		DMs:            dms,
		Channels:       slices.Clone(channels),
		SampleInterval: tsamp,
		RefFrequency:   spectrum.MaxFrequency(channels),
		Samples:        cfg.DedispersionSamples,
		FlagPolicy:     cfg.FlagPolicy,
		factors:        make([]float64, len(channels)),
		delays:         make([][]int, len(dms)),
	}

	invRef := 1 / (p.RefFrequency * p.RefFrequency)
	for c, f := range channels {
		p.factors[c] = cfg.DmConstant * (1/(f*f) - invRef) / tsamp
	}

	for i, dm := range dms {
		row := make([]int, len(channels))
		for c := range channels {
			row[c] = roundDelay(dm * p.factors[c])
			p.Overlap = max(p.Overlap, row[c])
		}
		p.delays[i] = row
	}

	if p.Overlap >= p.Samples {
		return nil, spectrum.NewConfigError(nil,
			"ddtr: window of %d spectra does not cover the maximum delay of %d spectra at DM %g",
			p.Samples, p.Overlap, dms[len(dms)-1])
	}

	return p, nil
}

// roundDelay rounds a fractional delay to the nearest sample, halves away from
// zero. Delays are never negative since the reference is the top channel.
func roundDelay(d float64) int {
	return int(math.Round(d))
}

// Delay returns the delay in samples of channel c at trial index i.
func (p *Plan) Delay(i, c int) int {
	return p.delays[i][c]
}

// Delays returns the delay row of trial i. The slice must not be modified.
func (p *Plan) Delays(i int) []int {
	return p.delays[i]
}

// DelayAt computes the delay of channel c at an arbitrary DM.
func (p *Plan) DelayAt(dm float64, c int) int {
	return roundDelay(dm * p.factors[c])
}

// MaxDelay returns the largest delay of trial i.
func (p *Plan) MaxDelay(i int) int {
	return slices.Max(p.delays[i])
}

func (p *Plan) NumberOfTrials() int {
	return len(p.DMs)
}

func (p *Plan) NumberOfChannels() int {
	return len(p.Channels)
}

// OutputSamples returns the length of the series produced from a window of n
// spectra, zero if the window does not exceed the overlap.
func (p *Plan) OutputSamples(n int) int {
	return max(n-p.Overlap, 0)
}

// MatchesChannels reports whether the block layout is the one the plan was
// built for.
func (p *Plan) MatchesChannels(channels []float64) bool {
	return slices.Equal(p.Channels, channels)
}
