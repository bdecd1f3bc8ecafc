package ddtr

import (
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Algorithm computes the DM trials of one window. Implementations must be
// safe for concurrent use on different windows.
type Algorithm[T spectrum.Intensity] interface {
	Name() AlgorithmName
	Dedisperse(plan *Plan, window *spectrum.TimeFrequency[T]) (*spectrum.DmTrials, error)
}

// NewAlgorithm returns the algorithm registered under name.
func NewAlgorithm[T spectrum.Intensity](name AlgorithmName) (Algorithm[T], error) {
	switch name {
	case AlgorithmNaive, "":
		return Naive[T]{}, nil
	case AlgorithmBlocked:
		return Blocked[T]{}, nil
	default:
		return nil, spectrum.NewConfigError(nil, "unknown dedispersion algorithm: %s", name)
	}
}

// Naive sums, for every trial and output sample, the delayed sample of each
// channel.
type Naive[T spectrum.Intensity] struct{}

func (Naive[T]) Name() AlgorithmName {
	return AlgorithmNaive
}

func (Naive[T]) Dedisperse(plan *Plan, window *spectrum.TimeFrequency[T]) (*spectrum.DmTrials, error) {
	out, err := prepare(plan, window)
	if err != nil {
		return nil, err
	}

	nch := plan.NumberOfChannels()
	samples := out.NumberOfSamples()
	useFlags := window.Flags != nil && plan.FlagPolicy != FlagPolicyIgnore

	for i := range out.Trials {
		delays := plan.Delays(i)
		series := out.Trials[i].Series

		for t := 0; t < samples; t++ {
			var sum float64
			good := nch
			for c := 0; c < nch; c++ {
				idx := (t+delays[c])*nch + c
				if useFlags && window.Flags[idx] {
					good--
					continue
				}
				sum += float64(window.Data[idx])
			}
			series[t] = finish(plan.FlagPolicy, sum, nch, good)
		}
	}

	return out, nil
}

// Blocked walks channels in the outer loop and accumulates a whole row per
// channel, reading each channel with a fixed stride. Additions happen in the
// same order as in Naive, so results are bitwise identical.
type Blocked[T spectrum.Intensity] struct{}

func (Blocked[T]) Name() AlgorithmName {
	return AlgorithmBlocked
}

func (Blocked[T]) Dedisperse(plan *Plan, window *spectrum.TimeFrequency[T]) (*spectrum.DmTrials, error) {
	out, err := prepare(plan, window)
	if err != nil {
		return nil, err
	}

	nch := plan.NumberOfChannels()
	samples := out.NumberOfSamples()
	useFlags := window.Flags != nil && plan.FlagPolicy != FlagPolicyIgnore

	acc := make([]float64, samples)
	var good []int
	if useFlags {
		good = make([]int, samples)
	}

	for i := range out.Trials {
		delays := plan.Delays(i)
		clear(acc)
		if useFlags {
			for t := range good {
				good[t] = nch
			}
		}

		for c := 0; c < nch; c++ {
			idx := delays[c]*nch + c
			for t := 0; t < samples; t, idx = t+1, idx+nch {
				if useFlags && window.Flags[idx] {
					good[t]--
					continue
				}
				acc[t] += float64(window.Data[idx])
			}
		}

		series := out.Trials[i].Series
		for t := range series {
			g := nch
			if useFlags {
				g = good[t]
			}
			series[t] = finish(plan.FlagPolicy, acc[t], nch, g)
		}
	}

	return out, nil
}

// prepare checks the window against the plan and allocates the output.
func prepare[T spectrum.Intensity](plan *Plan, window *spectrum.TimeFrequency[T]) (*spectrum.DmTrials, error) {
	if window == nil {
		return nil, spectrum.NewDataError(nil, "ddtr: nil window")
	}
	if window.NumberOfChannels() == 0 {
		return nil, spectrum.NewDataError(spectrum.ErrNoChannels, "ddtr: cannot dedisperse")
	}
	if window.NumberOfChannels() != plan.NumberOfChannels() {
		return nil, spectrum.NewConfigError(spectrum.ErrChannelMismatch,
			"ddtr: window has %d channels, plan has %d", window.NumberOfChannels(), plan.NumberOfChannels())
	}
	if window.Flags != nil && len(window.Flags) != len(window.Data) {
		return nil, spectrum.NewDataError(nil, "ddtr: flag cube does not match data")
	}

	samples := plan.OutputSamples(window.NumberOfSpectra())
	if samples == 0 {
		return nil, spectrum.NewDataError(nil, "ddtr: window of %d spectra does not exceed the overlap of %d",
			window.NumberOfSpectra(), plan.Overlap)
	}

	out := &spectrum.DmTrials{
		StartTime:      window.StartTime,
		SampleInterval: window.SampleInterval,
		Trials:         make([]spectrum.DmTrial, plan.NumberOfTrials()),
	}
	for i, dm := range plan.DMs {
		out.Trials[i] = spectrum.DmTrial{DM: dm, Series: make([]float32, samples)}
	}
	return out, nil
}

// finish applies the flag policy to a channel sum.
func finish(policy FlagPolicy, sum float64, channels, good int) float32 {
	if policy == FlagPolicyRenormalize && good != channels {
		if good == 0 {
			return 0
		}
		return float32(sum * float64(channels) / float64(good))
	}
	return float32(sum)
}
