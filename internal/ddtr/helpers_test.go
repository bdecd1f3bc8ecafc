package ddtr

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// linearChannels returns n channels from first to last inclusive.
func linearChannels(n int, first, last float64) []float64 {
	ch := make([]float64, n)
	for i := range ch {
		ch[i] = first + float64(i)*(last-first)/float64(n-1)
	}
	return ch
}

// noiseBlock returns a block of gaussian noise clamped to the uint8 range.
func noiseBlock(rng *rand.Rand, start time.Time, tsamp float64, channels []float64, spectra int, mean, std float64) *spectrum.TimeFrequency[uint8] {
	tf := spectrum.NewTimeFrequency[uint8](start, tsamp, channels, spectra)
	for i := range tf.Data {
		v := math.Round(mean + std*rng.NormFloat64())
		tf.Data[i] = uint8(min(max(v, 0), 255))
	}
	return tf
}

// injectPulse adds amplitude to every channel at the arrival sample of a
// pulse of the given DM that reaches the reference channel at t0.
func injectPulse(tf *spectrum.TimeFrequency[uint8], plan *Plan, dm float64, t0 int, amplitude uint8) {
	for c := range tf.Channels {
		t := t0 + plan.DelayAt(dm, c)
		if t >= tf.NumberOfSpectra() {
			continue
		}
		v := int(tf.At(t, c)) + int(amplitude)
		tf.Set(t, c, uint8(min(v, 255)))
	}
}

// slice returns spectra [from, to) of tf as a new block.
func slice[T spectrum.Intensity](tf *spectrum.TimeFrequency[T], from, to int) *spectrum.TimeFrequency[T] {
	nch := tf.NumberOfChannels()
	out := &spectrum.TimeFrequency[T]{
		StartTime:      tf.TimeOf(from),
		SampleInterval: tf.SampleInterval,
		Channels:       tf.Channels,
		Data:           append([]T(nil), tf.Data[from*nch:to*nch]...),
	}
	if tf.Flags != nil {
		out.Flags = append([]bool(nil), tf.Flags[from*nch:to*nch]...)
	}
	return out
}

// reference dedisperses the whole dataset in one go, without windows.
func reference(plan *Plan, tf *spectrum.TimeFrequency[uint8]) [][]float32 {
	n := tf.NumberOfSpectra() - plan.Overlap
	out := make([][]float32, plan.NumberOfTrials())
	for i := range out {
		out[i] = make([]float32, n)
		for t := 0; t < n; t++ {
			var sum float64
			for c := range tf.Channels {
				sum += float64(tf.At(t+plan.Delay(i, c), c))
			}
			out[i][t] = float32(sum)
		}
	}
	return out
}

func argmax(values []float32) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
