package spdt

import (
	"slices"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// carry is the tail of the last searched collection of a stream.
type carry struct {
	id     uint64
	dms    []float64
	tsamp  float64
	end    time.Time // time of the sample after the tail
	series [][]float32
}

// newCarry copies the last n samples of every trial. It returns nil for
// collections that cannot be searched.
func newCarry(id uint64, trials *spectrum.DmTrials, end time.Time, n int) *carry {
	samples := trials.NumberOfSamples()
	if len(trials.Trials) == 0 || samples == 0 || trials.SampleInterval <= 0 {
		return nil
	}
	for _, t := range trials.Trials {
		if len(t.Series) != samples {
			return nil
		}
	}

	n = min(n, samples)
	c := &carry{
		id:     id,
		dms:    trials.DMs(),
		tsamp:  trials.SampleInterval,
		end:    end,
		series: make([][]float32, len(trials.Trials)),
	}
	for i, t := range trials.Trials {
		c.series[i] = slices.Clone(t.Series[samples-n:])
	}
	return c
}

func (c *carry) samples() int {
	return len(c.series[0])
}

// continues reports whether trials start where the tail ends, with the same
// DM trials and sample interval.
func (c *carry) continues(trials *spectrum.DmTrials) bool {
	if trials.SampleInterval != c.tsamp || !slices.Equal(trials.DMs(), c.dms) {
		return false
	}
	gap := trials.StartTime.Sub(c.end).Abs()
	return gap <= spectrum.Seconds(c.tsamp/2)
}
