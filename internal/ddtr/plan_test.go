package ddtr

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

func TestDmRange_Trials(t *testing.T) {
	tests := []struct {
		name  string
		r     DmRange
		want  []float64
		valid bool
	}{
		{name: "half open", r: DmRange{Start: 0, End: 100, Step: 10}, want: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, valid: true},
		{name: "single", r: DmRange{Start: 5, End: 5, Step: 1}, want: []float64{5}, valid: true},
		{name: "partial step", r: DmRange{Start: 0, End: 2.5, Step: 1}, want: []float64{0, 1, 2}, valid: true},
		{name: "zero step", r: DmRange{Start: 0, End: 10, Step: 0}},
		{name: "negative step", r: DmRange{Start: 0, End: 10, Step: -1}},
		{name: "reversed", r: DmRange{Start: 10, End: 0, Step: 1}},
		{name: "negative start", r: DmRange{Start: -1, End: 10, Step: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if !tt.valid {
				require.Error(t, err)
				assert.True(t, spectrum.IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, tt.r.Trials(), 1e-9)
		})
	}
}

func TestDmRange_NoDrift(t *testing.T) {
	trials := DmRange{Start: 0, End: 1000, Step: 0.1}.Trials()
	require.Len(t, trials, 10000)
	assert.InDelta(t, 999.9, trials[9999], 1e-9)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("no ranges", func(t *testing.T) {
		cfg := Config{}
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, spectrum.ErrNoDmRanges)
		assert.True(t, spectrum.IsConfigError(err))
	})

	t.Run("bad algorithm", func(t *testing.T) {
		cfg := Config{Ranges: []DmRange{{0, 10, 1}}, Algorithm: "fft"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad flag policy", func(t *testing.T) {
		cfg := Config{Ranges: []DmRange{{0, 10, 1}}, FlagPolicy: "drop"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("defaults", func(t *testing.T) {
		cfg := Config{Ranges: []DmRange{{0, 10, 1}}}.WithDefaults()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultDedispersionSamples, cfg.DedispersionSamples)
		assert.Equal(t, AlgorithmNaive, cfg.Algorithm)
		assert.Equal(t, FlagPolicyZero, cfg.FlagPolicy)
		assert.Equal(t, DmConstant, cfg.DmConstant)
		assert.Equal(t, 9.0, cfg.MaxDM())
	})
}

// Delays never increase with frequency and the top channel has no delay,
// whatever order the channels come in.
func TestPlan_DelayMonotonicity(t *testing.T) {
	layouts := map[string][]float64{
		"descending": linearChannels(64, 1000, 700),
		"ascending":  linearChannels(64, 700, 1000),
		"shuffled":   {850, 1000, 700, 925.5, 760, 990},
	}

	for name, channels := range layouts {
		t.Run(name, func(t *testing.T) {
			plan, err := NewPlan(Config{Ranges: []DmRange{{0, 500, 25}}, DedispersionSamples: 1 << 16}, channels, 0.001)
			require.NoError(t, err)

			order := make([]int, len(channels))
			for i := range order {
				order[i] = i
			}
			sort.Slice(order, func(a, b int) bool { return channels[order[a]] < channels[order[b]] })
			top := order[len(order)-1]

			for i, dm := range plan.DMs {
				assert.Zero(t, plan.Delay(i, top), "reference channel must have no delay at DM %g", dm)
				for k := 1; k < len(order); k++ {
					lo, hi := order[k-1], order[k]
					assert.GreaterOrEqual(t, plan.Delay(i, lo), plan.Delay(i, hi),
						"DM %g: %g MHz delay must be >= %g MHz delay", dm, channels[lo], channels[hi])
				}
			}
		})
	}
}

func TestPlan_Delays(t *testing.T) {
	channels := linearChannels(64, 1000, 700)
	plan, err := NewPlan(Config{Ranges: []DmRange{{0, 100, 10}}, DedispersionSamples: 8192}, channels, 0.001)
	require.NoError(t, err)

	assert.Equal(t, 1000.0, plan.RefFrequency)
	assert.Len(t, plan.DMs, 10)

	// 4.1493775933609e3 * 50 * (1/700^2 - 1/1000^2) / 0.001 = 215.94...
	assert.Equal(t, 216, plan.DelayAt(50, 63))
	assert.Equal(t, 389, plan.Overlap)
	assert.Equal(t, plan.MaxDelay(9), plan.Overlap)
	assert.Equal(t, 8192-plan.Overlap, plan.OutputSamples(8192))
	assert.Zero(t, plan.OutputSamples(plan.Overlap))
}

// Half-sample delays round away from zero.
func TestRoundDelay(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{0, 0},
		{0.4999, 0},
		{0.5, 1},
		{1.5, 2},
		{2.5, 3},
		{2.5000001, 3},
		{215.94, 216},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundDelay(tt.in), "roundDelay(%v)", tt.in)
	}
}

func TestNewPlan_Errors(t *testing.T) {
	channels := linearChannels(16, 1500, 1200)

	t.Run("no ranges", func(t *testing.T) {
		_, err := NewPlan(Config{}, channels, 0.001)
		assert.ErrorIs(t, err, spectrum.ErrNoDmRanges)
	})

	t.Run("no channels", func(t *testing.T) {
		_, err := NewPlan(Config{Ranges: []DmRange{{0, 10, 1}}}, nil, 0.001)
		require.Error(t, err)
		assert.ErrorIs(t, err, spectrum.ErrNoChannels)
		assert.True(t, spectrum.IsDataError(err))
	})

	t.Run("bad tsamp", func(t *testing.T) {
		_, err := NewPlan(Config{Ranges: []DmRange{{0, 10, 1}}}, channels, 0)
		assert.True(t, spectrum.IsDataError(err))
	})

	t.Run("window smaller than delay", func(t *testing.T) {
		_, err := NewPlan(Config{Ranges: []DmRange{{0, 2000, 100}}, DedispersionSamples: 64}, channels, 0.0001)
		require.Error(t, err)
		assert.True(t, spectrum.IsConfigError(err))
	})
}

func TestNewPlan_MergesRanges(t *testing.T) {
	cfg := Config{
		Ranges:              []DmRange{{20, 40, 10}, {0, 30, 10}},
		DedispersionSamples: 4096,
	}
	plan, err := NewPlan(cfg, linearChannels(8, 1400, 1300), 0.001)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 20, 30}, plan.DMs)
}
