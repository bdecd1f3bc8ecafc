package spectrum

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMJD(t *testing.T) {
	tests := []struct {
		mjd  float64
		want time.Time
	}{
		{mjd: 40587, want: time.Unix(0, 0).UTC()},
		{mjd: 51544.5, want: time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)},
		{mjd: 60371.25, want: time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.mjd), func(t *testing.T) {
			got := FromMJD(tt.mjd)
			assert.WithinDuration(t, tt.want, got, time.Microsecond)
			assert.InDelta(t, tt.mjd, ToMJD(got), 1e-9)
		})
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, time.Millisecond, Seconds(0.001))
	assert.Equal(t, 64*time.Microsecond, Seconds(64e-6))
	assert.Equal(t, 3*time.Second, Seconds(3000*0.001))
}

func TestTimeFrequency(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tf := NewTimeFrequency[uint16](start, 0.001, []float64{1000, 900, 800}, 4)

	require.NoError(t, tf.Validate())
	assert.Equal(t, 3, tf.NumberOfChannels())
	assert.Equal(t, 4, tf.NumberOfSpectra())
	assert.Equal(t, 1000.0, tf.MaxFrequency())

	tf.Set(2, 1, 42)
	assert.Equal(t, uint16(42), tf.At(2, 1))
	assert.Equal(t, []uint16{0, 42, 0}, tf.Spectrum(2))

	assert.False(t, tf.Flagged(2, 1))
	tf.Flag(2, 1)
	assert.True(t, tf.Flagged(2, 1))
	assert.False(t, tf.Flagged(2, 2))
	assert.Len(t, tf.Flags, len(tf.Data))

	assert.Equal(t, start.Add(2*time.Millisecond), tf.TimeOf(2))
	assert.Equal(t, start.Add(4*time.Millisecond), tf.EndTime())
	assert.InDelta(t, ToMJD(start), tf.MJD(), 1e-12)
}

func TestTimeFrequency_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tf *TimeFrequency[float32])
	}{
		{name: "no channels", mutate: func(tf *TimeFrequency[float32]) { tf.Channels = nil }},
		{name: "zero interval", mutate: func(tf *TimeFrequency[float32]) { tf.SampleInterval = 0 }},
		{name: "nan interval", mutate: func(tf *TimeFrequency[float32]) { tf.SampleInterval = math.NaN() }},
		{name: "ragged data", mutate: func(tf *TimeFrequency[float32]) { tf.Data = tf.Data[:5] }},
		{name: "flag shape", mutate: func(tf *TimeFrequency[float32]) { tf.Flags = make([]bool, 2) }},
		{name: "negative frequency", mutate: func(tf *TimeFrequency[float32]) { tf.Channels[1] = -1 }},
		{name: "infinite frequency", mutate: func(tf *TimeFrequency[float32]) { tf.Channels[0] = math.Inf(1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf := NewTimeFrequency[float32](time.Now(), 0.001, []float64{1000, 900}, 3)
			tt.mutate(tf)
			err := tf.Validate()
			require.Error(t, err)
			assert.True(t, IsDataError(err))
		})
	}
}

func TestDmTrials(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d := &DmTrials{
		StartTime:      start,
		SampleInterval: 0.002,
		Trials: []DmTrial{
			{DM: 0, Series: make([]float32, 10)},
			{DM: 5, Series: make([]float32, 10)},
		},
	}
	assert.Equal(t, 10, d.NumberOfSamples())
	assert.Equal(t, []float64{0, 5}, d.DMs())
	assert.Equal(t, start.Add(6*time.Millisecond), d.TimeOf(3))
	assert.Equal(t, 0, (&DmTrials{}).NumberOfSamples())

	c := Candidate{StartTime: start, Duration: 4 * time.Millisecond}
	assert.Equal(t, start.Add(4*time.Millisecond), c.EndTime())
	assert.Equal(t, 0, (&CandidateList{}).Len())
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("push: %w", NewDataError(ErrDiscontinuity, "block at %d", 7))
	assert.True(t, IsDataError(err))
	assert.False(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrDiscontinuity)
	assert.Contains(t, err.Error(), "block at 7")

	cfg := NewConfigError(nil, "bad step")
	assert.True(t, IsConfigError(cfg))
	assert.Equal(t, "config: bad step", cfg.Error())

	res := NewResourceError(errors.New("oom"), "window")
	assert.True(t, IsResourceError(res))
	assert.False(t, IsDataError(res))
}
