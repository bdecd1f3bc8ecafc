package spectrum

import (
	"math"
	"time"
)

// mjdUnixEpoch is the Modified Julian Date of 1970-01-01T00:00:00Z.
const mjdUnixEpoch = 40587.0

// Intensity is the set of raw sample types a time-frequency block may carry.
type Intensity interface {
	~uint8 | ~uint16 | ~float32
}

// TimeFrequency is a block of contiguous spectra. Data is stored row-major as
// [spectrum][channel]; Flags, when present, has the same shape and marks
// samples rejected by RFI mitigation.
type TimeFrequency[T Intensity] struct {
	StartTime      time.Time `json:"startTime"`       // Time of the first spectrum
	SampleInterval float64   `json:"sampleInterval"`  // Seconds between spectra
	Channels       []float64 `json:"channels"`        // Channel centre frequencies in MHz, either order
	Data           []T       `json:"-"`               // Intensities, len = spectra * channels
	Flags          []bool    `json:"flags,omitempty"` // Optional RFI flags, same shape as Data
}

// NewTimeFrequency allocates a zeroed block with the given shape.
func NewTimeFrequency[T Intensity](start time.Time, tsamp float64, channels []float64, spectra int) *TimeFrequency[T] {
	return &TimeFrequency[T]{
		StartTime:      start,
		SampleInterval: tsamp,
		Channels:       channels,
		Data:           make([]T, spectra*len(channels)),
	}
}

func (tf *TimeFrequency[T]) NumberOfChannels() int {
	return len(tf.Channels)
}

func (tf *TimeFrequency[T]) NumberOfSpectra() int {
	if len(tf.Channels) == 0 {
		return 0
	}
	return len(tf.Data) / len(tf.Channels)
}

func (tf *TimeFrequency[T]) At(spectrum, channel int) T {
	return tf.Data[spectrum*len(tf.Channels)+channel]
}

func (tf *TimeFrequency[T]) Set(spectrum, channel int, v T) {
	tf.Data[spectrum*len(tf.Channels)+channel] = v
}

// Spectrum returns the channel row of one spectrum. The slice aliases Data.
func (tf *TimeFrequency[T]) Spectrum(spectrum int) []T {
	n := len(tf.Channels)
	return tf.Data[spectrum*n : (spectrum+1)*n]
}

func (tf *TimeFrequency[T]) Flagged(spectrum, channel int) bool {
	if tf.Flags == nil {
		return false
	}
	return tf.Flags[spectrum*len(tf.Channels)+channel]
}

// Flag marks a sample as RFI, allocating the flag cube on first use.
func (tf *TimeFrequency[T]) Flag(spectrum, channel int) {
	if tf.Flags == nil {
		tf.Flags = make([]bool, len(tf.Data))
	}
	tf.Flags[spectrum*len(tf.Channels)+channel] = true
}

// TimeOf returns the timestamp of the given spectrum index.
func (tf *TimeFrequency[T]) TimeOf(spectrum int) time.Time {
	return tf.StartTime.Add(Seconds(float64(spectrum) * tf.SampleInterval))
}

// EndTime is the time just after the last spectrum, i.e. where the next
// contiguous block must start.
func (tf *TimeFrequency[T]) EndTime() time.Time {
	return tf.TimeOf(tf.NumberOfSpectra())
}

// MaxFrequency returns the highest channel frequency, the dedispersion reference.
func (tf *TimeFrequency[T]) MaxFrequency() float64 {
	return MaxFrequency(tf.Channels)
}

// Validate checks the shape of the block.
func (tf *TimeFrequency[T]) Validate() error {
	if len(tf.Channels) == 0 {
		return NewDataError(ErrNoChannels, "time-frequency block")
	}
	if tf.SampleInterval <= 0 || math.IsNaN(tf.SampleInterval) {
		return NewDataError(nil, "invalid sample interval: %g", tf.SampleInterval)
	}
	if len(tf.Data)%len(tf.Channels) != 0 {
		return NewDataError(nil, "data length %d is not a multiple of %d channels", len(tf.Data), len(tf.Channels))
	}
	if tf.Flags != nil && len(tf.Flags) != len(tf.Data) {
		return NewDataError(nil, "flag cube length %d does not match data length %d", len(tf.Flags), len(tf.Data))
	}
	for i, f := range tf.Channels {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return NewDataError(nil, "invalid frequency of channel %d: %g", i, f)
		}
	}
	return nil
}

// MJD returns the start time as a Modified Julian Date.
func (tf *TimeFrequency[T]) MJD() float64 {
	return ToMJD(tf.StartTime)
}

func ToMJD(t time.Time) float64 {
	return float64(t.UnixNano())/float64(24*time.Hour) + mjdUnixEpoch
}

func FromMJD(mjd float64) time.Time {
	days := mjd - mjdUnixEpoch
	return time.Unix(0, int64(math.Round(days*float64(24*time.Hour)))).UTC()
}

// Seconds converts floating point seconds to a duration, rounded to the
// nearest nanosecond.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func MaxFrequency(channels []float64) float64 {
	if len(channels) == 0 {
		return 0
	}
	m := channels[0]
	for _, f := range channels[1:] {
		m = max(m, f)
	}
	return m
}

// DmTrial is one dedispersed time series.
type DmTrial struct {
	DM     float64   `json:"dm"`     // Trial dispersion measure in pc cm^-3
	Series []float32 `json:"series"` // Dedispersed intensity, one value per output sample
}

// DmTrials is the output of one dedispersion pass. Trials are in ascending DM
// order and all series have the same length.
type DmTrials struct {
	Sequence       uint64    `json:"sequence"`       // Window index within the stream
	StartTime      time.Time `json:"startTime"`      // Time of series sample 0
	SampleInterval float64   `json:"sampleInterval"` // Seconds between samples
	Trials         []DmTrial `json:"trials"`
}

func (d *DmTrials) NumberOfSamples() int {
	if len(d.Trials) == 0 {
		return 0
	}
	return len(d.Trials[0].Series)
}

func (d *DmTrials) DMs() []float64 {
	dms := make([]float64, len(d.Trials))
	for i, t := range d.Trials {
		dms[i] = t.DM
	}
	return dms
}

func (d *DmTrials) TimeOf(sample int) time.Time {
	return d.StartTime.Add(Seconds(float64(sample) * d.SampleInterval))
}

// Candidate is a single-pulse detection.
type Candidate struct {
	DM        float64       `json:"dm"`        // Trial DM with the highest significance
	StartTime time.Time     `json:"startTime"` // Time of the first flagged sample
	Width     time.Duration `json:"width"`     // Boxcar width with the highest significance
	Duration  time.Duration `json:"duration"`  // Extent of the flagged region, never less than Width
	Sigma     float64       `json:"sigma"`     // Signal to noise ratio
}

func (c Candidate) EndTime() time.Time {
	return c.StartTime.Add(c.Duration)
}

// CandidateList is the search result for one DmTrials collection. An empty
// list is a valid result.
type CandidateList struct {
	Sequence   uint64      `json:"sequence"`
	StartTime  time.Time   `json:"startTime"`
	Candidates []Candidate `json:"candidates"`
}

func (l *CandidateList) Len() int {
	return len(l.Candidates)
}
