package pipeline

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/pulsar-search/internal/ddtr"
	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/spdt"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	tsamp      = 0.001
	numSpectra = 5000
	blockSize  = 500
	pulseAt    = 3000
	pulseDM    = 50
)

var (
	ddtrConfig = ddtr.Config{Ranges: []ddtr.DmRange{{Start: 0, End: 100, Step: 10}}, DedispersionSamples: 2048}
	spdtConfig = spdt.Config{Threshold: 8, MaxWidth: 16, StatsBlock: 256}
)

func channels() []float64 {
	ch := make([]float64, 64)
	for i := range ch {
		ch[i] = 1000 - float64(i)*300/63
	}
	return ch
}

// observation returns gaussian noise with one dispersed pulse arriving at the
// top of the band at spectrum pulseAt.
func observation(t *testing.T, plan *ddtr.Plan) *spectrum.TimeFrequency[uint8] {
	t.Helper()
	rng := rand.New(rand.NewPCG(11, 11))
	tf := spectrum.NewTimeFrequency[uint8](epoch, tsamp, channels(), numSpectra)
	for i := range tf.Data {
		v := math.Round(64 + 8*rng.NormFloat64())
		tf.Data[i] = uint8(min(max(v, 0), 255))
	}
	for c := range tf.Channels {
		s := pulseAt + plan.DelayAt(pulseDM, c)
		require.Less(t, s, numSpectra)
		tf.Set(s, c, tf.At(s, c)+40)
	}
	return tf
}

func blocks(tf *spectrum.TimeFrequency[uint8]) []*spectrum.TimeFrequency[uint8] {
	nch := tf.NumberOfChannels()
	var out []*spectrum.TimeFrequency[uint8]
	for from := 0; from < tf.NumberOfSpectra(); from += blockSize {
		to := min(from+blockSize, tf.NumberOfSpectra())
		out = append(out, &spectrum.TimeFrequency[uint8]{
			StartTime:      tf.TimeOf(from),
			SampleInterval: tf.SampleInterval,
			Channels:       tf.Channels,
			Data:           tf.Data[from*nch : to*nch],
		})
	}
	return out
}

type collector struct {
	mu    sync.Mutex
	lists []*spectrum.CandidateList
}

func (c *collector) handle(_ string, list *spectrum.CandidateList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists = append(c.lists, list)
	return nil
}

func (c *collector) candidates() []spectrum.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []spectrum.Candidate
	for _, l := range c.lists {
		out = append(out, l.Candidates...)
	}
	return out
}

func TestNew(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	_, err := New[uint8]("b0", ddtrConfig, spdtConfig, p, nil)
	assert.Error(t, err)

	_, err = New[uint8]("b0", ddtr.Config{}, spdtConfig, p, (&collector{}).handle)
	assert.True(t, spectrum.IsConfigError(err))

	_, err = New[uint8]("b0", ddtrConfig, spdt.Config{Threshold: -1}, p, (&collector{}).handle)
	assert.True(t, spectrum.IsConfigError(err))
}

// A dispersed pulse streamed in blocks comes out as a candidate at its DM.
func TestPipeline_EndToEnd(t *testing.T) {
	p := pool.New(pool.WithWorkers(4))
	defer p.Close()

	var c collector
	var tapped sync.Map
	pl, err := New[uint8]("b0", ddtrConfig, spdtConfig, p, c.handle, WithTrialsTap(func(trials *spectrum.DmTrials) {
		tapped.Store(trials.Sequence, trials.NumberOfSamples())
	}))
	require.NoError(t, err)
	require.NoError(t, pl.Prepare(channels(), tsamp))
	assert.Equal(t, 389, pl.Plan().Overlap)

	for _, b := range blocks(observation(t, pl.Plan())) {
		require.NoError(t, pl.Push(b))
	}
	require.NoError(t, pl.Flush())
	require.NoError(t, pl.Wait())

	stats := pl.Stats()
	assert.Equal(t, Stats{
		Beam:       "b0",
		Blocks:     10,
		Spectra:    numSpectra,
		Windows:    3,
		Searches:   3,
		Candidates: stats.Candidates,
	}, stats)

	for seq := uint64(0); seq < 3; seq++ {
		_, ok := tapped.Load(seq)
		assert.True(t, ok, "window %d", seq)
	}

	candidates := c.candidates()
	require.Len(t, candidates, 1)
	assert.EqualValues(t, 1, stats.Candidates)

	best := candidates[0]
	assert.Equal(t, float64(pulseDM), best.DM)
	assert.Greater(t, best.Sigma, 20.0)
	assert.WithinDuration(t, epoch.Add(pulseAt*time.Millisecond), best.StartTime, 20*time.Millisecond)
}

func TestPipeline_HandlerError(t *testing.T) {
	p := pool.New(pool.WithWorkers(2))
	defer p.Close()

	boom := errors.New("store unavailable")
	pl, err := New[uint8]("b1", ddtrConfig, spdtConfig, p, func(string, *spectrum.CandidateList) error {
		return boom
	})
	require.NoError(t, err)
	require.NoError(t, pl.Prepare(channels(), tsamp))

	for _, b := range blocks(observation(t, pl.Plan())) {
		require.NoError(t, pl.Push(b))
	}
	require.NoError(t, pl.Flush())

	err = pl.Wait()
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 3, pl.Stats().Errors)
	assert.NoError(t, pl.Err(), "errors are reset by Wait")
}

func TestPipeline_PushErrors(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	pl, err := New[uint8]("b2", ddtrConfig, spdtConfig, p, (&collector{}).handle)
	require.NoError(t, err)

	tf := spectrum.NewTimeFrequency[uint8](epoch, tsamp, channels(), 100)
	require.NoError(t, pl.Push(tf))

	// a block from the wrong place in the stream
	gap := spectrum.NewTimeFrequency[uint8](epoch.Add(time.Second), tsamp, channels(), 100)
	err = pl.Push(gap)
	assert.True(t, spectrum.IsDataError(err))

	stats := pl.Stats()
	assert.EqualValues(t, 1, stats.Blocks)
	assert.EqualValues(t, 100, stats.Spectra)
	assert.EqualValues(t, 1, stats.Errors)
}

// pulseObservation returns gaussian noise with one dispersed pulse of the given
// width whose dedispersed series starts at sample at.
func pulseObservation(t *testing.T, plan *ddtr.Plan, at, width int, amplitude uint8) *spectrum.TimeFrequency[uint8] {
	t.Helper()
	rng := rand.New(rand.NewPCG(12, 12))
	tf := spectrum.NewTimeFrequency[uint8](epoch, tsamp, channels(), numSpectra)
	for i := range tf.Data {
		v := math.Round(64 + 8*rng.NormFloat64())
		tf.Data[i] = uint8(min(max(v, 0), 255-float64(amplitude)))
	}
	for c := range tf.Channels {
		for s := at; s < at+width; s++ {
			d := s + plan.DelayAt(pulseDM, c)
			require.Less(t, d, numSpectra)
			tf.Set(d, c, tf.At(d, c)+amplitude)
		}
	}
	return tf
}

// search streams a pulse through a pipeline dedispersing samples spectra per
// window and returns every candidate and the stats.
func search(t *testing.T, samples, at, width int) ([]spectrum.Candidate, Stats) {
	t.Helper()
	p := pool.New(pool.WithWorkers(4))
	defer p.Close()

	cfg := ddtrConfig
	cfg.DedispersionSamples = samples

	var c collector
	pl, err := New[uint8]("b0", cfg, spdtConfig, p, c.handle)
	require.NoError(t, err)
	require.NoError(t, pl.Prepare(channels(), tsamp))

	for _, b := range blocks(pulseObservation(t, pl.Plan(), at, width, 4)) {
		require.NoError(t, pl.Push(b))
	}
	require.NoError(t, pl.Flush())
	require.NoError(t, pl.Wait())
	return c.candidates(), pl.Stats()
}

// A pulse straddling the boundary of two windows comes out once, as wide and
// as strong as when it lies inside one window.
func TestPipeline_WindowBoundary(t *testing.T) {
	const width = 16

	// The first window of 2048 spectra yields 1659 samples.
	boundary := 2048 - 389
	at := boundary - width/2

	want, _ := search(t, 4096, at, width)
	require.Len(t, want, 1)

	got, stats := search(t, 2048, at, width)
	require.Len(t, got, 1)
	assert.Equal(t, stats.Windows, stats.Searches)

	assert.Equal(t, float64(pulseDM), got[0].DM)
	assert.Equal(t, width*time.Millisecond, got[0].Width)
	assert.Equal(t, want[0].Width, got[0].Width)
	assert.InEpsilon(t, want[0].Sigma, got[0].Sigma, 0.15)
	assert.WithinDuration(t, want[0].StartTime, got[0].StartTime, 5*time.Millisecond)
	assert.WithinDuration(t, epoch.Add(time.Duration(at)*time.Millisecond), got[0].StartTime, 20*time.Millisecond)
}
