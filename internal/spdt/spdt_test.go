package spdt

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

func TestNew(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	_, err := New(Config{Threshold: -2}, p, func(*spectrum.CandidateList) {})
	assert.True(t, spectrum.IsConfigError(err))

	_, err = New(Config{}, nil, func(*spectrum.CandidateList) {})
	assert.Error(t, err)

	_, err = New(Config{}, p, nil)
	assert.Error(t, err)
}

// The handler is called once per collection, including collections without
// candidates.
func TestSpdt_Search(t *testing.T) {
	p := pool.New(pool.WithWorkers(4))
	defer p.Close()

	var mu sync.Mutex
	calls := map[uint64]int{}
	var lists []*spectrum.CandidateList

	s, err := New(Config{Threshold: 8}, p, func(list *spectrum.CandidateList) {
		mu.Lock()
		defer mu.Unlock()
		calls[list.Sequence]++
		lists = append(lists, list)
	}, WithBeam("b0"))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(8, 8))
	var futures []*pool.Future[*spectrum.CandidateList]
	for seq := uint64(0); seq < 6; seq++ {
		trials := noiseTrials(rng, 4, 2048)
		trials.Sequence = seq
		if seq%2 == 0 {
			addPulse(trials, 2, 1000, 2, 15)
		}
		futures = append(futures, s.Search(trials))
	}
	require.NoError(t, p.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lists, 6)
	for seq := uint64(0); seq < 6; seq++ {
		assert.Equal(t, 1, calls[seq], "sequence %d", seq)
	}

	for seq, f := range futures {
		list, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, seq, list.Sequence)
		if seq%2 == 0 {
			require.Equal(t, 1, list.Len())
			assert.Equal(t, 20.0, list.Candidates[0].DM)
		} else {
			assert.Zero(t, list.Len())
			assert.NotNil(t, list.Candidates)
		}
	}
}

func TestSpdt_SearchError(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	called := false
	s, err := New(Config{}, p, func(*spectrum.CandidateList) { called = true })
	require.NoError(t, err)

	_, err = s.Search(nil).Get(context.Background())
	assert.True(t, spectrum.IsDataError(err))
	assert.Error(t, p.Wait())
	assert.False(t, called)
}

// slice returns samples [from, to) of trials as a collection of its own.
func slice(trials *spectrum.DmTrials, from, to int, seq uint64) *spectrum.DmTrials {
	out := &spectrum.DmTrials{
		Sequence:       seq,
		StartTime:      trials.TimeOf(from),
		SampleInterval: trials.SampleInterval,
	}
	for _, t := range trials.Trials {
		out.Trials = append(out.Trials, spectrum.DmTrial{DM: t.DM, Series: t.Series[from:to]})
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	calls map[uint64]int
	found []spectrum.Candidate
}

func (r *recorder) handle(list *spectrum.CandidateList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[uint64]int{}
	}
	r.calls[list.Sequence]++
	r.found = append(r.found, list.Candidates...)
}

// A pulse split between two consecutive collections is found once, as wide
// and as strong as in the unsplit series.
func TestSpdt_SearchAcrossCollections(t *testing.T) {
	cfg := Config{Threshold: 7}

	rng := rand.New(rand.NewPCG(21, 21))
	whole := noiseTrials(rng, 4, 8192)
	addPulse(whole, 1, 4080, 32, 2)

	want, err := Detect(whole, cfg)
	require.NoError(t, err)
	require.Len(t, want, 1)
	require.Equal(t, 32*time.Millisecond, want[0].Width)

	p := pool.New(pool.WithWorkers(2))
	defer p.Close()

	var r recorder
	s, err := New(cfg, p, r.handle)
	require.NoError(t, err)

	s.Search(slice(whole, 0, 4096, 0))
	s.Search(slice(whole, 4096, 8192, 1))
	require.NoError(t, p.Wait())
	assert.Empty(t, s.Drain())

	assert.Equal(t, map[uint64]int{0: 1, 1: 1}, r.calls)
	require.Len(t, r.found, 1)

	got := r.found[0]
	assert.Equal(t, want[0].DM, got.DM)
	assert.Equal(t, want[0].Width, got.Width)
	assert.InEpsilon(t, want[0].Sigma, got.Sigma, 0.1)
	assert.WithinDuration(t, want[0].StartTime, got.StartTime, 3*time.Millisecond)
}

// A pulse at the end of the last collection is held until Drain.
func TestSpdt_Drain(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	var r recorder
	s, err := New(Config{Threshold: 7}, p, r.handle)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 5))
	trials := noiseTrials(rng, 4, 4096)
	addPulse(trials, 2, 4080, 8, 4)

	list, err := s.Search(trials).Get(context.Background())
	require.NoError(t, err)
	assert.Zero(t, list.Len())
	require.NoError(t, p.Wait())

	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.EqualValues(t, 0, drained[0].Sequence)
	require.Equal(t, 1, drained[0].Len())
	assert.Equal(t, 20.0, drained[0].Candidates[0].DM)

	assert.Equal(t, 2, r.calls[0])
	assert.Len(t, r.found, 1)
	assert.Empty(t, s.Drain())
}

// Collections that do not continue each other are searched on their own.
func TestSpdt_SearchUnrelatedCollections(t *testing.T) {
	p := pool.New(pool.WithWorkers(1))
	defer p.Close()

	var r recorder
	s, err := New(Config{Threshold: 7}, p, r.handle)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(6, 6))
	first := noiseTrials(rng, 4, 2048)
	addPulse(first, 1, 2040, 8, 4)

	// same start time, so not a continuation
	second := noiseTrials(rng, 4, 2048)
	second.Sequence = 1
	addPulse(second, 3, 4, 8, 4)

	s.Search(first)
	s.Search(second)
	require.NoError(t, p.Wait())

	r.mu.Lock()
	require.Len(t, r.found, 1)
	assert.Equal(t, 30.0, r.found[0].DM)
	r.mu.Unlock()

	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.EqualValues(t, 0, drained[0].Sequence)
	assert.Equal(t, 10.0, drained[0].Candidates[0].DM)
}
