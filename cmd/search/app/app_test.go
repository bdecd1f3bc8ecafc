package app

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/ddtr"
	"github.com/roman-kulish/pulsar-search/internal/source"
	"github.com/roman-kulish/pulsar-search/internal/spdt"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
	"github.com/roman-kulish/pulsar-search/internal/storage"
)

const (
	numChannels = 64
	numSpectra  = 5000
	pulseAt     = 3000
	pulseDM     = 50.0
	startMJD    = 60371.5
)

func testSource(path string) SourceConfig {
	return SourceConfig{
		Path:            path,
		Format:          source.FormatUint8,
		Channels:        numChannels,
		Fch1:            1000,
		Foff:            -300.0 / 63,
		Tsamp:           0.001,
		StartMJD:        startMJD,
		SpectraPerBlock: 700,
	}
}

// writeObservation writes uint8 noise with one pulse of pulseDM arriving at
// the top of the band at spectrum pulseAt.
func writeObservation(t *testing.T, dd ddtr.Config) string {
	t.Helper()
	src := testSource("").Source()
	plan, err := ddtr.NewPlan(dd.WithDefaults(), src.ChannelFrequencies(), src.Tsamp)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(21, 21))
	data := make([]byte, numSpectra*numChannels)
	for i := range data {
		v := math.Round(64 + 8*rng.NormFloat64())
		data[i] = uint8(min(max(v, 0), 255))
	}
	for c := 0; c < numChannels; c++ {
		data[(pulseAt+plan.DelayAt(pulseDM, c))*numChannels+c] += 40
	}

	path := filepath.Join(t.TempDir(), "beam.raw")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testAppConfig(t *testing.T) *Config {
	t.Helper()
	c := &Config{
		Settings:     Settings{LogLevel: "info", Workers: 4},
		Dedispersion: ddtr.Config{Ranges: []ddtr.DmRange{{Start: 0, End: 100, Step: 10}}, DedispersionSamples: 2048},
		Search:       spdt.Config{Threshold: 8, MaxWidth: 16, StatsBlock: 256},
		Storage:      storage.Config{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "candidates.db")},
	}
	path := writeObservation(t, c.Dedispersion)
	disabled := false
	c.Beams = []BeamConfig{
		{ID: "beam0", Source: testSource(path)},
		{ID: "beam1", Source: testSource(path)},
		{ID: "beam2", Enabled: &disabled, Source: testSource(path)},
	}
	c.WithDefaults()
	require.NoError(t, c.Validate())
	return c
}

func TestRun(t *testing.T) {
	c := testAppConfig(t)
	require.NoError(t, Run(context.Background(), c, zap.NewNop()))

	store, err := storage.NewSQLStore(c.Storage)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Config)
	assert.Contains(t, *sessions[0].Config, `"beam0"`)

	for _, beam := range []string{"beam0", "beam1"} {
		r, err := store.ReadCandidates(ctx, sessions[0].ID, storage.WithBeam(beam))
		require.NoError(t, err, beam)

		records, err := r.ReadAll(ctx)
		require.NoError(t, err)
		require.NoError(t, r.Close())

		require.Len(t, records, 1, beam)
		assert.Equal(t, pulseDM, records[0].DM)
		assert.Greater(t, records[0].Sigma, 20.0)
		assert.WithinDuration(t, spectrum.FromMJD(startMJD).Add(pulseAt*time.Millisecond), records[0].StartTime, 20*time.Millisecond)
	}

	_, err = store.ReadCandidates(ctx, sessions[0].ID, storage.WithBeam("beam2"))
	assert.ErrorIs(t, err, storage.ErrNoData)
}

func TestRun_Errors(t *testing.T) {
	c := testAppConfig(t)
	c.Beams[0].Source.Path = filepath.Join(t.TempDir(), "missing.raw")
	assert.Error(t, Run(context.Background(), c, zap.NewNop()))

	c = testAppConfig(t)
	c.Dedispersion.DedispersionSamples = 128 // smaller than the DM 90 sweep
	assert.Error(t, Run(context.Background(), c, zap.NewNop()))
}

func TestRun_Cancelled(t *testing.T) {
	c := testAppConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Run(ctx, c, zap.NewNop()), context.Canceled)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := NewLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}
	_, err := NewLogger("loud")
	assert.Error(t, err)
}
