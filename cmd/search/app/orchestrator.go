package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/ddtr"
	"github.com/roman-kulish/pulsar-search/internal/pipeline"
	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/server"
	"github.com/roman-kulish/pulsar-search/internal/source"
	"github.com/roman-kulish/pulsar-search/internal/spdt"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
	"github.com/roman-kulish/pulsar-search/internal/storage"
)

const storeTimeout = 30 * time.Second

// beam streams one source through its pipeline.
type beam interface {
	ID() string
	Run(ctx context.Context) error
	Stats() pipeline.Stats
	Drain()
	Err() error
}

type beamRunner[T spectrum.Intensity] struct {
	id       string
	reader   *source.Reader[T]
	pipeline *pipeline.Pipeline[T]
	logger   *zap.Logger
}

func (b *beamRunner[T]) ID() string {
	return b.id
}

func (b *beamRunner[T]) Stats() pipeline.Stats {
	return b.pipeline.Stats()
}

func (b *beamRunner[T]) Drain() {
	b.pipeline.Drain()
}

func (b *beamRunner[T]) Err() error {
	return b.pipeline.Err()
}

// Run reads the source to the end and flushes the pipeline. Cancellation
// still flushes what was buffered.
func (b *beamRunner[T]) Run(ctx context.Context) error {
	if err := b.pipeline.Prepare(b.reader.Channels(), b.reader.SampleInterval()); err != nil {
		return fmt.Errorf("beam %s: %w", b.id, err)
	}

	err := b.reader.Run(ctx, b.pipeline.Push)
	if errors.Is(err, context.Canceled) {
		b.logger.Info("stream interrupted")
		err = nil
	}
	if fErr := b.pipeline.Flush(); fErr != nil {
		err = multierr.Append(err, fErr)
	}
	if err != nil {
		return fmt.Errorf("beam %s: %w", b.id, err)
	}

	b.logger.Info("stream complete", zap.Int64("spectra", b.reader.Spectra()))
	return nil
}

// Orchestrator runs every configured beam on a shared pool and stores the
// candidates they produce under one session.
type Orchestrator struct {
	beams     []beam
	sessionID string

	pool   *pool.Pool
	store  storage.Store
	logger *zap.Logger
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(store storage.Store, p *pool.Pool, sessionID string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		sessionID: sessionID,
		pool:      p,
		store:     store,
		logger:    logger,
	}
}

// CreateBeam builds the reader and pipeline of a beam and registers it.
func (o *Orchestrator) CreateBeam(config *BeamConfig, dd ddtr.Config, sp spdt.Config) error {
	if !config.IsEnabled() {
		return nil
	}
	for _, b := range o.beams {
		if b.ID() == config.ID {
			return fmt.Errorf("beam %s already exists", config.ID)
		}
	}

	src := config.Source.Source()

	var b beam
	var err error
	switch src.Format {
	case source.FormatUint8:
		b, err = newBeam[uint8](o, config.ID, src, dd, sp)
	case source.FormatUint16:
		b, err = newBeam[uint16](o, config.ID, src, dd, sp)
	case source.FormatFloat32:
		b, err = newBeam[float32](o, config.ID, src, dd, sp)
	default:
		return fmt.Errorf("creating beam %s: unknown sample format '%s'", config.ID, src.Format)
	}
	if err != nil {
		return fmt.Errorf("creating beam %s: %w", config.ID, err)
	}

	o.beams = append(o.beams, b)
	return nil
}

func newBeam[T spectrum.Intensity](o *Orchestrator, id string, src source.Config, dd ddtr.Config, sp spdt.Config) (beam, error) {
	logger := o.logger.With(zap.String("beam", id))

	reader, err := source.New[T](src, source.WithLogger[T](logger.Named("source")))
	if err != nil {
		return nil, err
	}
	pl, err := pipeline.New[T](id, dd, sp, o.pool, o.storeCandidates, pipeline.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	return &beamRunner[T]{id: id, reader: reader, pipeline: pl, logger: logger}, nil
}

// Beams returns the registered beams as stats providers.
func (o *Orchestrator) Beams() []server.StatsProvider {
	out := make([]server.StatsProvider, len(o.beams))
	for i, b := range o.beams {
		out[i] = b
	}
	return out
}

// Run streams all beams concurrently and returns once every beam has been
// read, flushed and searched.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.beams) == 0 {
		return fmt.Errorf("no beams to search")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	startGate := make(chan struct{})

	for _, b := range o.beams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate

			if err := b.Run(ctx); err != nil {
				o.logger.Error("beam failed", zap.String("beam", b.ID()), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}

	close(startGate) // Start the streaming goroutines

	wg.Wait()

	errs = multierr.Append(errs, o.pool.Wait())
	for _, b := range o.beams {
		b.Drain()
		errs = multierr.Append(errs, b.Err())

		stats := b.Stats()
		o.logger.Info("beam summary",
			zap.String("beam", stats.Beam),
			zap.Int64("spectra", stats.Spectra),
			zap.Int64("windows", stats.Windows),
			zap.Int64("candidates", stats.Candidates),
			zap.Int64("errors", stats.Errors))
	}
	return errs
}

func (o *Orchestrator) storeCandidates(beam string, list *spectrum.CandidateList) error {
	if list.Len() == 0 {
		return nil
	}

	for _, c := range list.Candidates {
		o.logger.Info("candidate",
			zap.String("beam", beam),
			zap.Float64("dm", c.DM),
			zap.Time("start", c.StartTime),
			zap.Duration("width", c.Width),
			zap.Float64("sigma", c.Sigma))
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.StoreCandidates(ctx, o.sessionID, beam, list); err != nil {
		return fmt.Errorf("storing candidates: %w", err)
	}
	return nil
}
