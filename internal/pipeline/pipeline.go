package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/ddtr"
	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/spdt"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// CandidateHandler receives the candidates of every searched window, in no
// particular order across windows. It is called from a pool worker.
type CandidateHandler func(beam string, list *spectrum.CandidateList) error

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Beam       string `json:"beam"`
	Blocks     int64  `json:"blocks"`
	Spectra    int64  `json:"spectra"`
	Windows    int64  `json:"windows"`
	Searches   int64  `json:"searches"`
	Candidates int64  `json:"candidates"`
	Errors     int64  `json:"errors"`
}

type options struct {
	logger *zap.Logger
	tap    func(*spectrum.DmTrials)
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTrialsTap registers a callback that sees every DmTrials collection
// before it is searched. The callback must not modify the trials.
func WithTrialsTap(fn func(*spectrum.DmTrials)) Option {
	return func(o *options) {
		o.tap = fn
	}
}

// Pipeline dedisperses and searches the blocks of one beam.
type Pipeline[T spectrum.Intensity] struct {
	beam    string
	pool    *pool.Pool
	ddtr    *ddtr.Ddtr[T]
	spdt    *spdt.Spdt
	handler CandidateHandler
	tap     func(*spectrum.DmTrials)
	logger  *zap.Logger

	blocks     atomic.Int64
	spectra    atomic.Int64
	windows    atomic.Int64
	searches   atomic.Int64
	candidates atomic.Int64
	errCount   atomic.Int64

	mu   sync.Mutex
	errs error
}

// New builds the pipeline of a beam on a shared pool.
func New[T spectrum.Intensity](beam string, dd ddtr.Config, sp spdt.Config, p *pool.Pool, handler CandidateHandler, opts ...Option) (*Pipeline[T], error) {
	if handler == nil {
		return nil, errors.New("pipeline: nil candidate handler")
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	pl := &Pipeline[T]{
		beam:    beam,
		pool:    p,
		handler: handler,
		tap:     o.tap,
		logger:  o.logger.Named("pipeline").With(zap.String("beam", beam)),
	}

	var err error
	if pl.spdt, err = spdt.New(sp, p, pl.handleCandidates, spdt.WithLogger(o.logger), spdt.WithBeam(beam)); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", beam, err)
	}
	if pl.ddtr, err = ddtr.New[T](dd, p, pl.handleTrials,
		ddtr.WithLogger(o.logger),
		ddtr.WithBeam(beam),
		ddtr.WithErrorHandler(pl.fail),
	); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", beam, err)
	}
	return pl, nil
}

// Beam returns the beam identifier.
func (pl *Pipeline[T]) Beam() string {
	return pl.beam
}

// Prepare fixes the channel layout ahead of streaming.
func (pl *Pipeline[T]) Prepare(channels []float64, tsamp float64) error {
	return pl.ddtr.Prepare(channels, tsamp)
}

// Plan returns the dedispersion plan, nil before Prepare or the first push.
func (pl *Pipeline[T]) Plan() *ddtr.Plan {
	return pl.ddtr.Plan()
}

// Push hands a block to the dedisperser.
func (pl *Pipeline[T]) Push(block *spectrum.TimeFrequency[T]) error {
	if err := pl.ddtr.Push(block); err != nil {
		pl.errCount.Add(1)
		return err
	}
	if block != nil && block.NumberOfSpectra() > 0 {
		pl.blocks.Add(1)
		pl.spectra.Add(int64(block.NumberOfSpectra()))
	}
	return nil
}

// Flush dedisperses what is buffered and resets the stream.
func (pl *Pipeline[T]) Flush() error {
	return pl.ddtr.Flush()
}

// Wait blocks until the pool is idle, drains the candidates held back at the
// end of the stream and returns the errors of this beam collected since the
// previous Wait together with the pool's own errors. When the pool is shared
// the pool errors may belong to other beams; use Err in that case.
func (pl *Pipeline[T]) Wait() error {
	err := pl.pool.Wait()
	pl.Drain()
	return multierr.Append(err, pl.Err())
}

// Drain hands the candidates of a pulse at the very end of the stream to the
// handler. A pulse near the end of a window is searched again with the next
// window, so the last window keeps such candidates until the stream is over.
// Drain must be called while the pool is idle.
func (pl *Pipeline[T]) Drain() {
	pl.spdt.Drain()
}

// Err returns and resets the errors that did not reach the pool: failed
// candidate handlers and windows that could not be queued.
func (pl *Pipeline[T]) Err() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	err := pl.errs
	pl.errs = nil
	return err
}

// Stats returns a snapshot of the counters.
func (pl *Pipeline[T]) Stats() Stats {
	return Stats{
		Beam:       pl.beam,
		Blocks:     pl.blocks.Load(),
		Spectra:    pl.spectra.Load(),
		Windows:    pl.windows.Load(),
		Searches:   pl.searches.Load(),
		Candidates: pl.candidates.Load(),
		Errors:     pl.errCount.Load(),
	}
}

func (pl *Pipeline[T]) handleTrials(trials *spectrum.DmTrials) {
	pl.windows.Add(1)
	if pl.tap != nil {
		pl.tap(trials)
	}

	pl.spdt.Search(trials).OnComplete(func(_ *spectrum.CandidateList, err error) {
		if err != nil {
			pl.fail(err)
			return
		}
		pl.searches.Add(1)
	})
}

func (pl *Pipeline[T]) handleCandidates(list *spectrum.CandidateList) {
	pl.candidates.Add(int64(list.Len()))

	if err := pl.handler(pl.beam, list); err != nil {
		pl.errCount.Add(1)
		pl.logger.Error("candidate handler failed", zap.Uint64("window", list.Sequence), zap.Error(err))
		pl.record(fmt.Errorf("pipeline %s: window %d: %w", pl.beam, list.Sequence, err))
	}
}

// fail counts a failed window. Errors the pool already collected are not
// recorded again.
func (pl *Pipeline[T]) fail(err error) {
	pl.errCount.Add(1)
	if errors.Is(err, pool.ErrQueueFull) || errors.Is(err, pool.ErrPoolClosed) {
		pl.record(err)
	}
}

func (pl *Pipeline[T]) record(err error) {
	pl.mu.Lock()
	pl.errs = multierr.Append(pl.errs, err)
	pl.mu.Unlock()
}
