package ddtr

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Handler receives the DM trials of one window. It is called from a pool
// worker, once per window, in window order.
type Handler func(trials *spectrum.DmTrials)

type options struct {
	logger     *zap.Logger
	errHandler func(error)
	beam       string
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithErrorHandler sets a callback for windows that failed to dedisperse.
// Failed windows never reach the Handler.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) {
		o.errHandler = fn
	}
}

// WithBeam names the stream in log output.
func WithBeam(beam string) Option {
	return func(o *options) {
		o.beam = beam
	}
}

type job[T spectrum.Intensity] struct {
	sequence uint64
	window   *spectrum.TimeFrequency[T]
}

// Ddtr dedisperses one stream of blocks. Full windows are dedispersed on the
// pool, one at a time: window N+1 is not started before the handler of window
// N has returned. Independent Ddtr instances sharing a pool run concurrently.
type Ddtr[T spectrum.Intensity] struct {
	cfg        Config
	pool       *pool.Pool
	handler    Handler
	errHandler func(error)
	algorithm  Algorithm[T]
	logger     *zap.Logger

	mu       sync.Mutex
	plan     *Plan
	buffer   *AggregationBuffer[T]
	pending  []job[T]
	inFlight bool
	sequence uint64
}

// New creates a dedispersion engine. A configuration without DM ranges, or
// with an invalid range, fails here rather than on the first push.
func New[T spectrum.Intensity](cfg Config, p *pool.Pool, handler Handler, opts ...Option) (*Ddtr[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("ddtr: nil pool")
	}
	if handler == nil {
		return nil, errors.New("ddtr: nil handler")
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.WithDefaults()
	algorithm, err := NewAlgorithm[T](cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	logger := o.logger.Named("ddtr")
	if o.beam != "" {
		logger = logger.With(zap.String("beam", o.beam))
	}

	e := &Ddtr[T]{
		cfg:        cfg,
		pool:       p,
		handler:    handler,
		errHandler: o.errHandler,
		algorithm:  algorithm,
		logger:     logger,
	}
	if e.errHandler == nil {
		e.errHandler = func(err error) {
			logger.Error("dedispersion failed", zap.Error(err))
		}
	}
	return e, nil
}

// Prepare builds the delay plan and the aggregation buffer for a channel
// layout. Calling it before streaming surfaces a window that is too small for
// the configured DMs before any data arrives. Push calls it with the layout
// of the first block otherwise.
func (e *Ddtr[T]) Prepare(channels []float64, tsamp float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prepare(channels, tsamp)
}

func (e *Ddtr[T]) prepare(channels []float64, tsamp float64) error {
	if e.plan != nil {
		if len(channels) != e.plan.NumberOfChannels() || !e.plan.MatchesChannels(channels) {
			return spectrum.NewConfigError(spectrum.ErrChannelMismatch,
				"ddtr: stream prepared for %d channels, got %d", e.plan.NumberOfChannels(), len(channels))
		}
		return nil
	}

	plan, err := NewPlan(e.cfg, channels, tsamp)
	if err != nil {
		return err
	}
	buffer, err := NewAggregationBuffer[T](channels, tsamp, plan.Samples, plan.Overlap, e.enqueue)
	if err != nil {
		return err
	}

	e.plan = plan
	e.buffer = buffer

	var zero T
	e.logger.Info("dedispersion plan ready",
		zap.Int("channels", plan.NumberOfChannels()),
		zap.Int("trials", plan.NumberOfTrials()),
		zap.Float64("maxDM", plan.DMs[len(plan.DMs)-1]),
		zap.Int("samples", plan.Samples),
		zap.Int("overlap", plan.Overlap),
		zap.String("algorithm", e.algorithm.Name().String()),
		zap.String("windowSize", humanize.IBytes(uint64(plan.Samples*plan.NumberOfChannels())*uint64(unsafe.Sizeof(zero)))),
		zap.String("trialsSize", humanize.IBytes(uint64(plan.NumberOfTrials()*plan.OutputSamples(plan.Samples)*4))),
	)
	return nil
}

// Push buffers a block. It returns once the block is copied; full windows are
// queued for dedispersion. A zero-length block is a no-op.
func (e *Ddtr[T]) Push(block *spectrum.TimeFrequency[T]) error {
	if block == nil {
		return spectrum.NewDataError(nil, "ddtr: cannot push nil block")
	}
	if len(block.Data) == 0 {
		return nil
	}

	e.mu.Lock()
	if e.plan == nil {
		if err := block.Validate(); err != nil {
			e.mu.Unlock()
			return err
		}
		if err := e.prepare(block.Channels, block.SampleInterval); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	buffer := e.buffer
	e.mu.Unlock()

	return buffer.Push(block)
}

// Flush queues the partially filled window, if any, and resets the stream.
func (e *Ddtr[T]) Flush() error {
	e.mu.Lock()
	buffer := e.buffer
	e.mu.Unlock()

	if buffer == nil {
		return nil
	}
	_, err := buffer.Flush()
	return err
}

// Wait blocks until the pool is idle. The pool may be shared, in which case
// this also waits for the work of other streams.
func (e *Ddtr[T]) Wait() error {
	return e.pool.Wait()
}

// Plan returns the delay plan, nil before the first push or Prepare.
func (e *Ddtr[T]) Plan() *Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// Pending returns the number of windows waiting behind the one in flight.
func (e *Ddtr[T]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Buffered returns the number of spectra waiting for the next window.
func (e *Ddtr[T]) Buffered() int {
	e.mu.Lock()
	buffer := e.buffer
	e.mu.Unlock()

	if buffer == nil {
		return 0
	}
	return buffer.Size()
}

// enqueue is the aggregation buffer's window handler.
func (e *Ddtr[T]) enqueue(window *spectrum.TimeFrequency[T]) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j := job[T]{sequence: e.sequence, window: window}
	e.sequence++

	if e.inFlight {
		e.pending = append(e.pending, j)
		e.logger.Debug("window queued", zap.Uint64("window", j.sequence), zap.Int("pending", len(e.pending)))
		return nil
	}

	e.inFlight = true
	if err := e.dispatch(j); err != nil {
		e.inFlight = false
		return err
	}
	return nil
}

// dispatch submits a window to the pool. Must be called with e.mu held.
func (e *Ddtr[T]) dispatch(j job[T]) error {
	plan := e.plan
	err := e.pool.Submit(func() error {
		defer e.next()

		trials, err := e.algorithm.Dedisperse(plan, j.window)
		if err != nil {
			err = fmt.Errorf("ddtr: window %d: %w", j.sequence, err)
			e.errHandler(err)
			return err
		}
		trials.Sequence = j.sequence

		e.logger.Debug("window dedispersed",
			zap.Uint64("window", j.sequence),
			zap.Time("start", trials.StartTime),
			zap.Int("samples", trials.NumberOfSamples()))

		e.handler(trials)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ddtr: window %d: %w", j.sequence, err)
	}
	return nil
}

// next starts the oldest pending window once the previous one is done.
func (e *Ddtr[T]) next() {
	var failed []error

	e.mu.Lock()
	dispatched := false
	for len(e.pending) > 0 && !dispatched {
		j := e.pending[0]
		e.pending[0] = job[T]{}
		e.pending = e.pending[1:]

		if err := e.dispatch(j); err != nil {
			failed = append(failed, err)
			continue
		}
		dispatched = true
	}
	e.inFlight = dispatched
	e.mu.Unlock()

	for _, err := range failed {
		e.errHandler(err)
	}
}
