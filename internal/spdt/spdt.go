package spdt

import (
	"errors"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/pool"
	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Handler receives the candidates of one DmTrials collection. It is called
// from a pool worker exactly once per searched collection; the list may be
// empty. Drain calls it again for collections that held candidates back.
type Handler func(list *spectrum.CandidateList)

type options struct {
	logger *zap.Logger
	beam   string
}

type Option func(*options)

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithBeam(beam string) Option {
	return func(o *options) {
		o.beam = beam
	}
}

// Spdt runs single-pulse searches on the pool. Searches of different
// collections are independent and may run concurrently.
//
// Consecutive collections of one stream are searched as one series: the last
// samples of every trial are carried into the next collection, and a pulse
// near the end of a collection is reported by the collection that sees all of
// it. Candidates held back by the last collection of a stream are released by
// Drain.
type Spdt struct {
	cfg     Config
	pool    *pool.Pool
	handler Handler
	logger  *zap.Logger

	mu   sync.Mutex
	next uint64
	tail *carry
	open map[uint64]struct{} // searches still running whose tail was not carried
	held map[uint64]*pending // candidates near the end of finished searches
}

type pending struct {
	list  *spectrum.CandidateList
	tsamp float64
}

func New(cfg Config, p *pool.Pool, handler Handler, opts ...Option) (*Spdt, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("spdt: nil pool")
	}
	if handler == nil {
		return nil, errors.New("spdt: nil handler")
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger.Named("spdt")
	if o.beam != "" {
		logger = logger.With(zap.String("beam", o.beam))
	}

	return &Spdt{
		cfg:     cfg,
		pool:    p,
		handler: handler,
		logger:  logger,
		open:    make(map[uint64]struct{}),
		held:    make(map[uint64]*pending),
	}, nil
}

func (s *Spdt) Config() Config {
	return s.cfg
}

// edge is the number of trailing samples of a series whose candidates are
// left to the next collection. For pulses up to MaxWidth samples wide, a
// group starting before them also ends inside the series.
func (s *Spdt) edge() int {
	return 3 * s.cfg.MaxWidth
}

// Search queues a search of trials and returns immediately. The handler is
// called with the result before the future completes. If the search fails,
// or cannot be queued, the handler is not called and the future carries the
// error.
//
// Collections of one stream must be passed in order. A collection continues
// the previous one when it has the same DM trials and sample interval and
// starts where the previous one ended.
func (s *Spdt) Search(trials *spectrum.DmTrials) *pool.Future[*spectrum.CandidateList] {
	s.mu.Lock()
	id := s.next
	s.next++
	series, lead := s.extend(id, trials)
	s.mu.Unlock()

	return pool.Go(s.pool, func() (*spectrum.CandidateList, error) {
		found, err := detect(series, s.cfg)
		if err != nil {
			s.forget(id)
			s.logger.Error("search failed", zap.Error(err))
			return nil, err
		}

		// Groups starting in the carried samples before from were reported
		// by the previous collection.
		from := max(lead-s.edge(), 0)
		to := series.NumberOfSamples() - s.edge()

		var reported, held []spectrum.Candidate
		for _, l := range found {
			switch {
			case l.start < from:
			case l.start < to:
				reported = append(reported, l.Candidate)
			default:
				held = append(held, l.Candidate)
			}
		}
		s.hold(id, trials, held)

		list := &spectrum.CandidateList{
			Sequence:   trials.Sequence,
			StartTime:  trials.StartTime,
			Candidates: finish(reported, trials.SampleInterval, s.cfg),
		}
		s.cfg.Sift.Apply(list)

		s.logger.Debug("search complete",
			zap.Uint64("window", trials.Sequence),
			zap.Int("trials", len(trials.Trials)),
			zap.Int("carried", lead),
			zap.Int("held", len(held)),
			zap.Int("candidates", list.Len()))

		s.handler(list)
		return list, nil
	})
}

// Drain hands the candidates held back at the end of each stream to the
// handler, in search order, and forgets the carried samples. It must only be
// called while no search is running. The drained lists are returned.
func (s *Spdt) Drain() []*spectrum.CandidateList {
	s.mu.Lock()
	held := s.held
	s.tail = nil
	s.open = make(map[uint64]struct{})
	s.held = make(map[uint64]*pending)
	s.mu.Unlock()

	ids := slices.Sorted(maps.Keys(held))
	lists := make([]*spectrum.CandidateList, 0, len(ids))
	for _, id := range ids {
		list := held[id].list
		list.Candidates = finish(list.Candidates, held[id].tsamp, s.cfg)
		s.cfg.Sift.Apply(list)
		if list.Len() == 0 {
			continue
		}

		s.logger.Debug("drained held candidates",
			zap.Uint64("window", list.Sequence),
			zap.Int("candidates", list.Len()))

		s.handler(list)
		lists = append(lists, list)
	}
	return lists
}

// extend prepends the carried samples to trials when they continue the
// previous collection and keeps the tail of the result for the next one.
// It returns the series to search and the number of carried samples.
func (s *Spdt) extend(id uint64, trials *spectrum.DmTrials) (*spectrum.DmTrials, int) {
	if trials == nil {
		return nil, 0
	}

	series, lead := trials, 0
	if s.tail != nil && s.tail.continues(trials) {
		lead = s.tail.samples()
		series = &spectrum.DmTrials{
			Sequence:       trials.Sequence,
			StartTime:      trials.StartTime.Add(-spectrum.Seconds(float64(lead) * trials.SampleInterval)),
			SampleInterval: trials.SampleInterval,
			Trials:         make([]spectrum.DmTrial, len(trials.Trials)),
		}
		for i, t := range trials.Trials {
			joined := make([]float32, 0, lead+len(t.Series))
			joined = append(joined, s.tail.series[i]...)
			series.Trials[i] = spectrum.DmTrial{DM: t.DM, Series: append(joined, t.Series...)}
		}

		// The previous collection's trailing candidates are searched again here.
		delete(s.open, s.tail.id)
		delete(s.held, s.tail.id)
	}

	s.tail = newCarry(id, series, trials.TimeOf(trials.NumberOfSamples()), s.edge()+s.cfg.MaxWidth)
	s.open[id] = struct{}{}
	return series, lead
}

// hold keeps the trailing candidates of a finished search unless a later
// collection has already taken over its tail.
func (s *Spdt) hold(id uint64, trials *spectrum.DmTrials, candidates []spectrum.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; !ok {
		return
	}
	delete(s.open, id)
	if len(candidates) > 0 {
		s.held[id] = &pending{
			list: &spectrum.CandidateList{
				Sequence:   trials.Sequence,
				StartTime:  trials.StartTime,
				Candidates: candidates,
			},
			tsamp: trials.SampleInterval,
		}
	}
}

func (s *Spdt) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, id)
}
