package pool

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

var (
	ErrQueueFull  = errors.New("work queue is full")
	ErrPoolClosed = errors.New("pool is closed")
)

// Task is a unit of work. A returned error is collected and reported by Wait.
type Task func() error

// Pool executes tasks on a fixed set of worker goroutines. Submit never
// blocks; ordering between tasks is not guaranteed.
type Pool struct {
	workers   int
	queueSize int
	cpus      []int
	logger    *zap.Logger

	mu       sync.Mutex
	work     *sync.Cond // signalled when a task is queued or the pool closes
	idle     *sync.Cond // signalled when the pool drains
	queue    []Task
	inFlight int
	errs     error
	closed   bool

	wg sync.WaitGroup
}

type Option func(*Pool)

// WithWorkers sets the number of worker goroutines. Values <= 0 select
// GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(p *Pool) {
		p.workers = n
	}
}

// WithQueueSize bounds the number of queued (not yet running) tasks. Zero
// means unbounded.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		p.queueSize = n
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithAffinity pins worker i to cpus[i % len(cpus)]. It is a no-op on
// platforms without thread affinity support.
func WithAffinity(cpus []int) Option {
	return func(p *Pool) {
		p.cpus = cpus
	}
}

// New creates a pool and starts its workers.
func New(opts ...Option) *Pool {
	p := &Pool{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	if p.queueSize < 0 {
		p.queueSize = 0
	}

	p.work = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(i)
	}

	p.logger.Debug("pool started", zap.Int("workers", p.workers), zap.Int("queueSize", p.queueSize))
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit enqueues a task and returns immediately.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("pool: nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return spectrum.NewResourceError(ErrPoolClosed, "submit")
	}
	if p.queueSize > 0 && len(p.queue) >= p.queueSize {
		return spectrum.NewResourceError(ErrQueueFull, "submit: %d tasks queued", len(p.queue))
	}

	p.queue = append(p.queue, task)
	p.work.Signal()
	return nil
}

// Wait blocks until no task is queued or running and returns the errors
// collected since the previous Wait. Tasks submitted by running tasks are
// waited for as well.
func (p *Pool) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) > 0 || p.inFlight > 0 {
		p.idle.Wait()
	}

	err := p.errs
	p.errs = nil
	return err
}

// Pending returns the number of queued and running tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) + p.inFlight
}

// Close runs the remaining queued tasks, stops the workers and returns any
// errors not yet reported by Wait. Submit fails after Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.work.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.errs
	p.errs = nil
	p.logger.Debug("pool stopped")
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	if len(p.cpus) > 0 {
		cpu := p.cpus[id%len(p.cpus)]
		if err := pinThread(cpu); err != nil {
			p.logger.Warn("failed to set worker affinity", zap.Int("worker", id), zap.Int("cpu", cpu), zap.Error(err))
		}
	}

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.work.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}

		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.inFlight++
		p.mu.Unlock()

		err := p.run(task)

		p.mu.Lock()
		p.inFlight--
		if err != nil {
			p.errs = multierr.Append(p.errs, err)
		}
		if len(p.queue) == 0 && p.inFlight == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = spectrum.NewResourceError(fmt.Errorf("%v", r), "task panicked")
		}
	}()
	return task()
}
