package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// ErrBrokenPipe is returned when reading the command output fails.
var ErrBrokenPipe = errors.New("broken pipe")

// BlockHandler receives every decoded block. Returning an error stops the
// stream.
type BlockHandler[T spectrum.Intensity] func(block *spectrum.TimeFrequency[T]) error

// Option configures a Reader.
type Option[T spectrum.Intensity] func(*Reader[T])

// WithLogger sets the logger.
func WithLogger[T spectrum.Intensity](logger *zap.Logger) Option[T] {
	return func(r *Reader[T]) {
		r.logger = logger
	}
}

// Reader turns a raw sample stream into contiguous TimeFrequency blocks.
type Reader[T spectrum.Intensity] struct {
	cfg      Config
	channels []float64
	logger   *zap.Logger

	running atomic.Bool
	spectra atomic.Int64
}

// New returns a reader of cfg. T must match the configured sample format.
func New[T spectrum.Intensity](cfg Config, opts ...Option[T]) (*Reader[T], error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkFormat[T](cfg.Format); err != nil {
		return nil, err
	}

	r := &Reader[T]{
		cfg:      cfg,
		channels: cfg.ChannelFrequencies(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Channels returns the channel frequencies in MHz.
func (r *Reader[T]) Channels() []float64 {
	return r.channels
}

// SampleInterval returns the sample interval in seconds.
func (r *Reader[T]) SampleInterval() float64 {
	return r.cfg.Tsamp
}

// Spectra returns the number of spectra read so far.
func (r *Reader[T]) Spectra() int64 {
	return r.spectra.Load()
}

// Run reads the whole stream and calls fn for every block. It returns when
// the stream ends, fn fails, or ctx is done.
func (r *Reader[T]) Run(ctx context.Context, fn BlockHandler[T]) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("source: reader is already running")
	}
	defer r.running.Store(false)

	if r.cfg.Path != "" {
		return r.runFile(ctx, fn)
	}
	return r.runCommand(ctx, fn)
}

func (r *Reader[T]) runFile(ctx context.Context, fn BlockHandler[T]) (err error) {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	r.logger.Info("reading file", zap.String("path", r.cfg.Path))
	return r.decode(ctx, bufio.NewReader(f), fn)
}

func (r *Reader[T]) runCommand(parent context.Context, fn BlockHandler[T]) error {
	binPath, err := exec.LookPath(r.cfg.Command)
	if err != nil {
		return spectrum.NewConfigError(err, "source: `%s` not found in PATH", r.cfg.Command)
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cmd := exec.CommandContext(ctx, binPath, r.cfg.Args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("error starting command: %w", err)
	}

	r.logger.Info("reading command output", zap.String("command", binPath), zap.Strings("args", r.cfg.Args))

	done := make(chan error, 3) // expects three results from three goroutines

	// cmd.Wait closes the pipes, so it must not run before both readers are done
	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		err := r.decode(ctx, bufio.NewReader(stdout), fn)
		if err == nil {
			// drain whatever the command still writes so that it can exit
			_, _ = io.Copy(io.Discard, stdout)
		}
		done <- err
	}()
	go func() {
		defer readers.Done()
		r.handleStderr(stderr, done)
	}()
	go func() {
		readers.Wait()
		r.handleCmdWait(ctx, cmd, done)
	}()

	var errs error
	for i := 0; i < cap(done); i++ {
		if err := <-done; err != nil {
			cancel() // stop the command on error
			if !errors.Is(err, context.Canceled) {
				errs = multierr.Append(errs, err)
			}
		}
	}
	if errs != nil {
		return errs
	}
	return parent.Err()
}

// decode reads whole blocks until EOF. A final short block is emitted with
// the whole spectra it holds; a trailing partial spectrum is dropped.
func (r *Reader[T]) decode(ctx context.Context, in io.Reader, fn BlockHandler[T]) error {
	var zero T
	nch := len(r.channels)
	spectrumBytes := binary.Size(zero) * nch
	buf := make([]byte, spectrumBytes*r.cfg.SpectraPerBlock)
	origin := spectrum.FromMJD(r.cfg.StartMJD)

	var index int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(in, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			if errors.Is(err, fs.ErrClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: error reading samples: %w", ErrBrokenPipe, err)
		}

		spectra := n / spectrumBytes
		if spectra > 0 {
			start := origin.Add(spectrum.Seconds(float64(index) * r.cfg.Tsamp))
			block := spectrum.NewTimeFrequency[T](start, r.cfg.Tsamp, r.channels, spectra)
			if _, dErr := binary.Decode(buf[:spectra*spectrumBytes], binary.LittleEndian, block.Data); dErr != nil {
				return fmt.Errorf("decoding samples: %w", dErr)
			}

			index += int64(spectra)
			r.spectra.Add(int64(spectra))

			if hErr := fn(block); hErr != nil {
				return hErr
			}
		}

		if err != nil { // EOF
			if rest := n % spectrumBytes; rest != 0 {
				r.logger.Warn("dropping partial spectrum at end of stream", zap.Int("bytes", rest))
			}
			r.logger.Info("end of stream", zap.Int64("spectra", index))
			return nil
		}
	}
}

// handleStderr logs the command diagnostics.
func (r *Reader[T]) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.logger.Warn(fmt.Sprintf("%s >> %s", r.cfg.Command, line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// handleCmdWait waits for the command to exit. Exits caused by cancellation
// are not errors.
func (r *Reader[T]) handleCmdWait(ctx context.Context, cmd *exec.Cmd, done chan<- error) {
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		done <- fmt.Errorf("command exited with error: %w", err)
		return
	}

	done <- nil
}
