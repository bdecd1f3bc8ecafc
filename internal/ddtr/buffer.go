package ddtr

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// WindowHandler receives a full window. Ownership passes to the handler: the
// buffer never touches a window again once it has been handed over.
type WindowHandler[T spectrum.Intensity] func(window *spectrum.TimeFrequency[T]) error

// AggregationBuffer turns a stream of arbitrarily sized time-frequency blocks
// into windows of a fixed number of spectra. The last overlap spectra of each
// window are copied to the start of the next one so that a pulse crossing the
// boundary is fully covered by one of them.
//
// Push is meant to be called by a single writer; the mutex only keeps misuse
// from corrupting the window.
type AggregationBuffer[T spectrum.Intensity] struct {
	channels []float64
	tsamp    float64
	capacity int // Spectra per window
	overlap  int // Spectra carried into the next window

	handler WindowHandler[T]

	mu          sync.Mutex
	window      *spectrum.TimeFrequency[T]
	size        int       // Spectra in the current window
	origin      time.Time // Start time of the stream
	started     bool
	windowStart int64 // Index of the window's first spectrum since origin
	nextSample  int64 // Index of the next expected spectrum since origin
	windows     int
}

// NewAggregationBuffer creates a buffer for the given channel layout.
//
// Parameters:
//   - channels: channel frequencies in MHz every pushed block must carry
//   - tsamp: sample interval in seconds
//   - capacity: number of spectra per window
//   - overlap: number of trailing spectra copied into the next window
//   - handler: called with every full window
//
// Returns an error if parameters are invalid.
func NewAggregationBuffer[T spectrum.Intensity](channels []float64, tsamp float64, capacity, overlap int, handler WindowHandler[T]) (*AggregationBuffer[T], error) {
	if len(channels) == 0 {
		return nil, spectrum.NewDataError(spectrum.ErrNoChannels, "aggregation buffer")
	}
	if tsamp <= 0 {
		return nil, spectrum.NewDataError(nil, "invalid sample interval: %g", tsamp)
	}
	if capacity <= 0 || overlap < 0 || overlap >= capacity {
		return nil, spectrum.NewConfigError(nil, "invalid buffer parameters: capacity=%d, overlap=%d", capacity, overlap)
	}
	if handler == nil {
		return nil, fmt.Errorf("invalid buffer parameters: nil window handler")
	}

	return &AggregationBuffer[T]{
		channels: slices.Clone(channels),
		tsamp:    tsamp,
		capacity: capacity,
		overlap:  overlap,
		handler:  handler,
	}, nil
}

// Push appends the spectra of block and hands over every window that becomes
// full. A block without spectra is a no-op.
//
// A malformed block, such as one without channels, is a DataError. A channel
// layout different from the buffer's is a ConfigError. A different sample
// interval or a start time that does not follow the previous block is a
// DataError. A rejected block is not buffered. An error from the window
// handler comes after the block was appended: the block stays buffered and
// the window it completed is dropped.
func (b *AggregationBuffer[T]) Push(block *spectrum.TimeFrequency[T]) error {
	if block == nil {
		return spectrum.NewDataError(nil, "cannot push nil block")
	}
	if len(block.Data) == 0 {
		return nil
	}
	if err := block.Validate(); err != nil {
		return err
	}
	if len(block.Channels) != len(b.channels) {
		return spectrum.NewConfigError(spectrum.ErrChannelMismatch,
			"block has %d channels, buffer has %d", len(block.Channels), len(b.channels))
	}
	if !slices.Equal(block.Channels, b.channels) {
		return spectrum.NewConfigError(spectrum.ErrChannelMismatch, "block channel frequencies differ from the buffer's")
	}
	if math.Abs(block.SampleInterval-b.tsamp) > 1e-9*b.tsamp {
		return spectrum.NewDataError(spectrum.ErrDiscontinuity,
			"sample interval changed from %g to %g", b.tsamp, block.SampleInterval)
	}

	full, err := b.append(block)
	if err != nil {
		return err
	}
	for _, w := range full {
		err = errors.Join(err, b.handler(w))
	}
	return err
}

// append copies the block into the window under the lock and returns the
// windows that became full.
func (b *AggregationBuffer[T]) append(block *spectrum.TimeFrequency[T]) ([]*spectrum.TimeFrequency[T], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.origin = block.StartTime
		b.started = true
		b.windowStart = 0
		b.nextSample = 0
	} else {
		expected := b.timeOf(b.nextSample)
		if d := block.StartTime.Sub(expected); math.Abs(d.Seconds()) > b.tsamp/2 {
			return nil, spectrum.NewDataError(spectrum.ErrDiscontinuity,
				"block starts at %s, expected %s", block.StartTime.Format(time.RFC3339Nano), expected.Format(time.RFC3339Nano))
		}
	}

	nch := len(b.channels)
	spectra := block.NumberOfSpectra()

	var full []*spectrum.TimeFrequency[T]
	for offset := 0; offset < spectra; {
		if b.window == nil {
			b.window = b.newWindow()
		}

		n := min(b.capacity-b.size, spectra-offset)
		copy(b.window.Data[b.size*nch:(b.size+n)*nch], block.Data[offset*nch:(offset+n)*nch])
		if block.Flags != nil {
			if b.window.Flags == nil {
				b.window.Flags = make([]bool, len(b.window.Data))
			}
			copy(b.window.Flags[b.size*nch:(b.size+n)*nch], block.Flags[offset*nch:(offset+n)*nch])
		}

		b.size += n
		offset += n
		b.nextSample += int64(n)

		if b.size == b.capacity {
			full = append(full, b.rotate())
		}
	}

	return full, nil
}

// rotate hands out the current window and seeds a new one with its overlap.
func (b *AggregationBuffer[T]) rotate() *spectrum.TimeFrequency[T] {
	nch := len(b.channels)
	done := b.window

	next := b.newWindowAt(b.windowStart + int64(b.capacity-b.overlap))
	tail := (b.capacity - b.overlap) * nch
	copy(next.Data, done.Data[tail:])
	if done.Flags != nil {
		next.Flags = make([]bool, len(next.Data))
		copy(next.Flags, done.Flags[tail:])
	}

	b.window = next
	b.windowStart += int64(b.capacity - b.overlap)
	b.size = b.overlap
	b.windows++
	return done
}

// Flush hands over the partially filled window if it holds more spectra than
// the overlap, and resets the buffer so that the next push starts a new
// stream. Returns the number of windows handed over and the handler error.
func (b *AggregationBuffer[T]) Flush() (int, error) {
	b.mu.Lock()
	var partial *spectrum.TimeFrequency[T]
	if b.window != nil && b.size > b.overlap {
		partial = b.window
		partial.Data = partial.Data[:b.size*len(b.channels)]
		if partial.Flags != nil {
			partial.Flags = partial.Flags[:len(partial.Data)]
		}
		b.windows++
	}
	b.window = nil
	b.size = 0
	b.started = false
	b.mu.Unlock()

	if partial == nil {
		return 0, nil
	}
	return 1, b.handler(partial)
}

// Size returns the number of spectra in the current window, including the
// carried overlap.
func (b *AggregationBuffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Windows returns the number of windows handed over so far.
func (b *AggregationBuffer[T]) Windows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.windows
}

func (b *AggregationBuffer[T]) Capacity() int {
	return b.capacity
}

func (b *AggregationBuffer[T]) Overlap() int {
	return b.overlap
}

func (b *AggregationBuffer[T]) Channels() []float64 {
	return b.channels
}

func (b *AggregationBuffer[T]) newWindow() *spectrum.TimeFrequency[T] {
	return b.newWindowAt(b.windowStart)
}

func (b *AggregationBuffer[T]) newWindowAt(sample int64) *spectrum.TimeFrequency[T] {
	return spectrum.NewTimeFrequency[T](b.timeOf(sample), b.tsamp, b.channels, b.capacity)
}

func (b *AggregationBuffer[T]) timeOf(sample int64) time.Time {
	return b.origin.Add(spectrum.Seconds(float64(sample) * b.tsamp))
}
