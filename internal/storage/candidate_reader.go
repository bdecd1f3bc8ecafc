package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoData indicates that no session or candidate matches the given
// parameters.
var ErrNoData = errors.New("no data available")

// ReaderOption configures a CandidateReader with filtering criteria.
type ReaderOption func(*CandidateReader)

// WithBeam restricts the reader to a single beam.
func WithBeam(beam string) ReaderOption {
	return func(r *CandidateReader) {
		r.beam = &beam
	}
}

// WithDmRange keeps candidates with minDM <= DM <= maxDM.
func WithDmRange(minDM, maxDM float64) ReaderOption {
	return func(r *CandidateReader) {
		r.minDM = &minDM
		r.maxDM = &maxDM
	}
}

// WithMinDM drops candidates below the DM.
func WithMinDM(dm float64) ReaderOption {
	return func(r *CandidateReader) {
		r.minDM = &dm
	}
}

// WithMaxDM drops candidates above the DM.
func WithMaxDM(dm float64) ReaderOption {
	return func(r *CandidateReader) {
		r.maxDM = &dm
	}
}

// WithMinSigma drops candidates below the significance.
func WithMinSigma(sigma float64) ReaderOption {
	return func(r *CandidateReader) {
		r.minSigma = &sigma
	}
}

// WithTimeRange keeps candidates starting within [startTime, endTime].
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *CandidateReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// CandidateReader iterates over stored candidates of one session in start
// time order, then DM. A reader must be used from a single goroutine.
type CandidateReader struct {
	db *sql.DB

	sessionID string
	session   *Session

	beam      *string
	minDM     *float64
	maxDM     *float64
	minSigma  *float64
	startTime *time.Time
	endTime   *time.Time

	query string
	args  []any

	current *CandidateRecord
	rows    *sql.Rows
	err     error
}

// NewCandidateReader opens a reader over the candidates of a session.
// It returns ErrNoData if the session does not exist or nothing matches the
// filters.
func NewCandidateReader(ctx context.Context, db *sql.DB, sessionID string, opts ...ReaderOption) (*CandidateReader, error) {
	r := &CandidateReader{
		db:        db,
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(ctx); err != nil {
		if r.rows != nil {
			_ = r.rows.Close()
		}
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *CandidateReader) init(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database connection required")
	}
	if r.sessionID == "" {
		return errors.New("session ID required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading session", fn: r.loadSession},
		{msg: "initializing filters", fn: r.initFilters},
		{msg: "counting candidates", fn: r.count},
		{msg: "initializing query", fn: r.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (r *CandidateReader) loadSession(ctx context.Context) (err error) {
	r.session, err = loadSession(ctx, r.db, r.sessionID)
	return err
}

func (r *CandidateReader) initFilters(context.Context) error {
	if r.minDM != nil && r.maxDM != nil && *r.minDM > *r.maxDM {
		return fmt.Errorf("min DM %g is greater than max DM %g", *r.minDM, *r.maxDM)
	}
	if r.startTime != nil && r.endTime != nil && r.startTime.After(*r.endTime) {
		return fmt.Errorf("start time %s is after end time %s", r.startTime, r.endTime)
	}

	var sb strings.Builder
	args := []any{r.sessionID}

	add := func(cond string, v any) {
		sb.WriteString("\n    AND ")
		sb.WriteString(cond)
		args = append(args, v)
	}
	if r.beam != nil {
		add("beam = ?", *r.beam)
	}
	if r.minDM != nil {
		add("dm >= ?", *r.minDM)
	}
	if r.maxDM != nil {
		add("dm <= ?", *r.maxDM)
	}
	if r.minSigma != nil {
		add("sigma >= ?", *r.minSigma)
	}
	if r.startTime != nil {
		add("start_time >= ?", r.startTime.UnixNano())
	}
	if r.endTime != nil {
		add("start_time <= ?", r.endTime.UnixNano())
	}

	r.query = sb.String()
	r.args = args
	return nil
}

func (r *CandidateReader) count(ctx context.Context) error {
	var n int64
	if err := r.db.QueryRowContext(ctx, countCandidatesSQL+r.query, r.args...).Scan(&n); err != nil {
		return fmt.Errorf("scanning count: %w", err)
	}
	if n == 0 {
		return ErrNoData
	}
	return nil
}

func (r *CandidateReader) initQuery(ctx context.Context) (err error) {
	query := selectCandidatesSQL + r.query + "\nORDER BY start_time, dm"
	if r.rows, err = r.db.QueryContext(ctx, query, r.args...); err != nil {
		return err
	}
	return nil
}

// Session returns the session the reader is reading from.
func (r *CandidateReader) Session() *Session {
	return r.session
}

// Next advances the iterator. It returns false at the end of the data, on
// error, or when ctx is done; check Error to tell these apart.
func (r *CandidateReader) Next(ctx context.Context) bool {
	if r.err != nil || r.rows == nil {
		return false
	}

	select {
	case <-ctx.Done():
		r.err = ctx.Err()
		return false
	default:
	}

	if !r.rows.Next() {
		if r.err = r.rows.Err(); r.err == nil {
			r.err = ErrNoData
		}
		r.current = nil
		return false
	}

	var rec CandidateRecord
	var sequence, startTime, width, duration int64
	if err := r.rows.Scan(&rec.ID, &rec.Beam, &sequence, &rec.DM, &startTime, &width, &duration, &rec.Sigma); err != nil {
		r.err = fmt.Errorf("scanning candidate: %w", err)
		r.current = nil
		return false
	}
	rec.Sequence = uint64(sequence)
	rec.StartTime = time.Unix(0, startTime).UTC()
	rec.Width = time.Duration(width)
	rec.Duration = time.Duration(duration)

	r.current = &rec
	return true
}

// Current returns the candidate read by the last successful Next.
func (r *CandidateReader) Current() *CandidateRecord {
	return r.current
}

// Error returns the error that stopped the iteration, if any. Reaching the
// end of the data is not an error.
func (r *CandidateReader) Error() error {
	if errors.Is(r.err, ErrNoData) {
		return nil
	}
	return r.err
}

// Close releases the underlying rows. It is safe to call Close multiple times.
func (r *CandidateReader) Close() error {
	if r.rows == nil {
		return nil
	}
	err := r.rows.Close()
	r.rows = nil
	return err
}

// ReadAll drains the reader.
func (r *CandidateReader) ReadAll(ctx context.Context) ([]*CandidateRecord, error) {
	var out []*CandidateRecord
	for r.Next(ctx) {
		out = append(out, r.Current())
	}
	return out, r.Error()
}
