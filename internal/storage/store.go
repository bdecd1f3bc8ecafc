package storage

import (
	"context"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Store persists search sessions and the candidates they produce.
// Implementations must be safe for concurrent use: every beam pipeline writes
// its candidates from its own worker.
type Store interface {
	// CreateSession registers a new search run and returns its identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - config: Optional run configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: UUID of the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, config any) (sessionID string, err error)

	// Session retrieves a session by its ID.
	Session(ctx context.Context, id string) (*Session, error)

	// Sessions returns all sessions ordered by start time.
	Sessions(ctx context.Context) ([]*Session, error)

	// StoreCandidates saves one candidate collection of a beam.
	// The whole collection is written in a single transaction; empty
	// collections are a no-op.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - sessionID: ID of the session the candidates belong to
	//   - beam: Beam identifier
	//   - list: Candidates of one dedispersion window
	StoreCandidates(ctx context.Context, sessionID, beam string, list *spectrum.CandidateList) error

	// Close releases all database connections. It is safe to call Close
	// multiple times.
	Close() error
}
