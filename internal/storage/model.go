package storage

import (
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Session is one run of the search pipeline.
type Session struct {
	ID        string    `json:"id"`                      // UUID of the run
	StartTime time.Time `json:"startTime"`               // When the run started
	Config    *string   `json:"config,omitempty"`        // Optional pipeline configuration in JSON format
}

// CandidateRecord is a stored candidate together with where it came from.
type CandidateRecord struct {
	ID       int64  `json:"id"`
	Beam     string `json:"beam"`
	Sequence uint64 `json:"sequence"` // Window index within the beam
	spectrum.Candidate
}

// candidateRow is the column layout of the candidates table.
type candidateRow struct {
	SessionID string
	Beam      string
	Sequence  int64
	DM        float64
	StartTime int64
	StartMJD  float64
	Width     int64
	Duration  int64
	Sigma     float64
}

func toCandidateRow(sessionID, beam string, sequence uint64, c spectrum.Candidate) candidateRow {
	return candidateRow{
		SessionID: sessionID,
		Beam:      beam,
		Sequence:  int64(sequence),
		DM:        c.DM,
		StartTime: c.StartTime.UnixNano(),
		StartMJD:  spectrum.ToMJD(c.StartTime),
		Width:     int64(c.Width),
		Duration:  int64(c.Duration),
		Sigma:     c.Sigma,
	}
}
