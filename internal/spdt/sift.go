package spdt

import (
	"cmp"
	"slices"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// SiftConfig removes candidates that survive detection and clustering but are
// of no interest: near-zero DM (terrestrial interference), weak or overly wide
// pulses. MaxCandidates caps every list, keeping the most significant ones.
// Zero thresholds keep everything.
type SiftConfig struct {
	Enabled        bool          `yaml:"active" json:"active"`
	DmThreshold    float64       `yaml:"dmThreshold" json:"dmThreshold"`                 // Candidates below this DM are dropped
	SigmaThreshold float64       `yaml:"sigmaThreshold" json:"sigmaThreshold"`           // Candidates below this sigma are dropped
	MaxPulseWidth  time.Duration `yaml:"pulseWidthThreshold" json:"pulseWidthThreshold"` // Wider candidates are dropped
	MaxCandidates  int           `yaml:"maxCandidates" json:"maxCandidates"`             // Candidates kept per list
}

func (c *SiftConfig) Validate() error {
	if c.DmThreshold < 0 || c.SigmaThreshold < 0 || c.MaxPulseWidth < 0 || c.MaxCandidates < 0 {
		return spectrum.NewConfigError(nil, "sift thresholds must not be negative")
	}
	return nil
}

// Apply filters the list in place. Kept candidates stay in their order.
func (c *SiftConfig) Apply(list *spectrum.CandidateList) {
	if !c.Enabled || list == nil {
		return
	}

	kept := slices.DeleteFunc(list.Candidates, func(cand spectrum.Candidate) bool {
		return cand.DM < c.DmThreshold ||
			cand.Sigma < c.SigmaThreshold ||
			(c.MaxPulseWidth > 0 && cand.Width > c.MaxPulseWidth)
	})

	if c.MaxCandidates > 0 && len(kept) > c.MaxCandidates {
		idx := make([]int, len(kept))
		for i := range idx {
			idx[i] = i
		}
		slices.SortStableFunc(idx, func(a, b int) int {
			return cmp.Compare(kept[b].Sigma, kept[a].Sigma)
		})
		idx = idx[:c.MaxCandidates]
		slices.Sort(idx)

		top := make([]spectrum.Candidate, 0, len(idx))
		for _, i := range idx {
			top = append(top, kept[i])
		}
		kept = top
	}
	list.Candidates = kept
}
