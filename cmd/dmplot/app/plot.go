package app

import (
	"math"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/storage"
)

// PlotData collects candidates and the extent of the plot.
type PlotData struct {
	SessionID          string
	Beam               string
	DMMin, DMMax       float64
	SigmaMin, SigmaMax float64
	WidthMax           time.Duration
	TimeStart, TimeEnd time.Time
	Points             []*storage.CandidateRecord
}

func NewPlotData(sessionID, beam string) *PlotData {
	return &PlotData{
		SessionID: sessionID,
		Beam:      beam,
		DMMin:     math.MaxFloat64,
		DMMax:     -math.MaxFloat64,
		SigmaMin:  math.MaxFloat64,
		SigmaMax:  -math.MaxFloat64,
	}
}

func (p *PlotData) Update(c *storage.CandidateRecord) {
	p.DMMin = min(p.DMMin, c.DM)
	p.DMMax = max(p.DMMax, c.DM)
	p.SigmaMin = min(p.SigmaMin, c.Sigma)
	p.SigmaMax = max(p.SigmaMax, c.Sigma)
	p.WidthMax = max(p.WidthMax, c.Width)

	if p.TimeStart.IsZero() || p.TimeStart.After(c.StartTime) {
		p.TimeStart = c.StartTime
	}
	if end := c.EndTime(); p.TimeEnd.IsZero() || p.TimeEnd.Before(end) {
		p.TimeEnd = end
	}
	p.Points = append(p.Points, c)
}

func (p *PlotData) Len() int {
	return len(p.Points)
}

// DMRange returns the plotted DM interval, widened when all candidates share
// one DM.
func (p *PlotData) DMRange() (lo, hi float64) {
	lo, hi = p.DMMin, p.DMMax
	if hi-lo < 1 {
		lo, hi = max(lo-1, 0), hi+1
	}
	return lo, hi
}

// TimeRange returns the plotted time interval, at least one second long.
func (p *PlotData) TimeRange() (start, end time.Time) {
	start, end = p.TimeStart, p.TimeEnd
	if end.Sub(start) < time.Second {
		end = start.Add(time.Second)
	}
	return start, end
}
