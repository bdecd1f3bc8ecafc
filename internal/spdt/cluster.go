package spdt

import (
	"cmp"
	"math"
	"slices"
	"time"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// Cluster merges candidates with friends-of-friends linking. Each candidate is
// a point (start / TimeTolerance, DM / DmTolerance, log2(width) scaled by
// log2(WidthTolerance)), both logs in units of the sample interval. Points
// closer than the linking length are friends, and friends of friends share a
// cluster. A cluster is reported as its most significant member, stretched to
// the time extent of the whole cluster.
func Cluster(candidates []spectrum.Candidate, tsamp float64, cfg ClusterConfig) []spectrum.Candidate {
	if len(candidates) < 2 {
		return candidates
	}

	type point struct {
		t, dm, w float64
		idx      int
	}

	widthScale := math.Log2(cfg.WidthTolerance.Seconds() / tsamp)
	if widthScale <= 0 {
		widthScale = 1
	}
	timeScale := cfg.TimeTolerance.Seconds()
	if timeScale <= 0 {
		timeScale = tsamp
	}
	dmScale := cfg.DmTolerance
	if dmScale <= 0 {
		dmScale = 1
	}

	origin := candidates[0].StartTime
	for _, c := range candidates[1:] {
		if c.StartTime.Before(origin) {
			origin = c.StartTime
		}
	}

	points := make([]point, len(candidates))
	for i, c := range candidates {
		points[i] = point{
			t:   c.StartTime.Sub(origin).Seconds() / timeScale,
			dm:  c.DM / dmScale,
			w:   math.Log2(max(c.Width.Seconds()/tsamp, 1)) / widthScale,
			idx: i,
		}
	}
	slices.SortFunc(points, func(a, b point) int {
		return cmp.Compare(a.t, b.t)
	})

	link := cfg.LinkingLength
	link2 := link * link
	uf := newUnionFind(len(points))
	for j := range points {
		for k := j + 1; k < len(points) && points[k].t-points[j].t < link; k++ {
			dt := points[k].t - points[j].t
			ddm := points[k].dm - points[j].dm
			dw := points[k].w - points[j].w
			if dt*dt+ddm*ddm+dw*dw < link2 {
				uf.union(points[j].idx, points[k].idx)
			}
		}
	}

	type cluster struct {
		best       int
		start, end time.Time
	}
	clusters := make(map[int]*cluster)
	var order []int
	for i, c := range candidates {
		root := uf.find(i)
		cl, ok := clusters[root]
		if !ok {
			clusters[root] = &cluster{best: i, start: c.StartTime, end: c.EndTime()}
			order = append(order, root)
			continue
		}
		if c.StartTime.Before(cl.start) {
			cl.start = c.StartTime
		}
		if c.EndTime().After(cl.end) {
			cl.end = c.EndTime()
		}
		if c.Sigma > candidates[cl.best].Sigma {
			cl.best = i
		}
	}

	out := make([]spectrum.Candidate, 0, len(clusters))
	for _, root := range order {
		cl := clusters[root]
		best := candidates[cl.best]
		best.StartTime = cl.start
		best.Duration = cl.end.Sub(cl.start)
		out = append(out, best)
	}
	return out
}
