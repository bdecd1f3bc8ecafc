package spdt

import (
	"cmp"
	"slices"

	"github.com/roman-kulish/pulsar-search/internal/spectrum"
)

// run is a stretch of consecutive above-threshold samples of one boxcar
// width in one DM trial. Samples [start, end) of the trial are covered.
type run struct {
	trial int
	width int
	start int
	end   int
	sigma float64
}

// located is a candidate and the sample at which its group starts.
type located struct {
	start int
	spectrum.Candidate
}

// Detect searches every DM trial for pulses. Runs of flagged samples that
// overlap or touch, across boxcar widths and adjacent DM trials, are merged
// into one candidate reported at the DM and width of its most significant
// member. The result is sorted by start time and DM.
func Detect(trials *spectrum.DmTrials, cfg Config) ([]spectrum.Candidate, error) {
	cfg = cfg.WithDefaults()
	found, err := detect(trials, cfg)
	if err != nil {
		return nil, err
	}

	candidates := make([]spectrum.Candidate, 0, len(found))
	for _, l := range found {
		candidates = append(candidates, l.Candidate)
	}
	return finish(candidates, trials.SampleInterval, cfg), nil
}

// detect returns the unclustered candidates of trials ordered by the sample
// their group starts at. cfg must carry its defaults.
func detect(trials *spectrum.DmTrials, cfg Config) ([]located, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trials == nil {
		return nil, spectrum.NewDataError(nil, "spdt: nil DM trials")
	}
	if trials.SampleInterval <= 0 {
		return nil, spectrum.NewDataError(nil, "spdt: invalid sample interval: %g", trials.SampleInterval)
	}
	n := trials.NumberOfSamples()
	for _, t := range trials.Trials {
		if len(t.Series) != n {
			return nil, spectrum.NewDataError(nil, "spdt: DM %g series has %d samples, want %d", t.DM, len(t.Series), n)
		}
	}

	var runs []run
	var filtered []float64
	for i, trial := range trials.Trials {
		prefix := prefixSums(trial.Series)
		for _, w := range cfg.Widths() {
			filtered = boxcar(prefix, w, filtered)
			if filtered == nil {
				break
			}
			runs = appendRuns(runs, filtered, i, w, cfg)
		}
	}
	return group(runs, trials), nil
}

// finish clusters candidates when enabled and sorts them by start time and DM.
func finish(candidates []spectrum.Candidate, tsamp float64, cfg Config) []spectrum.Candidate {
	if candidates == nil {
		candidates = []spectrum.Candidate{}
	}
	if cfg.Cluster.Enabled {
		candidates = Cluster(candidates, tsamp, cfg.Cluster)
	}

	slices.SortFunc(candidates, func(a, b spectrum.Candidate) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.DM, b.DM)
	})
	return candidates
}

// appendRuns thresholds one filtered series.
func appendRuns(runs []run, filtered []float64, trial, width int, cfg Config) []run {
	mean, std, ok := noise(filtered, cfg.StatsBlock)
	if !ok {
		return runs
	}

	var current *run
	for t, v := range filtered {
		sigma := (v - mean) / std
		if sigma < cfg.Threshold {
			current = nil
			continue
		}
		if current == nil {
			runs = append(runs, run{trial: trial, width: width, start: t, end: t + width, sigma: sigma})
			current = &runs[len(runs)-1]
			continue
		}
		current.end = t + width
		current.sigma = max(current.sigma, sigma)
	}
	return runs
}

// group unions runs of neighbouring trials whose sample ranges overlap or
// touch and turns every group into a candidate.
func group(runs []run, trials *spectrum.DmTrials) []located {
	if len(runs) == 0 {
		return nil
	}

	slices.SortFunc(runs, func(a, b run) int {
		return cmp.Compare(a.start, b.start)
	})

	uf := newUnionFind(len(runs))
	for j := range runs {
		for k := j + 1; k < len(runs) && runs[k].start <= runs[j].end; k++ {
			if d := runs[k].trial - runs[j].trial; d >= -1 && d <= 1 {
				uf.union(j, k)
			}
		}
	}

	type extent struct {
		best       int
		start, end int
	}
	groups := make(map[int]*extent)
	var order []int
	for i, r := range runs {
		root := uf.find(i)
		g, ok := groups[root]
		if !ok {
			groups[root] = &extent{best: i, start: r.start, end: r.end}
			order = append(order, root)
			continue
		}
		g.start = min(g.start, r.start)
		g.end = max(g.end, r.end)
		if better(r, runs[g.best]) {
			g.best = i
		}
	}

	found := make([]located, 0, len(groups))
	for _, root := range order {
		g := groups[root]
		best := runs[g.best]
		found = append(found, located{start: g.start, Candidate: spectrum.Candidate{
			DM:        trials.Trials[best.trial].DM,
			StartTime: trials.TimeOf(g.start),
			Width:     spectrum.Seconds(float64(best.width) * trials.SampleInterval),
			Duration:  spectrum.Seconds(float64(g.end-g.start) * trials.SampleInterval),
			Sigma:     best.sigma,
		}})
	}
	return found
}

// better orders runs by sigma, then lower DM, then narrower width.
func better(a, b run) bool {
	if a.sigma != b.sigma {
		return a.sigma > b.sigma
	}
	if a.trial != b.trial {
		return a.trial < b.trial
	}
	return a.width < b.width
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
