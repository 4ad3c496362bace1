package trajectory

import "sort"

// FitTrajectories owns an ordered list of FitTrajectory records and the
// list-level operations it supports: append, flag/unflag,
// remove, sort, keep-best, trim, merge and flag queries.
type FitTrajectories struct {
	Records []*FitTrajectory
}

// Append adds t to the end of the list, as runFit does after every run.
func (ts *FitTrajectories) Append(t *FitTrajectory) {
	ts.Records = append(ts.Records, t)
}

// Remove deletes the record at index i.
func (ts *FitTrajectories) Remove(i int) {
	ts.Records = append(ts.Records[:i], ts.Records[i+1:]...)
}

// SortByDate orders records by StartTime, ascending.
func (ts *FitTrajectories) SortByDate() {
	sort.SliceStable(ts.Records, func(i, j int) bool {
		return ts.Records[i].StartTime.Before(ts.Records[j].StartTime)
	})
}

// SortByResiduals orders records by OverallResidual, ascending (best
// first).
func (ts *FitTrajectories) SortByResiduals() {
	sort.SliceStable(ts.Records, func(i, j int) bool {
		return ts.Records[i].OverallResidual < ts.Records[j].OverallResidual
	})
}

// Best returns the record with the lowest OverallResidual, or nil if the
// list is empty.
func (ts *FitTrajectories) Best() *FitTrajectory {
	if len(ts.Records) == 0 {
		return nil
	}
	best := ts.Records[0]
	for _, t := range ts.Records[1:] {
		if t.OverallResidual < best.OverallResidual {
			best = t
		}
	}
	return best
}

// KeepBestTrajectories keeps only the n records with the lowest
// OverallResidual, discarding the rest.
func (ts *FitTrajectories) KeepBestTrajectories(n int) {
	if n >= len(ts.Records) {
		return
	}
	sorted := append([]*FitTrajectory(nil), ts.Records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OverallResidual < sorted[j].OverallResidual
	})
	ts.Records = sorted[:n]
}

// Trim removes every record whose ResidualRatio to the current best
// exceeds threshold.
func (ts *FitTrajectories) Trim(threshold float64) {
	best := ts.Best()
	if best == nil {
		return
	}
	bestResidual := best.OverallResidual
	kept := ts.Records[:0]
	for _, t := range ts.Records {
		if t.ResidualRatio(bestResidual) <= threshold {
			kept = append(kept, t)
		}
	}
	ts.Records = kept
}

// Merge appends every record of other whose (startTime, endTime,
// engineName) key is not already present, de-duplicating by that key.
func (ts *FitTrajectories) Merge(other *FitTrajectories) {
	seen := make(map[string]bool, len(ts.Records))
	for _, t := range ts.Records {
		seen[t.key()] = true
	}
	for _, t := range other.Records {
		if !seen[t.key()] {
			ts.Records = append(ts.Records, t)
			seen[t.key()] = true
		}
	}
}

// FlaggedTrajectories returns every record carrying flag.
func (ts *FitTrajectories) FlaggedTrajectories(flag string) []*FitTrajectory {
	var out []*FitTrajectory
	for _, t := range ts.Records {
		if t.HasFlag(flag) {
			out = append(out, t)
		}
	}
	return out
}

// AllFlags returns the union of every flag set on any record, sorted for
// deterministic output.
func (ts *FitTrajectories) AllFlags() []string {
	set := make(map[string]bool)
	for _, t := range ts.Records {
		for f := range t.Flags {
			set[f] = true
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
