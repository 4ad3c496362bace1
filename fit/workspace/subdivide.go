package workspace

import (
	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
)

// canSubdivide reports whether fd qualifies for the independent-sub-fit
// shortcut: every free parameter is per-dataset (no globals) and there is
// more than one dataset. Alias entries are excluded from the shortcut
// here — an alias can reference another dataset's slot, which would not
// survive being split into single-dataset FitData instances, so
// subdivision is conservatively skipped whenever one is present.
func canSubdivide(fd *fit.FitData) bool {
	if fd.FreeParameters == 0 || fd.NumDatasets() < 2 {
		return false
	}
	for _, p := range fd.Parameters {
		if p.Kind == fit.KindAlias {
			return false
		}
		if p.Kind == fit.KindFree && p.DsIndex == -1 {
			return false
		}
	}
	return true
}

// runSubdivided runs one independent LM fit per dataset and assembles the
// combined engine.Result a single-FitData run would
// have produced: final packed values merged back by declared parameter,
// evaluations summed, iterations taken as the maximum across
// subordinates, and the ending reason the "worst" outcome observed
// (Converged only if every subordinate converged).
func (w *FitWorkspace) runSubdivided() *engine.Result {
	fd := w.FD
	finalPacked := append([]float64(nil), fd.Packed...)

	combined := &engine.Result{FinalPacked: finalPacked, Reason: engine.Converged}
	var allResiduals []float64
	if fd.TotalPoints() > 0 {
		allResiduals = make([]float64, fd.TotalPoints())
	}

	for d := 0; d < fd.NumDatasets(); d++ {
		sub := buildSubFitData(fd, d)
		subPacked := packedForSub(fd, sub, d)

		var queue *fit.DerivativeQueue
		if w.Opts.Threads > 1 {
			queue = fit.NewDerivativeQueue(w.Opts.Threads, sub.Model)
		}
		res := w.engineRunner()(sub, w.Opts.Engine, subPacked, queue, w.Reporter, w)
		if queue != nil {
			queue.Close()
		}

		mergeSubResult(fd, sub, d, res, finalPacked)
		if res.Residuals != nil {
			off := fd.RowOffset(d)
			copy(allResiduals[off:off+sub.TotalPoints()], res.Residuals)
		}

		combined.Iterations = maxInt(combined.Iterations, res.Iterations)
		combined.Evaluations += res.Evaluations
		combined.Delta += res.Delta
		combined.Reason = worseReason(combined.Reason, res.Reason)
		if res.Err != nil && combined.Err == nil {
			combined.Err = res.Err
		}
	}

	combined.Residuals = allResiduals
	return combined
}

// buildSubFitData builds a single-dataset FitData reusing the parent's
// model and declared parameters, with every FitParameter bound to dataset
// d remapped to the sub-instance's sole dataset (index 0), plus any
// dataset-independent (global Fixed/Formula) entry copied as-is.
func buildSubFitData(fd *fit.FitData, d int) *fit.FitData {
	sub := &fit.FitData{
		Model:            fd.Model,
		Datasets:         []fit.Dataset{fd.Datasets[d]},
		Definitions:      fd.Definitions,
		WeightsPerBuffer: []float64{fd.WeightsPerBuffer[d]},
		DebugLevel:       fd.DebugLevel,
		EngineFactory:    fd.EngineFactory,
	}
	if sa, ok := fd.Model.(fit.ScratchAllocator); ok {
		sub.Scratch = sa.CopyStorage(fd.Scratch)
	}
	sub.RecomputeOffsets()

	for _, p := range fd.Parameters {
		switch {
		case p.DsIndex == -1:
			sub.Parameters = append(sub.Parameters, p)
		case p.DsIndex == d:
			np := p
			np.DsIndex = 0
			sub.Parameters = append(sub.Parameters, np)
		}
	}
	_ = fit.InitializeParameters(sub)
	return sub
}

// packedForSub extracts, from fd.Packed, the slice of free values that
// belong to dataset d (or a global Fixed entry shared by every dataset,
// already baked in at buildSubFitData time), ordered to match sub's own
// FitIndex assignment.
func packedForSub(fd *fit.FitData, sub *fit.FitData, d int) []float64 {
	packed := make([]float64, sub.FreeParameters)
	for _, p := range fd.Parameters {
		if p.Kind != fit.KindFree || p.DsIndex != d {
			continue
		}
		for _, sp := range sub.Parameters {
			if sp.Kind == fit.KindFree && sp.ParamIndex == p.ParamIndex {
				packed[sp.FitIndex] = fd.Packed[p.FitIndex]
			}
		}
	}
	return packed
}

// mergeSubResult writes a converged subordinate's final values back into
// the parent-shaped finalPacked vector, by declared-parameter identity.
func mergeSubResult(fd *fit.FitData, sub *fit.FitData, d int, res *engine.Result, finalPacked []float64) {
	if res.FinalPacked == nil {
		return
	}
	for _, p := range fd.Parameters {
		if p.Kind != fit.KindFree || p.DsIndex != d {
			continue
		}
		for _, sp := range sub.Parameters {
			if sp.Kind == fit.KindFree && sp.ParamIndex == p.ParamIndex {
				finalPacked[p.FitIndex] = res.FinalPacked[sp.FitIndex]
			}
		}
	}
}

func worseReason(a, b engine.EndReason) engine.EndReason {
	rank := func(r engine.EndReason) int {
		switch r {
		case engine.Converged:
			return 0
		case engine.TimeOut:
			return 1
		case engine.Cancelled:
			return 2
		case engine.ConvergenceError:
			return 3
		case engine.Error:
			return 4
		case engine.Exception:
			return 5
		default:
			return 6
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func maxInt(a, b int) int {
	if b > a {
		return b
	}
	return a
}
