package workspace

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
)

// ParamRef names one entry of the canonical (declared-order x
// dataset-order) covariance layout Covariance/StdErrors expose.
type ParamRef struct {
	Name string
	// Dataset is -1 for a global free parameter.
	Dataset int
}

// CovarianceScalingPolicy documents a deliberate design choice: covariance
// is always scaled by σ² = R/doF, even for a weighted fit where the
// weighting already normalises the residuals. This mirrors the source
// exactly rather than silently carrying the bug forward — see DESIGN.md
// for the reasoning.
const CovarianceScalingPolicy = "sigma-squared-unconditional"

// computeCovariance fills w.Covariance, w.CovarianceRefs and w.StdErrors
// from result's final jacobian: invert Jᵀ J in
// fitIndex order, scale by σ² = R/doF, then permute rows/columns into
// canonical (declared-parameter, dataset) order using the fitIndex
// assignment InitializeParameters recorded.
func (w *FitWorkspace) computeCovariance(result *engine.Result) {
	fd := w.FD
	if result.Jacobian == nil || fd.FreeParameters == 0 {
		w.Covariance = nil
		w.CovarianceRefs = nil
		w.StdErrors = make([]float64, fd.ExpandedLen())
		return
	}

	jTj, layout := engine.BuildNormalMatrix(fd, result.Jacobian)
	inv, err := jTj.Invert()
	if err != nil {
		w.Covariance = nil
		w.CovarianceRefs = nil
		return
	}

	doF := fd.TotalPoints() - fd.FreeParameters
	sigma2 := 1.0
	if doF > 0 {
		sigma2 = sumSquares(result.Residuals) / float64(doF)
	}
	w.rawInverse = inv
	w.rawSigma2 = sigma2
	w.rawLayout = layout

	type freeEntry struct {
		fitIndex int
		paramIdx int
		name     string
		ds       int
	}
	var entries []freeEntry
	for _, p := range fd.Parameters {
		if p.Kind != fit.KindFree {
			continue
		}
		entries = append(entries, freeEntry{fitIndex: p.FitIndex, paramIdx: p.ParamIndex, name: fd.Definitions[p.ParamIndex].Name, ds: p.DsIndex})
	}
	// Canonical layout: declared order first, dataset order within a
	// parameter (a global entry, ds == -1, precedes per-dataset ones).
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].paramIdx != entries[j].paramIdx {
			return entries[i].paramIdx < entries[j].paramIdx
		}
		return entries[i].ds < entries[j].ds
	})

	n := len(entries)
	cov := make([][]float64, n)
	refs := make([]ParamRef, n)
	for i := range entries {
		cov[i] = make([]float64, n)
		refs[i] = ParamRef{Name: entries[i].name, Dataset: entries[i].ds}
	}
	for i, ei := range entries {
		fi := layout.FlatIndex(ei.fitIndex)
		for j, ej := range entries {
			fj := layout.FlatIndex(ej.fitIndex)
			cov[i][j] = inv.At(fi, fj) * sigma2
		}
	}

	w.Covariance = cov
	w.CovarianceRefs = refs

	stdErrors := make([]float64, fd.ExpandedLen())
	for i, ei := range entries {
		ds := ei.ds
		if ds == -1 {
			for d := 0; d < fd.NumDatasets(); d++ {
				stdErrors[paramSlot(fd, ei.paramIdx, d)] = math.Sqrt(math.Max(0, cov[i][i]))
			}
			continue
		}
		stdErrors[paramSlot(fd, ei.paramIdx, ds)] = math.Sqrt(math.Max(0, cov[i][i]))
	}
	w.StdErrors = stdErrors
}

func paramSlot(fd *fit.FitData, paramIdx, ds int) int {
	return paramIdx*fd.NumDatasets() + ds
}

// CovarianceMatrix returns the full covariance matrix either raw
// (packed/fitIndex order, the solver's own view) or cooked (the
// canonical declared-order x dataset-order layout, same as
// w.Covariance). Returns nil before any successful RunFit.
func (w *FitWorkspace) CovarianceMatrix(raw bool) [][]float64 {
	if raw {
		if w.rawInverse == nil {
			return nil
		}
		n, _ := w.rawInverse.Dims()
		out := make([][]float64, n)
		for fi := 0; fi < n; fi++ {
			out[fi] = make([]float64, n)
			for fj := 0; fj < n; fj++ {
				flatI := w.rawLayout.FlatIndex(fi)
				flatJ := w.rawLayout.FlatIndex(fj)
				out[fi][fj] = w.rawInverse.At(flatI, flatJ) * w.rawSigma2
			}
		}
		return out
	}
	return w.Covariance
}

// ConfidenceInterval returns the 95% confidence-interval half-width for
// the parameter at Covariance row/column i: t_{0.975,doF} * sqrt(C_ii).
func (w *FitWorkspace) ConfidenceInterval(i int) float64 {
	if w.Covariance == nil || i < 0 || i >= len(w.Covariance) {
		return 0
	}
	doF := w.FD.TotalPoints() - w.FD.FreeParameters
	if doF <= 0 {
		return 0
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(doF)}.Quantile(0.975)
	return t * math.Sqrt(math.Max(0, w.Covariance[i][i]))
}
