package engine

import (
	"math"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
)

// columnScales computes the optional per-column scale factors:
// 1/‖column‖₂ (1 for a zero-norm column), multiplied for global columns by
// datasetCount^globalScalingOrder so that a global's huge accumulated
// gradient does not swamp per-dataset locals.
func columnScales(jac *fit.SparseJacobian, datasetCount, globalScalingOrder int) []float64 {
	n := jac.NumFreeParameters()
	scales := make([]float64, n)
	for fi := 0; fi < n; fi++ {
		norm := jac.ColumnNorm(fi)
		s := 1.0
		if norm != 0 {
			s = 1 / norm
		}
		if jac.ColumnDataset(fi) == -1 && globalScalingOrder != 0 {
			s *= math.Pow(float64(datasetCount), float64(globalScalingOrder))
		}
		scales[fi] = s
	}
	return scales
}

// applyScales multiplies every jacobian column in place by its scale
// factor. Callers that need the original (unscaled) jacobian afterwards
// must rebuild it — in Run, the scaled jacobian is only ever used
// transiently to form one iteration's jTj/gradient and is discarded
// afterwards in favor of a freshly evaluated, unscaled jacobian at the
// accepted point.
func applyScales(jac *fit.SparseJacobian, scales []float64) {
	for fi, s := range scales {
		jac.ScaleColumn(fi, s)
	}
}
