package fit

import "gonum.org/v1/gonum/floats"

// SparseJacobian stores the derivative of the residual vector with respect
// to each free parameter as a union of per-parameter column vectors,
// exploiting the fact that a per-dataset parameter only affects the
// residuals of its own dataset: its column is stored at that dataset's
// native length and row offset rather than as a mostly-zero column of
// length TotalPoints.
type SparseJacobian struct {
	fd   *FitData
	cols []jacCol // indexed by FitIndex, length fd.FreeParameters
}

type jacCol struct {
	paramIdx int
	dsIndex  int // -1 for a global column
	data     []float64
}

// NewSparseJacobian allocates a jacobian matching fd's current packing
// (fd.InitializeParameters must already have been called).
func NewSparseJacobian(fd *FitData) *SparseJacobian {
	j := &SparseJacobian{fd: fd, cols: make([]jacCol, fd.FreeParameters)}
	for _, p := range fd.Parameters {
		if p.Kind != KindFree {
			continue
		}
		n := fd.TotalPoints()
		if p.DsIndex != -1 {
			n = fd.Datasets[p.DsIndex].RowCount()
		}
		j.cols[p.FitIndex] = jacCol{paramIdx: p.ParamIndex, dsIndex: p.DsIndex, data: make([]float64, n)}
	}
	return j
}

// Zero resets every column to all zero, for reuse across iterations.
func (j *SparseJacobian) Zero() {
	for i := range j.cols {
		data := j.cols[i].data
		for k := range data {
			data[k] = 0
		}
	}
}

// NumFreeParameters returns the number of columns (K).
func (j *SparseJacobian) NumFreeParameters() int { return len(j.cols) }

// Column returns the raw storage for free-parameter fitIndex: the full
// column (length TotalPoints) if it is a global parameter, or the
// dataset-local sub-column otherwise.
func (j *SparseJacobian) Column(fitIndex int) []float64 { return j.cols[fitIndex].data }

// ColumnDataset returns the dataset a column is scoped to, or -1 for a
// global column spanning every dataset.
func (j *SparseJacobian) ColumnDataset(fitIndex int) int { return j.cols[fitIndex].dsIndex }

// ColumnParam returns the declared-parameter index a column belongs to.
func (j *SparseJacobian) ColumnParam(fitIndex int) int { return j.cols[fitIndex].paramIdx }

// ParameterVector returns the full column for declared parameter paramIdx,
// which must be bound as a single global free entry (one FitParameter with
// DsIndex == -1). Returns nil if paramIdx has no such entry.
func (j *SparseJacobian) ParameterVector(paramIdx int) []float64 {
	for _, fi := range j.fd.ParametersByDefinition(paramIdx) {
		if j.cols[fi].dsIndex == -1 {
			return j.cols[fi].data
		}
	}
	return nil
}

// ParameterVectorForDataset returns the sub-column for declared parameter
// paramIdx bound to dataset ds, or nil if that (parameter, dataset) pair
// is not a free entry (fixed, or covered by a global instead).
func (j *SparseJacobian) ParameterVectorForDataset(paramIdx, ds int) []float64 {
	for _, fi := range j.fd.ParametersByDefinition(paramIdx) {
		if j.cols[fi].dsIndex == ds {
			return j.cols[fi].data
		}
	}
	return nil
}

// SpliceParameter folds a raw finite-difference evaluation into column
// fitIndex: given the perturbed residual sub-vector fPlus (same length and
// alignment as the column), the baseline f0 slice aligned the same way,
// and the actual step size used, it stores (fPlus[i]-f0[i])/stepSize into
// the column.
func (j *SparseJacobian) SpliceParameter(fitIndex int, fPlus, f0 []float64, stepSize float64) {
	col := j.cols[fitIndex].data
	inv := 1 / stepSize
	for i := range col {
		col[i] = (fPlus[i] - f0[i]) * inv
	}
}

// Gradient computes g = Jᵀ·residuals: for each free
// parameter, the dot product of its column against the corresponding
// slice of residuals.
func (j *SparseJacobian) Gradient(residuals []float64, out []float64) {
	for fi, c := range j.cols {
		if c.dsIndex == -1 {
			out[fi] = floats.Dot(c.data, residuals)
			continue
		}
		off := j.fd.RowOffset(c.dsIndex)
		out[fi] = floats.Dot(c.data, residuals[off:off+len(c.data)])
	}
}

// ScaleColumn multiplies an entire column in place, used by the optional
// scaleByMagnitude adjustment.
func (j *SparseJacobian) ScaleColumn(fitIndex int, s float64) {
	floats.Scale(s, j.cols[fitIndex].data)
}

// ColumnNorm returns the L2 norm of column fitIndex.
func (j *SparseJacobian) ColumnNorm(fitIndex int) float64 {
	return floats.Norm(j.cols[fitIndex].data, 2)
}
