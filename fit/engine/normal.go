package engine

import (
	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/abd"
)

// Layout records, for every free-parameter column of a SparseJacobian, the
// block (dataset index, or -1 for the border) and the position within
// that block/border it occupies in an ABDMatrix built by BuildNormalMatrix
// — and the flattened (local-blocks-then-border) index BuildNormalMatrix's
// caller needs to move between an ABDMatrix's logical vector ordering and
// fitIndex order.
type Layout struct {
	localSizes []int
	borderSize int
	flat       []int // per fitIndex, its position in the flattened vector
}

// FlatIndex returns the position fitIndex occupies in the flattened
// (local blocks in dataset order, then border) vector an ABDMatrix.Solve
// or .Gemv call expects.
func (l *Layout) FlatIndex(fitIndex int) int { return l.flat[fitIndex] }

// Size returns the ABDMatrix's total logical dimension.
func (l *Layout) Size() int {
	n := l.borderSize
	for _, s := range l.localSizes {
		n += s
	}
	return n
}

// BuildNormalMatrix forms the block-sparse normal matrix Jᵀ J from jac:
// one diagonal block per dataset (possibly zero-sized, when that dataset
// has no free local parameters) plus one border block for global free
// parameters, with dense coupling blocks between each dataset's local
// block and the border. Only datasets on which both columns of a pair
// have an entry contribute to that pair's sum.
func BuildNormalMatrix(fd *fit.FitData, jac *fit.SparseJacobian) (*abd.ABDMatrix, *Layout) {
	K := jac.NumFreeParameters()
	D := fd.NumDatasets()

	localSizes := make([]int, D)
	borderSize := 0
	blockOf := make([]int, K)
	posOf := make([]int, K)
	for fi := 0; fi < K; fi++ {
		ds := jac.ColumnDataset(fi)
		blockOf[fi] = ds
		if ds == -1 {
			posOf[fi] = borderSize
			borderSize++
		} else {
			posOf[fi] = localSizes[ds]
			localSizes[ds]++
		}
	}

	flat := make([]int, K)
	blockStart := make([]int, D)
	offset := 0
	for d := 0; d < D; d++ {
		blockStart[d] = offset
		offset += localSizes[d]
	}
	for fi := 0; fi < K; fi++ {
		if blockOf[fi] == -1 {
			flat[fi] = offset + posOf[fi]
		} else {
			flat[fi] = blockStart[blockOf[fi]] + posOf[fi]
		}
	}

	m := abd.New(localSizes, borderSize)

	// Diagonal blocks: pairs of local columns sharing the same dataset.
	for d := 0; d < D; d++ {
		cols := collectColumns(jac, K, d)
		for a := 0; a < len(cols); a++ {
			for b := a; b < len(cols); b++ {
				v := dot(jac.Column(cols[a]), jac.Column(cols[b]))
				m.AddDiag(d, posOf[cols[a]], posOf[cols[b]], v)
			}
		}
	}

	// Border block: pairs of global columns, each a full-length column.
	globals := collectColumns(jac, K, -1)
	for a := 0; a < len(globals); a++ {
		for b := a; b < len(globals); b++ {
			v := dot(jac.Column(globals[a]), jac.Column(globals[b]))
			m.AddBorderDiag(posOf[globals[a]], posOf[globals[b]], v)
		}
	}

	// Coupling blocks: a local column against a global column, restricted
	// to the local column's dataset's row range.
	for d := 0; d < D; d++ {
		off := fd.RowOffset(d)
		n := fd.Datasets[d].RowCount()
		locals := collectColumns(jac, K, d)
		for _, li := range locals {
			localCol := jac.Column(li)
			for _, gi := range globals {
				globalCol := jac.Column(gi)[off : off+n]
				m.AddCoupling(d, posOf[li], posOf[gi], dot(localCol, globalCol))
			}
		}
	}

	return m, &Layout{localSizes: localSizes, borderSize: borderSize, flat: flat}
}

func collectColumns(jac *fit.SparseJacobian, k, ds int) []int {
	var out []int
	for fi := 0; fi < k; fi++ {
		if jac.ColumnDataset(fi) == ds {
			out = append(out, fi)
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
