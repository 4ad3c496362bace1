// Package abd implements ABDMatrix, the almost-block-diagonal normal
// matrix: one diagonal block per dataset holding
// that dataset's local free parameters, plus one "border" block for
// global free parameters, with dense coupling only between each local
// block and the border — never between two local blocks. It is the
// in-memory form of Jᵀ J (optionally damped) that fit/engine solves every
// Levenberg-Marquardt trial step.
//
// ABDMatrix has no dependency on the fit package: it operates purely on
// block sizes and gonum dense blocks, so it can be tested and reasoned
// about independently of the parameter-packing layer that decides those
// sizes.
package abd

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned by Solve/Invert when a block (or the Schur
// complement) is singular or too ill-conditioned to factor.
var ErrSingular = errors.New("abd: matrix is singular")

// ABDMatrix stores the block-sparse normal matrix. Blocks is the number of
// non-border (local) diagonal blocks; the border itself is always present,
// even if its size is zero (e.g. a fit with no global parameters collapses
// to Blocks local blocks and a 0x0 border). Zero-size blocks hold no
// storage at all: gonum refuses zero-dimension matrices, so a nil block
// stands in for an empty one throughout.
type ABDMatrix struct {
	localSizes []int
	borderSize int

	diag     []*mat.SymDense // length len(localSizes), each n_k x n_k, nil when n_k == 0
	coupling []*mat.Dense    // length len(localSizes), each n_k x borderSize, nil when either size is 0
	border   *mat.SymDense   // borderSize x borderSize, nil when borderSize == 0
}

// New allocates a zeroed ABDMatrix with one diagonal block per entry of
// localSizes plus a border block of size borderSize.
func New(localSizes []int, borderSize int) *ABDMatrix {
	m := &ABDMatrix{
		localSizes: append([]int(nil), localSizes...),
		borderSize: borderSize,
		diag:       make([]*mat.SymDense, len(localSizes)),
		coupling:   make([]*mat.Dense, len(localSizes)),
	}
	if borderSize > 0 {
		m.border = mat.NewSymDense(borderSize, nil)
	}
	for k, n := range localSizes {
		if n == 0 {
			continue
		}
		m.diag[k] = mat.NewSymDense(n, nil)
		if borderSize > 0 {
			m.coupling[k] = mat.NewDense(n, borderSize, nil)
		}
	}
	return m
}

// NumBlocks returns the number of non-border diagonal blocks (D).
func (m *ABDMatrix) NumBlocks() int { return len(m.localSizes) }

// BorderSize returns the border block's size.
func (m *ABDMatrix) BorderSize() int { return m.borderSize }

// BlockSize returns the size of local block k.
func (m *ABDMatrix) BlockSize(k int) int { return m.localSizes[k] }

// Size returns the matrix's total (logical) dimension.
func (m *ABDMatrix) Size() int {
	n := m.borderSize
	for _, s := range m.localSizes {
		n += s
	}
	return n
}

// Zero clears every block back to all-zero.
func (m *ABDMatrix) Zero() {
	for k, d := range m.diag {
		zeroSym(d, m.localSizes[k])
		if m.coupling[k] != nil {
			m.coupling[k].Zero()
		}
	}
	zeroSym(m.border, m.borderSize)
}

func zeroSym(d *mat.SymDense, n int) {
	if d == nil {
		return
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			d.SetSym(i, j, 0)
		}
	}
}

// Clone returns an independent deep copy.
func (m *ABDMatrix) Clone() *ABDMatrix {
	out := New(m.localSizes, m.borderSize)
	for k := range m.diag {
		if m.diag[k] != nil {
			out.diag[k].CopySym(m.diag[k])
		}
		if m.coupling[k] != nil {
			out.coupling[k].Copy(m.coupling[k])
		}
	}
	if m.border != nil {
		out.border.CopySym(m.border)
	}
	return out
}

// AddDiag adds v to local block k's (i,j) entry (and its symmetric
// counterpart (j,i), since diagonal blocks are always SPD by
// construction — they are Jᵀ J restricted to one dataset's columns).
func (m *ABDMatrix) AddDiag(k, i, j int, v float64) {
	m.diag[k].SetSym(i, j, m.diag[k].At(i, j)+v)
}

// AddBorderDiag adds v to the border block's (i,j) entry.
func (m *ABDMatrix) AddBorderDiag(i, j int, v float64) {
	m.border.SetSym(i, j, m.border.At(i, j)+v)
}

// AddCoupling adds v to local block k's coupling entry (i, jBorder).
func (m *ABDMatrix) AddCoupling(k, i, jBorder int, v float64) {
	m.coupling[k].Set(i, jBorder, m.coupling[k].At(i, jBorder)+v)
}

// AddToDiagonal adds lambda to every diagonal entry of every block,
// including the border — the Levenberg-Marquardt damping step.
func (m *ABDMatrix) AddToDiagonal(lambda float64) {
	for k, d := range m.diag {
		n := m.localSizes[k]
		for i := 0; i < n; i++ {
			d.SetSym(i, i, d.At(i, i)+lambda)
		}
	}
	for i := 0; i < m.borderSize; i++ {
		m.border.SetSym(i, i, m.border.At(i, i)+lambda)
	}
}

// blockOffsets returns the starting row/col index of each local block and
// of the border in the logical (flattened) ordering: locals first, in
// order, then the border.
func (m *ABDMatrix) blockOffsets() []int {
	offs := make([]int, len(m.localSizes)+1)
	total := 0
	for k, n := range m.localSizes {
		offs[k] = total
		total += n
	}
	offs[len(m.localSizes)] = total
	return offs
}

// Gemv computes y = A*x using the block structure, where x and y are
// logically ordered local-blocks-then-border, matching blockOffsets.
func (m *ABDMatrix) Gemv(x []float64, y []float64) {
	offs := m.blockOffsets()
	borderOff := offs[len(m.localSizes)]
	var xB *mat.VecDense
	if m.borderSize > 0 {
		xB = mat.NewVecDense(m.borderSize, x[borderOff:borderOff+m.borderSize])
	}

	yB := make([]float64, m.borderSize)
	for k, n := range m.localSizes {
		if n == 0 {
			continue
		}
		off := offs[k]
		xk := mat.NewVecDense(n, x[off:off+n])

		var yk mat.VecDense
		yk.MulVec(m.diag[k], xk)
		for i := 0; i < n; i++ {
			y[off+i] = yk.AtVec(i)
		}
		if xB != nil {
			var yk2 mat.VecDense
			yk2.MulVec(m.coupling[k], xB)
			for i := 0; i < n; i++ {
				y[off+i] += yk2.AtVec(i)
			}

			var contrib mat.VecDense
			contrib.MulVec(m.coupling[k].T(), xk)
			for i := 0; i < m.borderSize; i++ {
				yB[i] += contrib.AtVec(i)
			}
		}
	}
	if m.borderSize > 0 {
		var borderDiag mat.VecDense
		borderDiag.MulVec(m.border, xB)
		for i := 0; i < m.borderSize; i++ {
			y[borderOff+i] = yB[i] + borderDiag.AtVec(i)
		}
	}
}

// Solve solves A x = b for x using block LDLᵀ reduction:
// factor each local diagonal block, form the Schur complement on
// the border, solve there, then back-substitute. b and x are logically
// ordered local-blocks-then-border (see blockOffsets) and x may alias b.
func (m *ABDMatrix) Solve(b []float64, x []float64) error {
	offs := m.blockOffsets()
	borderOff := offs[len(m.localSizes)]
	D := len(m.localSizes)

	// E_k = D_k^-1 C_k, and the Schur complement's accumulator.
	eBlocks := make([]*mat.Dense, D)
	dInvB := make([]*mat.VecDense, D)
	var schur *mat.SymDense
	if m.borderSize > 0 {
		schur = mat.NewSymDense(m.borderSize, nil)
		schur.CopySym(m.border)
	}

	for k := 0; k < D; k++ {
		n := m.localSizes[k]
		if n == 0 {
			continue
		}
		bk := mat.NewVecDense(n, b[offs[k]:offs[k]+n])
		var dib mat.VecDense
		if err := dib.SolveVec(m.diag[k], bk); err != nil {
			return fmt.Errorf("abd: factoring block %d: %w", k, errors.Join(ErrSingular, err))
		}
		dInvB[k] = &dib

		if m.borderSize == 0 {
			continue
		}
		var ek mat.Dense
		if err := ek.Solve(m.diag[k], m.coupling[k]); err != nil {
			return fmt.Errorf("abd: factoring block %d: %w", k, errors.Join(ErrSingular, err))
		}
		eBlocks[k] = &ek

		// schur -= C_k^T E_k
		var ctE mat.Dense
		ctE.Mul(m.coupling[k].T(), &ek)
		for i := 0; i < m.borderSize; i++ {
			for j := i; j < m.borderSize; j++ {
				schur.SetSym(i, j, schur.At(i, j)-ctE.At(i, j))
			}
		}
	}

	var xB *mat.VecDense
	if m.borderSize > 0 {
		// rhsB = b_B - Σ C_k^T (D_k^-1 b_k)
		rhsB := mat.NewVecDense(m.borderSize, nil)
		copy(rhsB.RawVector().Data, b[borderOff:borderOff+m.borderSize])
		for k := 0; k < D; k++ {
			if m.localSizes[k] == 0 {
				continue
			}
			var contrib mat.VecDense
			contrib.MulVec(m.coupling[k].T(), dInvB[k])
			rhsB.SubVec(rhsB, &contrib)
		}

		xB = mat.NewVecDense(m.borderSize, nil)
		if err := xB.SolveVec(schur, rhsB); err != nil {
			if err := solveSchurSVD(schur, rhsB, xB); err != nil {
				return fmt.Errorf("abd: schur complement: %w", err)
			}
		}
	}

	for k := 0; k < D; k++ {
		n := m.localSizes[k]
		if n == 0 {
			continue
		}
		for i := 0; i < n; i++ {
			x[offs[k]+i] = dInvB[k].AtVec(i)
		}
		if xB != nil {
			// x_k = D_k^-1 b_k - E_k x_B
			var ekXb mat.VecDense
			ekXb.MulVec(eBlocks[k], xB)
			for i := 0; i < n; i++ {
				x[offs[k]+i] -= ekXb.AtVec(i)
			}
		}
	}
	if m.borderSize > 0 {
		copy(x[borderOff:borderOff+m.borderSize], xB.RawVector().Data)
	}
	return nil
}

// solveSchurSVD is the fallback for an ill-conditioned Schur complement
// the LU-based SolveVec refuses: a full-rank SVD solve. A genuinely
// rank-deficient complement still fails with ErrSingular.
func solveSchurSVD(schur *mat.SymDense, rhs, out *mat.VecDense) error {
	var svd mat.SVD
	if !svd.Factorize(schur, mat.SVDFull) {
		return ErrSingular
	}
	values := svd.Values(nil)
	rank := 0
	tol := 1e-14 * values[0]
	for _, v := range values {
		if v > tol {
			rank++
		}
	}
	n, _ := schur.Dims()
	if rank < n {
		return ErrSingular
	}
	svd.SolveVecTo(out, rhs, rank)
	return nil
}

// Invert assembles the full dense inverse, used only for covariance
// output: it solves A x = e_i for every unit vector e_i
// using the same block reduction Solve uses, so the result is exactly as
// accurate as (and no more expensive per-column than) the trial-step
// solve itself.
func (m *ABDMatrix) Invert() (*mat.Dense, error) {
	n := m.Size()
	if n == 0 {
		return nil, fmt.Errorf("abd: invert: empty matrix")
	}
	out := mat.NewDense(n, n, nil)
	e := make([]float64, n)
	x := make([]float64, n)
	for col := 0; col < n; col++ {
		for i := range e {
			e[i] = 0
		}
		e[col] = 1
		if err := m.Solve(e, x); err != nil {
			return nil, err
		}
		for row := 0; row < n; row++ {
			out.Set(row, col, x[row])
		}
	}
	return out, nil
}
