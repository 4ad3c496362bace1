package abd_test

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/adgarrio-labs/qsoas-fitcore/fit/abd"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// buildDense assembles the same logical matrix as m into a plain dense
// gonum matrix, locals-then-border ordered, for a reference solve.
func buildDense(m *abd.ABDMatrix) *mat.Dense {
	n := m.Size()
	dense := mat.NewDense(n, n, nil)
	probe := make([]float64, n)
	e := make([]float64, n)
	for col := 0; col < n; col++ {
		for i := range e {
			e[i] = 0
		}
		e[col] = 1
		m.Gemv(e, probe)
		for row := 0; row < n; row++ {
			dense.Set(row, col, probe[row])
		}
	}
	return dense
}

func TestSolveMatchesDenseReference(t *testing.T) {
	m := abd.New([]int{2, 1}, 2)

	// Local block 0 (2x2), SPD-ish.
	m.AddDiag(0, 0, 0, 4)
	m.AddDiag(0, 1, 1, 3)
	m.AddDiag(0, 0, 1, 0.5)
	// Local block 1 (1x1).
	m.AddDiag(1, 0, 0, 5)
	// Border (2x2).
	m.AddBorderDiag(0, 0, 6)
	m.AddBorderDiag(1, 1, 7)
	m.AddBorderDiag(0, 1, 0.3)
	// Coupling.
	m.AddCoupling(0, 0, 0, 1.0)
	m.AddCoupling(0, 1, 1, 0.7)
	m.AddCoupling(1, 0, 0, 0.4)

	dense := buildDense(m)

	n := m.Size()
	b := make([]float64, n)
	for i := range b {
		b[i] = float64(i+1) * 0.37
	}

	x := make([]float64, n)
	if err := m.Solve(b, x); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	// Reference solve via gonum's own dense LU on the same matrix.
	bVec := mat.NewVecDense(n, append([]float64(nil), b...))
	var want mat.VecDense
	if err := want.SolveVec(dense, bVec); err != nil {
		t.Fatalf("reference dense Solve: %v", err)
	}

	for i := 0; i < n; i++ {
		if !almostEqual(x[i], want.AtVec(i), 1e-8*(1+math.Abs(want.AtVec(i)))) {
			t.Errorf("x[%d] = %g, want %g", i, x[i], want.AtVec(i))
		}
	}
}

func TestGemvMatchesDenseMultiply(t *testing.T) {
	m := abd.New([]int{1, 2}, 1)
	m.AddDiag(0, 0, 0, 2)
	m.AddDiag(1, 0, 0, 3)
	m.AddDiag(1, 1, 1, 4)
	m.AddDiag(1, 0, 1, 0.5)
	m.AddBorderDiag(0, 0, 9)
	m.AddCoupling(0, 0, 0, 1.5)
	m.AddCoupling(1, 1, 0, 0.2)

	dense := buildDense(m)

	n := m.Size()
	x := []float64{1, 2, 3, 4}
	y := make([]float64, n)
	m.Gemv(x, y)

	var want mat.VecDense
	want.MulVec(dense, mat.NewVecDense(n, x))

	for i := 0; i < n; i++ {
		if !almostEqual(y[i], want.AtVec(i), 1e-10) {
			t.Errorf("y[%d] = %g, want %g", i, y[i], want.AtVec(i))
		}
	}
}

func TestAddToDiagonalDampsEveryBlock(t *testing.T) {
	m := abd.New([]int{2}, 1)
	m.AddToDiagonal(5)

	n := m.Size()
	b := make([]float64, n)
	for i := range b {
		b[i] = 1
	}
	x := make([]float64, n)
	if err := m.Solve(b, x); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	// Every block is lambda*I here, so A x = b implies x = b/lambda.
	for i, v := range x {
		if !almostEqual(v, 0.2, 1e-10) {
			t.Errorf("x[%d] = %g, want 0.2", i, v)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := abd.New([]int{1}, 1)
	m.AddDiag(0, 0, 0, 3)
	m.AddBorderDiag(0, 0, 4)

	clone := m.Clone()
	m.AddDiag(0, 0, 0, 100)
	m.AddBorderDiag(0, 0, 100)

	n := clone.Size()
	b := []float64{1, 1}
	x := make([]float64, n)
	if err := clone.Solve(b, x); err != nil {
		t.Fatalf("Solve on clone: %v", err)
	}
	if !almostEqual(x[0], 1.0/3, 1e-10) {
		t.Errorf("clone local x = %g, want %g (clone must not see later mutations)", x[0], 1.0/3)
	}
}

func TestZeroClearsAllBlocks(t *testing.T) {
	m := abd.New([]int{2}, 1)
	m.AddDiag(0, 0, 0, 9)
	m.AddBorderDiag(0, 0, 9)
	m.AddCoupling(0, 0, 0, 9)
	m.Zero()

	n := m.Size()
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = 1
	}
	m.Gemv(x, y)
	for i, v := range y {
		if v != 0 {
			t.Errorf("y[%d] = %g after Zero, want 0", i, v)
		}
	}
}

func TestSolveHandlesEmptyBlocks(t *testing.T) {
	// A dataset contributing no local free parameters yields a 0-size
	// diagonal block; a fit with only global parameters yields 0-size
	// locals everywhere. Both must solve, not panic.
	m := abd.New([]int{0, 2}, 1)
	m.AddDiag(1, 0, 0, 2)
	m.AddDiag(1, 1, 1, 3)
	m.AddBorderDiag(0, 0, 4)
	m.AddCoupling(1, 0, 0, 0.5)

	dense := buildDense(m)
	n := m.Size()
	b := []float64{1, 2, 3}
	x := make([]float64, n)
	if err := m.Solve(b, x); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	bVec := mat.NewVecDense(n, append([]float64(nil), b...))
	var want mat.VecDense
	if err := want.SolveVec(dense, bVec); err != nil {
		t.Fatalf("reference dense Solve: %v", err)
	}
	for i := 0; i < n; i++ {
		if !almostEqual(x[i], want.AtVec(i), 1e-10) {
			t.Errorf("x[%d] = %g, want %g", i, x[i], want.AtVec(i))
		}
	}

	onlyGlobals := abd.New([]int{0, 0}, 1)
	onlyGlobals.AddBorderDiag(0, 0, 5)
	xg := make([]float64, 1)
	if err := onlyGlobals.Solve([]float64{10}, xg); err != nil {
		t.Fatalf("Solve (globals only): %v", err)
	}
	if !almostEqual(xg[0], 2, 1e-12) {
		t.Errorf("x = %g, want 2", xg[0])
	}
}

func TestSolveSingularBlockReturnsErrSingular(t *testing.T) {
	m := abd.New([]int{2}, 0)
	// A rank-deficient local block: identical rows.
	m.AddDiag(0, 0, 0, 1)
	m.AddDiag(0, 1, 1, 1)
	m.AddDiag(0, 0, 1, 1)

	n := m.Size()
	b := make([]float64, n)
	x := make([]float64, n)
	err := m.Solve(b, x)
	if !errors.Is(err, abd.ErrSingular) {
		t.Fatalf("Solve error = %v, want ErrSingular for a singular local block", err)
	}
}
