package fit_test

import (
	"math"
	"testing"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// sumExpr evaluates to the sum of the named variables.
type sumExpr struct{ names []string }

func (s sumExpr) Evaluate(vars map[string]float64) (float64, error) {
	total := 0.0
	for _, n := range s.names {
		total += vars[n]
	}
	return total, nil
}

func newFitData(numDatasets int, defs []fit.ParameterDefinition) *fit.FitData {
	fd := &fit.FitData{
		Datasets:    make([]fit.Dataset, numDatasets),
		Definitions: defs,
	}
	fd.RecomputeOffsets()
	return fd
}

func TestPackUnpackRoundTrip(t *testing.T) {
	defs := []fit.ParameterDefinition{
		{Name: "a", CanBePerDataset: true},
		{Name: "b", CanBePerDataset: false},
	}
	fd := newFitData(3, defs)
	fd.Parameters = []fit.FitParameter{
		{ParamIndex: 0, DsIndex: 0, Kind: fit.KindFree},
		{ParamIndex: 0, DsIndex: 1, Kind: fit.KindFree},
		{ParamIndex: 0, DsIndex: 2, Kind: fit.KindFree},
		{ParamIndex: 1, DsIndex: -1, Kind: fit.KindFree},
	}
	if err := fit.InitializeParameters(fd); err != nil {
		t.Fatalf("InitializeParameters: %v", err)
	}
	if fd.FreeParameters != 4 {
		t.Fatalf("FreeParameters = %d, want 4", fd.FreeParameters)
	}

	expanded := []float64{10, 20, 30, 99, 99, 99}
	fit.PackParameters(fd, expanded, fd.Packed)

	roundTripped := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, roundTripped); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	for i, want := range expanded {
		if !almostEqual(roundTripped[i], want, 1e-12) {
			t.Errorf("roundTripped[%d] = %g, want %g", i, roundTripped[i], want)
		}
	}
}

func TestUnpackBroadcastsGlobalToEveryDataset(t *testing.T) {
	defs := []fit.ParameterDefinition{{Name: "k"}}
	fd := newFitData(3, defs)
	fd.Parameters = []fit.FitParameter{{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFree}}
	if err := fit.InitializeParameters(fd); err != nil {
		t.Fatalf("InitializeParameters: %v", err)
	}
	fd.Packed[0] = 7.5

	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	for ds := 0; ds < 3; ds++ {
		if !almostEqual(expanded[ds], 7.5, 1e-12) {
			t.Errorf("dataset %d = %g, want 7.5 (global coherence violated)", ds, expanded[ds])
		}
	}
}

func TestUnpackHonorsFixedValue(t *testing.T) {
	defs := []fit.ParameterDefinition{{Name: "k"}}
	fd := newFitData(1, defs)
	fd.Parameters = []fit.FitParameter{{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFixed, Value: 42}}
	if err := fit.InitializeParameters(fd); err != nil {
		t.Fatalf("InitializeParameters: %v", err)
	}
	if fd.FreeParameters != 0 {
		t.Fatalf("FreeParameters = %d, want 0 for an all-fixed parameter set", fd.FreeParameters)
	}

	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	if !almostEqual(expanded[0], 42, 1e-12) {
		t.Errorf("fixed parameter = %g, want 42", expanded[0])
	}
}

func TestUnpackEvaluatesFormula(t *testing.T) {
	defs := []fit.ParameterDefinition{{Name: "a"}, {Name: "b"}}
	fd := newFitData(1, defs)
	fd.Parameters = []fit.FitParameter{
		{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFree},
		{ParamIndex: 1, DsIndex: -1, Kind: fit.KindFormula, Expr: sumExpr{names: []string{"a"}}},
	}
	if err := fit.InitializeParameters(fd); err != nil {
		t.Fatalf("InitializeParameters: %v", err)
	}
	fd.Packed[0] = 3

	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	if !almostEqual(expanded[1], 3, 1e-12) {
		t.Errorf("b (=a) = %g, want 3", expanded[1])
	}
}

func TestUnpackDetectsFormulaCycle(t *testing.T) {
	defs := []fit.ParameterDefinition{{Name: "a"}, {Name: "b"}}
	fd := newFitData(1, defs)
	fd.Parameters = []fit.FitParameter{
		// a = b + 1, b = a + 1: a mutually diverging pair that never
		// reaches a fixed point.
		{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFormula, Formula: "b+1", Expr: oscillatingExpr{other: "b"}},
		{ParamIndex: 1, DsIndex: -1, Kind: fit.KindFormula, Formula: "a+1", Expr: oscillatingExpr{other: "a"}},
	}

	if err := fit.InitializeParameters(fd); err != nil {
		t.Fatalf("InitializeParameters: %v", err)
	}
	expanded := make([]float64, fd.ExpandedLen())
	err := fit.UnpackParameters(fd, fd.Packed, expanded)
	if err == nil {
		t.Fatal("expected a formula-cycle error, got nil")
	}
	var rerr *fit.RuntimeError
	if !asRuntimeError(err, &rerr) {
		t.Fatalf("expected *fit.RuntimeError wrapping ErrFormulaCycle, got %v", err)
	}
}

// oscillatingExpr returns one more than whatever "other" currently holds,
// so two mutually-referencing oscillatingExprs never reach a fixed point.
type oscillatingExpr struct{ other string }

func (o oscillatingExpr) Evaluate(vars map[string]float64) (float64, error) {
	return vars[o.other] + 1, nil
}

func asRuntimeError(err error, target **fit.RuntimeError) bool {
	for err != nil {
		if re, ok := err.(*fit.RuntimeError); ok {
			*target = re
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
