package engine_test

import (
	"math"
	"testing"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// linearModel is y = slope*x + intercept, a minimal two-parameter Model
// used to exercise the engine without any workspace/session machinery.
type linearModel struct{}

func (linearModel) Parameters(fd *fit.FitData) ([]fit.ParameterDefinition, error) {
	return []fit.ParameterDefinition{{Name: "slope"}, {Name: "intercept"}}, nil
}

func (linearModel) InitialGuess(fd *fit.FitData, expanded []float64) error {
	n := fd.NumDatasets()
	for d := 0; d < n; d++ {
		expanded[0*n+d] = 0
		expanded[1*n+d] = 0
	}
	return nil
}

func (linearModel) Function(pv *fit.ParamView, residuals []float64) error {
	slope := pv.ValueByName("slope", 0)
	intercept := pv.ValueByName("intercept", 0)
	off := 0
	for d := 0; d < pv.NumDatasets(); d++ {
		ds := pv.Dataset(d)
		for i, x := range ds.X {
			residuals[off+i] = (slope*x + intercept) - ds.Y[i]
		}
		off += ds.RowCount()
	}
	return nil
}

func buildLinearFitData(slope, intercept float64, n int) *fit.FitData {
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i)
		y[i] = slope*x[i] + intercept
	}
	fd := &fit.FitData{
		Model:    linearModel{},
		Datasets: []fit.Dataset{{Label: "line", X: x, Y: y}},
	}
	fd.RecomputeOffsets()
	defs, _ := fd.Model.Parameters(fd)
	fd.Definitions = defs
	fd.WeightsPerBuffer = []float64{1}
	fd.Parameters = []fit.FitParameter{
		{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFree},
		{ParamIndex: 1, DsIndex: -1, Kind: fit.KindFree},
	}
	_ = fit.InitializeParameters(fd)
	expanded := make([]float64, fd.ExpandedLen())
	_ = fd.Model.InitialGuess(fd, expanded)
	fit.PackParameters(fd, expanded, fd.Packed)
	return fd
}

func TestLinearModelConverges(t *testing.T) {
	fd := buildLinearFitData(2.5, -1.5, 20)
	res := engine.Run(fd, engine.DefaultConfig(), fd.Packed, nil, nil, nil)
	if res.Err != nil {
		t.Fatalf("Run: %v", res.Err)
	}
	if res.Reason != engine.Converged {
		t.Fatalf("Reason = %v, want Converged", res.Reason)
	}
	if !almostEqual(res.FinalPacked[0], 2.5, 1e-4) {
		t.Errorf("slope = %g, want 2.5", res.FinalPacked[0])
	}
	if !almostEqual(res.FinalPacked[1], -1.5, 1e-4) {
		t.Errorf("intercept = %g, want -1.5", res.FinalPacked[1])
	}
}

func TestRerunningOnConvergedFitIsIdempotent(t *testing.T) {
	fd := buildLinearFitData(3, 1, 15)
	first := engine.Run(fd, engine.DefaultConfig(), fd.Packed, nil, nil, nil)
	if first.Reason != engine.Converged {
		t.Fatalf("first run Reason = %v, want Converged", first.Reason)
	}

	second := engine.Run(fd, engine.DefaultConfig(), first.FinalPacked, nil, nil, nil)
	if second.Reason != engine.Converged {
		t.Fatalf("second run Reason = %v, want Converged", second.Reason)
	}
	if second.Iterations > 1 {
		t.Errorf("re-running from a converged point took %d iterations, want <=1", second.Iterations)
	}
	for i := range first.FinalPacked {
		if !almostEqual(first.FinalPacked[i], second.FinalPacked[i], 1e-6) {
			t.Errorf("param %d drifted on re-run: %g -> %g", i, first.FinalPacked[i], second.FinalPacked[i])
		}
	}
}

// cancelAfterFirst implements engine.Canceller, cancelling the run as soon
// as it is polled so TestCancellationStopsTheRun can verify the loop
// actually observes the flag instead of running to completion.
type cancelAfterFirst struct{ fired bool }

func (c *cancelAfterFirst) Cancelled() bool {
	c.fired = true
	return true
}

func TestCancellationStopsTheRun(t *testing.T) {
	fd := buildLinearFitData(2, 0, 10)
	c := &cancelAfterFirst{}
	res := engine.Run(fd, engine.DefaultConfig(), fd.Packed, nil, nil, c)
	if !c.fired {
		t.Fatal("Canceller was never polled")
	}
	if res.Reason != engine.Cancelled {
		t.Fatalf("Reason = %v, want Cancelled", res.Reason)
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0 (cancelled before the first trial)", res.Iterations)
	}
}

func TestNoFreeParametersConvergesImmediately(t *testing.T) {
	fd := buildLinearFitData(1, 1, 5)
	fd.Parameters = []fit.FitParameter{
		{ParamIndex: 0, DsIndex: -1, Kind: fit.KindFixed, Value: 1},
		{ParamIndex: 1, DsIndex: -1, Kind: fit.KindFixed, Value: 1},
	}
	_ = fit.InitializeParameters(fd)

	res := engine.Run(fd, engine.DefaultConfig(), fd.Packed, nil, nil, nil)
	if res.Reason != engine.Converged {
		t.Fatalf("Reason = %v, want Converged", res.Reason)
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
}
