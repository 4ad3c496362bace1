package workspace_test

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/workspace"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// linearModel is y = rate*x + offset, with both declared parameters
// allowed to vary per dataset, used to exercise FitWorkspace's session
// orchestration (binding changes, trajectories, parameter files)
// independently of any particular domain model.
type linearModel struct{}

func (linearModel) Parameters(fd *fit.FitData) ([]fit.ParameterDefinition, error) {
	return []fit.ParameterDefinition{
		{Name: "rate", CanBePerDataset: true},
		{Name: "offset", CanBePerDataset: true},
	}, nil
}

func (linearModel) InitialGuess(fd *fit.FitData, expanded []float64) error {
	for i := range expanded {
		expanded[i] = 0
	}
	return nil
}

func (linearModel) FunctionForDataset(pv *fit.ParamView, ds int, residuals []float64) error {
	rate := pv.ValueByName("rate", ds)
	offset := pv.ValueByName("offset", ds)
	d := pv.Dataset(ds)
	for i, x := range d.X {
		residuals[i] = (rate*x + offset) - d.Y[i]
	}
	return nil
}

func (m linearModel) Function(pv *fit.ParamView, residuals []float64) error {
	off := 0
	for ds := 0; ds < pv.NumDatasets(); ds++ {
		n := pv.Dataset(ds).RowCount()
		if err := m.FunctionForDataset(pv, ds, residuals[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func lineDataset(label string, rate, offset float64, n int) fit.Dataset {
	x := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = float64(i)
		y[i] = rate*x[i] + offset
	}
	return fit.Dataset{Label: label, X: x, Y: y}
}

// offsetTiedToRate ties offset = rate + delta, for the formula-chain test.
type offsetTiedToRate struct{ delta float64 }

func (o offsetTiedToRate) Evaluate(vars map[string]float64) (float64, error) {
	return vars["rate"] + o.delta, nil
}

func newTwoDatasetWorkspace(t *testing.T) *workspace.FitWorkspace {
	t.Helper()
	datasets := []fit.Dataset{
		lineDataset("a", 2, 1, 12),
		lineDataset("b", 2, 5, 12),
	}
	w, err := workspace.New(linearModel{}, datasets, workspace.Options{Engine: engine.DefaultConfig()})
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	return w
}

func TestSharedRateWithPerDatasetOffset(t *testing.T) {
	w := newTwoDatasetWorkspace(t)
	defer w.Close()

	if err := w.SetPerDataset("offset", []float64{0, 0}); err != nil {
		t.Fatalf("SetPerDataset: %v", err)
	}

	rec, err := w.RunFit()
	if err != nil {
		t.Fatalf("RunFit: %v", err)
	}
	if rec.Ending.String() != "Converged" {
		t.Fatalf("ending = %s, want Converged", rec.Ending)
	}

	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	rateIdx, offsetIdx := 0, 1
	rateA := expanded[rateIdx*fd.NumDatasets()+0]
	rateB := expanded[rateIdx*fd.NumDatasets()+1]
	offsetA := expanded[offsetIdx*fd.NumDatasets()+0]
	offsetB := expanded[offsetIdx*fd.NumDatasets()+1]

	if !almostEqual(rateA, rateB, 1e-9) {
		t.Errorf("shared rate diverged across datasets: %g vs %g", rateA, rateB)
	}
	if !almostEqual(rateA, 2, 1e-3) {
		t.Errorf("rate = %g, want 2", rateA)
	}
	if !almostEqual(offsetA, 1, 1e-3) {
		t.Errorf("offset[a] = %g, want 1", offsetA)
	}
	if !almostEqual(offsetB, 5, 1e-3) {
		t.Errorf("offset[b] = %g, want 5", offsetB)
	}
}

func TestFixedParameterSurvivesFit(t *testing.T) {
	w := newTwoDatasetWorkspace(t)
	defer w.Close()

	if err := w.SetFixed("rate", -1, 2); err != nil {
		t.Fatalf("SetFixed: %v", err)
	}
	if err := w.SetPerDataset("offset", []float64{0, 0}); err != nil {
		t.Fatalf("SetPerDataset: %v", err)
	}

	rec, err := w.RunFit()
	if err != nil {
		t.Fatalf("RunFit: %v", err)
	}
	if rec.Ending.String() != "Converged" {
		t.Fatalf("ending = %s, want Converged", rec.Ending)
	}
	if len(w.Trajectories.Records) != 1 {
		t.Fatalf("expected exactly one trajectory record, got %d", len(w.Trajectories.Records))
	}

	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	if !almostEqual(expanded[0], 2, 1e-12) {
		t.Errorf("fixed rate drifted to %g, want exactly 2", expanded[0])
	}
}

func TestFormulaTiedOffsetFollowsRate(t *testing.T) {
	datasets := []fit.Dataset{lineDataset("a", 4, 7, 15)}
	w, err := workspace.New(linearModel{}, datasets, workspace.Options{Engine: engine.DefaultConfig()})
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	defer w.Close()

	if err := w.SetFormula("offset", -1, "rate+3", offsetTiedToRate{delta: 3}); err != nil {
		t.Fatalf("SetFormula: %v", err)
	}

	rec, err := w.RunFit()
	if err != nil {
		t.Fatalf("RunFit: %v", err)
	}
	if rec.Ending.String() != "Converged" {
		t.Fatalf("ending = %s, want Converged", rec.Ending)
	}

	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	rate := expanded[0]
	offset := expanded[1]
	if !almostEqual(rate, 4, 1e-3) {
		t.Errorf("rate = %g, want 4", rate)
	}
	if !almostEqual(offset, rate+3, 1e-9) {
		t.Errorf("offset = %g, want rate+3 = %g", offset, rate+3)
	}
}

func TestCancelStopsBeforeFirstIteration(t *testing.T) {
	w := newTwoDatasetWorkspace(t)
	defer w.Close()
	w.Cancel()

	rec, err := w.RunFit()
	if err != nil {
		t.Fatalf("RunFit: %v", err)
	}
	if rec.Ending.String() != "Cancelled" {
		t.Fatalf("ending = %s, want Cancelled", rec.Ending)
	}
}

func TestReadParametersCollectsDiagnosticsAndContinues(t *testing.T) {
	w := newTwoDatasetWorkspace(t)
	defer w.Close()

	// Four bad lines (out-of-range dataset, unbindable alias, unknown
	// parameter, unparseable line), then one good one. Every bad line
	// must land in the diagnostics; the good line must still apply.
	contents := "rate[#99]\t5!\n" +
		"offset\t$nope[#0]\n" +
		"bogus\t1\n" +
		"junk\n" +
		"offset\t2.5\n"

	diags, err := w.ReadParameters(strings.NewReader(contents))
	if err != nil {
		t.Fatalf("ReadParameters: %v (bad lines must not abort the load)", err)
	}
	if len(diags.Lines) != 4 {
		t.Fatalf("len(diags.Lines) = %d, want 4: %v", len(diags.Lines), diags.Lines)
	}

	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		t.Fatalf("UnpackParameters: %v", err)
	}
	if !almostEqual(expanded[1*fd.NumDatasets()+0], 2.5, 1e-12) {
		t.Errorf("offset = %g, want 2.5 (the valid line after the bad ones)", expanded[1*fd.NumDatasets()+0])
	}
}

func TestParameterFileRoundTrip(t *testing.T) {
	w := newTwoDatasetWorkspace(t)
	defer w.Close()

	if err := w.SetFixed("rate", -1, 2); err != nil {
		t.Fatalf("SetFixed: %v", err)
	}
	if err := w.SetPerDataset("offset", []float64{1, 5}); err != nil {
		t.Fatalf("SetPerDataset: %v", err)
	}
	if err := w.SetWeight(1, 0.5); err != nil {
		t.Fatalf("SetWeight: %v", err)
	}
	w.FD.Datasets[0].Z = 3.25

	var buf bytes.Buffer
	if err := w.WriteParameters(&buf); err != nil {
		t.Fatalf("WriteParameters: %v", err)
	}

	w2 := newTwoDatasetWorkspace(t)
	defer w2.Close()
	diags, err := w2.ReadParameters(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadParameters: %v", err)
	}
	if len(diags.Lines) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags.Lines)
	}

	fd1, fd2 := w.FD, w2.FD
	e1 := make([]float64, fd1.ExpandedLen())
	e2 := make([]float64, fd2.ExpandedLen())
	if err := fit.UnpackParameters(fd1, fd1.Packed, e1); err != nil {
		t.Fatalf("UnpackParameters w: %v", err)
	}
	if err := fit.UnpackParameters(fd2, fd2.Packed, e2); err != nil {
		t.Fatalf("UnpackParameters w2: %v", err)
	}
	for i := range e1 {
		if !almostEqual(e1[i], e2[i], 1e-9) {
			t.Errorf("expanded[%d] = %g after round trip, want %g", i, e2[i], e1[i])
		}
	}
	for i := range fd1.WeightsPerBuffer {
		if !almostEqual(fd1.WeightsPerBuffer[i], fd2.WeightsPerBuffer[i], 1e-12) {
			t.Errorf("weight[%d] = %g, want %g", i, fd2.WeightsPerBuffer[i], fd1.WeightsPerBuffer[i])
		}
	}
	if !almostEqual(fd1.Datasets[0].Z, fd2.Datasets[0].Z, 1e-12) {
		t.Errorf("Z[0] = %g, want %g", fd2.Datasets[0].Z, fd1.Datasets[0].Z)
	}
}
