// Package expfit implements a multi-exponential decay model: one or more
// exponential phases relaxing toward an asymptote, with optional slow
// linear drift and overall film-loss damping.
package expfit

import (
	"fmt"
	"math"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
)

// Model fits y(x) = (A_inf + scale*(sum_j A_j*exp(-(x-x0)/tau_j) + slow*(x-x0)))
// * exp(-(x-x0)*kloss), where scale is 1 for absolute amplitudes and A_inf
// for relative ones. Exponentials, SlowPhase and FilmLoss are fixed at
// construction time, mirroring the source's fitHardOptions (a change to
// any of them changes the declared parameter list, so it cannot be a plain
// fit parameter).
type Model struct {
	// Exponentials is the number of decaying phases, at least 1.
	Exponentials int
	// Absolute selects whether each phase's amplitude A_j is an absolute
	// signal contribution (true) or a fraction of A_inf (false, naming
	// the parameter alpha_j instead).
	Absolute bool
	// SlowPhase adds a "slow" linear-in-x drift term alongside the
	// exponential phases.
	SlowPhase bool
	// FilmLoss multiplies the whole signal by exp(-(x-x0)*kloss), an
	// overall exponential loss independent of the individual phases.
	FilmLoss bool
}

func (m *Model) tauName(j int) string { return fmt.Sprintf("tau_%d", j+1) }

func (m *Model) ampName(j int) string {
	if m.Absolute {
		return fmt.Sprintf("A_%d", j+1)
	}
	return fmt.Sprintf("alpha_%d", j+1)
}

// Parameters declares x0 (per dataset), A_inf, one tau/amplitude pair per
// phase, and the optional slow/kloss parameters, in the same order the
// source lists them.
func (m *Model) Parameters(fd *fit.FitData) ([]fit.ParameterDefinition, error) {
	if m.Exponentials < 1 {
		return nil, &fit.RuntimeError{Op: "expfit.Parameters", Err: fmt.Errorf("exponentials must be >= 1, got %d", m.Exponentials)}
	}
	defs := []fit.ParameterDefinition{
		{Name: "x0", CanBePerDataset: true},
		{Name: "A_inf"},
	}
	for j := 0; j < m.Exponentials; j++ {
		defs = append(defs, fit.ParameterDefinition{Name: m.tauName(j)}, fit.ParameterDefinition{Name: m.ampName(j)})
	}
	if m.SlowPhase {
		defs = append(defs, fit.ParameterDefinition{Name: "slow"})
	}
	if m.FilmLoss {
		defs = append(defs, fit.ParameterDefinition{Name: "kloss"})
	}
	return defs, nil
}

// InitialGuess follows the source's heuristic: x0 at the dataset's first
// abscissa, A_inf at the last ordinate, and each phase's time constant
// spread geometrically (tau_j = delta_x/3^(N-j)) with the remaining
// amplitude split evenly between phases.
func (m *Model) InitialGuess(fd *fit.FitData, expanded []float64) error {
	defs, err := m.Parameters(fd)
	if err != nil {
		return err
	}
	idx := indexByName(defs)
	nd := fd.NumDatasets()

	for ds := 0; ds < nd; ds++ {
		dataset := fd.Datasets[ds]
		if dataset.RowCount() < 2 {
			return &fit.RuntimeError{Op: "expfit.InitialGuess", Err: fmt.Errorf("dataset %d has fewer than 2 points", ds)}
		}
		x0 := dataset.X[0]
		aInf := dataset.Y[len(dataset.Y)-1]
		deltaX := math.Abs(dataset.X[len(dataset.X)-1] - dataset.X[0])
		deltaY := dataset.Y[0] - dataset.Y[len(dataset.Y)-1]

		expanded[idx["x0"]*nd+ds] = x0
		expanded[idx["A_inf"]*nd+ds] = aInf

		for j := 0; j < m.Exponentials; j++ {
			tau := deltaX / math.Pow(3, float64(m.Exponentials-j))
			expanded[idx[m.tauName(j)]*nd+ds] = tau
			if m.Absolute {
				expanded[idx[m.ampName(j)]*nd+ds] = deltaY / float64(m.Exponentials)
			} else {
				expanded[idx[m.ampName(j)]*nd+ds] = deltaY / (float64(m.Exponentials) * aInf)
			}
		}
		if m.SlowPhase {
			scale := aInf
			if m.Absolute {
				scale = 1
			}
			expanded[idx["slow"]*nd+ds] = 0.2 * deltaY / deltaX / scale
		}
		if m.FilmLoss {
			expanded[idx["kloss"]*nd+ds] = 0.03 / deltaX
		}
	}
	return nil
}

// FunctionForDataset implements fit.DatasetFunctioner.
func (m *Model) FunctionForDataset(pv *fit.ParamView, ds int, residuals []float64) error {
	dataset := pv.Dataset(ds)
	p, err := m.pointParams(pv, ds)
	if err != nil {
		return err
	}
	for i, xi := range dataset.X {
		residuals[i] = p.total(xi) - dataset.Y[i]
	}
	return nil
}

// Function implements fit.Model by delegating to FunctionForDataset for
// every dataset, in case a caller invokes it directly rather than through
// fit.EvaluateFunction.
func (m *Model) Function(pv *fit.ParamView, residuals []float64) error {
	for ds := 0; ds < pv.NumDatasets(); ds++ {
		off := pv.RowOffset(ds)
		n := pv.Dataset(ds).RowCount()
		if err := m.FunctionForDataset(pv, ds, residuals[off:off+n]); err != nil {
			return err
		}
	}
	return nil
}

// HasSubFunctions implements fit.SubFunctioner: individual phases are
// reported separately only when there is more than one, matching the
// source's hasSubFunctions().
func (m *Model) HasSubFunctions() bool { return m.Exponentials > 1 }

// ComputeSubFunctions returns, for every dataset, one curve per
// exponential phase (amplitude*exp(-(x-x0)/tau) plus the shared A_inf
// offset), for display only.
func (m *Model) ComputeSubFunctions(pv *fit.ParamView) ([][]float64, error) {
	out := make([][]float64, m.Exponentials)
	for j := range out {
		out[j] = make([]float64, 0, pv.NumDatasets())
	}
	for ds := 0; ds < pv.NumDatasets(); ds++ {
		dataset := pv.Dataset(ds)
		p, err := m.pointParams(pv, ds)
		if err != nil {
			return nil, err
		}
		for j := 0; j < m.Exponentials; j++ {
			for _, xi := range dataset.X {
				x := xi - p.x0
				ph := p.amps[j] * math.Exp(-x/p.taus[j])
				if !m.Absolute {
					ph *= p.aInf
				}
				out[j] = append(out[j], ph+p.aInf)
			}
		}
	}
	return out, nil
}

// ThreadSafe implements fit.ThreadSafer: Model holds no mutable state, so
// concurrent derivative evaluations are safe.
func (m *Model) ThreadSafe() bool { return true }

// ComputeAnalyticJacobian implements fit.AnalyticJacobian, filling every
// free parameter's column with the closed-form partial derivative of the
// model function, derived from the same decomposition pointParams/total
// uses.
func (m *Model) ComputeAnalyticJacobian(pv *fit.ParamView, jac *fit.SparseJacobian) error {
	defs := pv.Definitions()
	idx := indexByName(defs)

	for ds := 0; ds < pv.NumDatasets(); ds++ {
		if err := m.fillDatasetJacobian(pv, jac, ds, idx); err != nil {
			return err
		}
	}
	return nil
}

// pointParamSet holds one dataset's current expanded parameter values,
// read once per evaluation rather than re-resolved by name per point.
type pointParamSet struct {
	x0            float64
	aInf          float64
	taus          []float64
	amps          []float64
	slow          float64
	kloss         float64
	hasSlow       bool
	hasLoss       bool
	ampIsAbsolute bool
}

func (p *pointParamSet) total(x float64) float64 {
	dx := x - p.x0
	s := 0.0
	for j := range p.taus {
		s += p.amps[j] * math.Exp(-dx/p.taus[j])
	}
	base := s
	if p.hasSlow {
		base += p.slow * dx
	}
	scale := 1.0
	if !p.absolute() {
		scale = p.aInf
	}
	val := scale*base + p.aInf
	if p.hasLoss {
		val *= math.Exp(-dx * p.kloss)
	}
	return val
}

func (p *pointParamSet) absolute() bool { return p.ampIsAbsolute }

func (m *Model) pointParams(pv *fit.ParamView, ds int) (*pointParamSet, error) {
	p := &pointParamSet{
		x0:      pv.ValueByName("x0", ds),
		aInf:    pv.ValueByName("A_inf", ds),
		taus:    make([]float64, m.Exponentials),
		amps:    make([]float64, m.Exponentials),
		hasSlow: m.SlowPhase,
		hasLoss: m.FilmLoss,
	}
	for j := 0; j < m.Exponentials; j++ {
		p.taus[j] = pv.ValueByName(m.tauName(j), ds)
		if p.taus[j] < 0 {
			return nil, &fit.RangeError{Param: m.tauName(j), Cause: fmt.Errorf("negative time constant")}
		}
		p.amps[j] = pv.ValueByName(m.ampName(j), ds)
	}
	if m.SlowPhase {
		p.slow = pv.ValueByName("slow", ds)
	}
	if m.FilmLoss {
		p.kloss = pv.ValueByName("kloss", ds)
	}
	p.ampIsAbsolute = m.Absolute
	return p, nil
}

func (m *Model) fillDatasetJacobian(pv *fit.ParamView, jac *fit.SparseJacobian, ds int, idx map[string]int) error {
	dataset := pv.Dataset(ds)
	n := dataset.RowCount()
	p, err := m.pointParams(pv, ds)
	if err != nil {
		return err
	}

	scaleFactor := 1.0
	if !m.Absolute {
		scaleFactor = p.aInf
	}

	xs := make([]float64, n)
	expTerms := make([][]float64, m.Exponentials)
	for j := range expTerms {
		expTerms[j] = make([]float64, n)
	}
	baseBeforeScale := make([]float64, n)
	base := make([]float64, n)
	lv := make([]float64, n)
	dSdx := make([]float64, n)

	for i, xi := range dataset.X {
		x := xi - p.x0
		xs[i] = x
		var s, dsdx float64
		for j := 0; j < m.Exponentials; j++ {
			e := math.Exp(-x / p.taus[j])
			expTerms[j][i] = e
			s += p.amps[j] * e
			dsdx += p.amps[j] * (-1 / p.taus[j]) * e
		}
		dSdx[i] = dsdx
		bbs := s
		if m.SlowPhase {
			bbs += p.slow * x
		}
		baseBeforeScale[i] = bbs
		b := scaleFactor*bbs + p.aInf
		base[i] = b
		l := 1.0
		if m.FilmLoss {
			l = math.Exp(-x * p.kloss)
		}
		lv[i] = l
	}

	fill := func(name string, values func(i int) float64) {
		paramIdx, ok := idx[name]
		if !ok {
			return
		}
		var col []float64
		if local := jac.ParameterVectorForDataset(paramIdx, ds); local != nil {
			col = local
		} else if global := jac.ParameterVector(paramIdx); global != nil {
			off := pv.RowOffset(ds)
			col = global[off : off+n]
		} else {
			return
		}
		for i := 0; i < n; i++ {
			col[i] = values(i)
		}
	}

	fill("x0", func(i int) float64 {
		dbaseDx := scaleFactor * dSdx[i]
		if m.SlowPhase {
			dbaseDx += scaleFactor * p.slow
		}
		dLdx := 0.0
		if m.FilmLoss {
			dLdx = -p.kloss * lv[i]
		}
		dTargetDx := dbaseDx*lv[i] + base[i]*dLdx
		return -dTargetDx
	})
	fill("A_inf", func(i int) float64 {
		if m.Absolute {
			return lv[i]
		}
		return lv[i] * (baseBeforeScale[i] + 1)
	})
	for j := 0; j < m.Exponentials; j++ {
		jj := j
		fill(m.tauName(jj), func(i int) float64 {
			return lv[i] * scaleFactor * p.amps[jj] * expTerms[jj][i] * (xs[i] / (p.taus[jj] * p.taus[jj]))
		})
		fill(m.ampName(jj), func(i int) float64 {
			return lv[i] * scaleFactor * expTerms[jj][i]
		})
	}
	if m.SlowPhase {
		fill("slow", func(i int) float64 {
			return lv[i] * scaleFactor * xs[i]
		})
	}
	if m.FilmLoss {
		fill("kloss", func(i int) float64 {
			return -xs[i] * base[i] * lv[i]
		})
	}
	return nil
}

func indexByName(defs []fit.ParameterDefinition) map[string]int {
	m := make(map[string]int, len(defs))
	for i, d := range defs {
		m[d.Name] = i
	}
	return m
}
