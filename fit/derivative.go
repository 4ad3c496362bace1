package fit

import "math"

// EvalOptions configures one Fdf evaluation: the finite-difference step
// policy and the level of worker-pool parallelism to use for it.
type EvalOptions struct {
	// RelativeStep is the relative finite-difference step (default
	// 10^-6). A value of 0 selects the default.
	RelativeStep float64
	// Threads, when > 1 and the model is thread-safe, posts one
	// derivative job per free parameter (one per fitIndex, so a
	// per-dataset parameter gives one job per dataset) to a DerivativeQueue
	// instead of computing them serially on the calling goroutine.
	Threads int
	// WeightErrors mirrors ApplyWeights' weightErrors flag: true unless
	// the caller's engine already folds point errors in natively.
	WeightErrors bool
}

func (o EvalOptions) step() float64 {
	if o.RelativeStep > 0 {
		return o.RelativeStep
	}
	return 1e-6
}

// StepSize returns the actual perturbation used to derive a parameter
// currently at value: RelativeStep*|value|, or RelativeStep itself when
// value is zero.
func (o EvalOptions) StepSize(value float64) float64 {
	s := o.step()
	if value == 0 {
		return s
	}
	return s * math.Abs(value)
}

// Fdf is FitData's central evaluation entry point: it unpacks packed into
// a fresh ParamView, evaluates the model's residuals, fills jac with the
// jacobian (analytically, or by finite differences, optionally farmed out
// to a DerivativeQueue), and finally applies weights to both the residual
// vector and the jacobian columns.
//
// residualsOut must have length fd.TotalPoints(); on return it holds the
// *weighted* residual vector. jac may be nil when only residuals are
// needed (e.g. a trial step's fresh residual norm).
func Fdf(fd *FitData, packed []float64, residualsOut []float64, jac *SparseJacobian, opts EvalOptions, queue *DerivativeQueue) error {
	pv, err := newParamView(fd, packed, fd.Scratch)
	if err != nil {
		return err
	}

	if err := EvaluateFunction(fd, pv, residualsOut); err != nil {
		return err
	}

	if jac != nil {
		if aj, ok := fd.Model.(AnalyticJacobian); ok {
			if err := aj.ComputeAnalyticJacobian(pv, jac); err != nil {
				return err
			}
		} else if err := numericJacobian(fd, pv, residualsOut, jac, opts, queue); err != nil {
			return err
		}
	}

	ApplyWeights(fd, residualsOut, opts.WeightErrors)
	if jac != nil {
		applyJacobianWeights(fd, jac, opts.WeightErrors)
	}
	return nil
}

// applyJacobianWeights mirrors ApplyWeights onto every jacobian column, so
// that the weighted jacobian stays consistent with the weighted residual
// vector Fdf returns: weighting is applied after residual computation,
// uniformly across the model output.
func applyJacobianWeights(fd *FitData, jac *SparseJacobian, weightErrors bool) {
	for fi := 0; fi < jac.NumFreeParameters(); fi++ {
		ds := jac.ColumnDataset(fi)
		if ds == -1 {
			for d := range fd.Datasets {
				off := fd.RowOffset(d)
				n := fd.Datasets[d].RowCount()
				scaleSlice(jac.Column(fi)[off:off+n], &fd.Datasets[d], fd.WeightsPerBuffer[d], weightErrors)
			}
			continue
		}
		scaleSlice(jac.Column(fi), &fd.Datasets[ds], fd.WeightsPerBuffer[ds], weightErrors)
	}
}

func scaleSlice(data []float64, ds *Dataset, w float64, weightErrors bool) {
	for i := range data {
		data[i] *= w
		if weightErrors && ds.Sigma != nil && ds.Sigma[i] != 0 {
			data[i] /= ds.Sigma[i]
		}
	}
}

// numericJacobian implements the finite-difference loop: for
// every free parameter, perturb the packed vector at its FitIndex,
// re-evaluate, and splice the scaled difference into the jacobian. When
// threads > 1 and the model declares itself thread-safe, the loop is
// farmed out to queue instead of running on the calling goroutine.
func numericJacobian(fd *FitData, pv *ParamView, f0 []float64, jac *SparseJacobian, opts EvalOptions, queue *DerivativeQueue) error {
	if queue != nil && opts.Threads > 1 && modelThreadSafe(fd.Model) {
		return queue.Derive(fd, pv.Packed, f0, jac, opts)
	}
	scratch := make([]float64, fd.TotalPoints())
	for fi := 0; fi < jac.NumFreeParameters(); fi++ {
		if err := deriveOne(fd, pv.Packed, f0, jac, fi, opts, scratch, fd.Scratch); err != nil {
			return err
		}
	}
	return nil
}

func modelThreadSafe(m Model) bool {
	ts, ok := m.(ThreadSafer)
	return ok && ts.ThreadSafe()
}

// deriveOne perturbs a single free parameter's packed coordinate by its
// step size, evaluates the owning dataset's slice (or the full vector, for
// a global column) into scratch, and splices (scratch-f0)/step into the
// jacobian column. scratchHandle is the model scratch to attach to the
// ParamView built for the perturbed evaluation (the caller's own fd.Scratch
// on the main goroutine, or a worker-local clone inside DerivativeQueue).
func deriveOne(fd *FitData, packed []float64, f0 []float64, jac *SparseJacobian, fitIndex int, opts EvalOptions, scratch []float64, scratchHandle any) error {
	orig := packed[fitIndex]
	step := opts.StepSize(orig)
	packed[fitIndex] = orig + step
	defer func() { packed[fitIndex] = orig }()

	pv, err := newParamView(fd, packed, scratchHandle)
	if err != nil {
		return err
	}

	ds := jac.ColumnDataset(fitIndex)
	if ds == -1 {
		if err := EvaluateFunction(fd, pv, scratch); err != nil {
			return err
		}
		jac.SpliceParameter(fitIndex, scratch, f0, step)
		return nil
	}

	off := fd.RowOffset(ds)
	n := fd.Datasets[ds].RowCount()
	if dsf, ok := fd.Model.(DatasetFunctioner); ok {
		if err := dsf.FunctionForDataset(pv, ds, scratch[off:off+n]); err != nil {
			return err
		}
	} else if err := EvaluateFunction(fd, pv, scratch); err != nil {
		return err
	}
	jac.SpliceParameter(fitIndex, scratch[off:off+n], f0[off:off+n], step)
	return nil
}
