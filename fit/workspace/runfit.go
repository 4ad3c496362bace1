package workspace

import (
	"errors"
	"math"
	"time"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/trajectory"
)

// RunFit drives one fit to convergence (or failure), appends exactly one
// FitTrajectory record and returns it. On a RuntimeError or InternalError,
// fd.Packed is rolled back to its pre-run value; on Cancelled, fd.Packed
// keeps whatever value the engine last accepted.
func (w *FitWorkspace) RunFit() (*trajectory.FitTrajectory, error) {
	fd := w.FD
	start := time.Now()

	w.backupPacked = append([]float64(nil), fd.Packed...)
	initialExpanded := w.expandedSnapshot()

	if w.throwNext.Swap(false) {
		rec := w.recordException(start, initialExpanded, &fit.InternalError{Detail: "evaluation aborted by explicit throw flag"})
		w.Trajectories.Append(rec)
		return rec, nil
	}

	w.Reporter.Statusf("Starting fit %s: %d free parameters, %d datasets, %d points",
		fd.EngineFactory, fd.FreeParameters, fd.NumDatasets(), fd.TotalPoints())

	var result *engine.Result
	if canSubdivide(fd) {
		result = w.runSubdivided()
	} else {
		var queue *fit.DerivativeQueue
		if w.Opts.Threads > 1 {
			queue = w.queue
		}
		result = w.engineRunner()(fd, w.Opts.Engine, fd.Packed, queue, w.Reporter, w)
	}

	rec := w.buildRecord(start, initialExpanded, result)
	w.Trajectories.Append(rec)
	w.Reporter.Statusf("Fit ended: %s, residuals=%g, %d iterations, %d evaluations",
		rec.Ending, rec.OverallResidual, rec.Iterations, rec.Evaluations)

	switch result.Reason {
	case engine.Converged, engine.TimeOut:
		copy(fd.Packed, result.FinalPacked)
		w.ensureJacobian(result)
		w.computeCovariance(result)
		if w.StdErrors != nil {
			rec.ParameterErrors = append([]float64(nil), w.StdErrors...)
		}
	case engine.Cancelled:
		copy(fd.Packed, result.FinalPacked)
	default: // Error, Exception, ConvergenceError: roll back
		copy(fd.Packed, w.backupPacked)
		return rec, result.Err
	}
	return rec, nil
}

// ensureJacobian recomputes residuals and jacobian at the final point
// when the run produced none: the subdivided path assembles per-dataset
// results and cannot keep each subordinate's jacobian, whose columns
// index the subordinate FitData rather than this one.
func (w *FitWorkspace) ensureJacobian(result *engine.Result) {
	fd := w.FD
	if result.Jacobian != nil || fd.FreeParameters == 0 || result.FinalPacked == nil {
		return
	}
	jac := fit.NewSparseJacobian(fd)
	r := make([]float64, fd.TotalPoints())
	opts := fit.EvalOptions{
		RelativeStep: w.Opts.Engine.RelativeStep,
		Threads:      w.Opts.Threads,
		WeightErrors: w.Opts.Engine.WeightErrors,
	}
	if err := fit.Fdf(fd, result.FinalPacked, r, jac, opts, w.queue); err != nil {
		return
	}
	result.Jacobian = jac
	result.Residuals = r
}

// engineRunner resolves the session's engine from the registry, falling
// back to the default Levenberg-Marquardt implementation for a name
// nothing registered.
func (w *FitWorkspace) engineRunner() engine.Runner {
	if r, ok := engine.Lookup(w.FD.EngineFactory); ok {
		return r
	}
	return engine.Run
}

func (w *FitWorkspace) expandedSnapshot() []float64 {
	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	_ = fit.UnpackParameters(fd, fd.Packed, expanded)
	return expanded
}

func (w *FitWorkspace) recordException(start time.Time, initial []float64, err error) *trajectory.FitTrajectory {
	return &trajectory.FitTrajectory{
		StartTime:         start,
		EndTime:           time.Now(),
		EngineName:        w.FD.EngineFactory,
		InitialParameters: initial,
		FinalParameters:   initial,
		Weights:           append([]float64(nil), w.FD.WeightsPerBuffer...),
		Ending:            trajectory.Exception,
		Unknown:           map[string]string{"error": err.Error()},
	}
}

func (w *FitWorkspace) buildRecord(start time.Time, initial []float64, result *engine.Result) *trajectory.FitTrajectory {
	fd := w.FD
	final := make([]float64, fd.ExpandedLen())
	if result.FinalPacked != nil {
		_ = fit.UnpackParameters(fd, result.FinalPacked, final)
	} else {
		copy(final, initial)
	}

	rec := &trajectory.FitTrajectory{
		StartTime:         start,
		EndTime:           time.Now(),
		EngineName:        fd.EngineFactory,
		InitialParameters: initial,
		FinalParameters:   final,
		Weights:           append([]float64(nil), fd.WeightsPerBuffer...),
		Iterations:        result.Iterations,
		Evaluations:       result.Evaluations,
		Delta:             result.Delta,
		Ending:            endReasonOf(result.Reason),
	}
	if result.Err != nil {
		rec.Unknown = map[string]string{"error": result.Err.Error()}
		var ie *fit.InternalError
		if errors.As(result.Err, &ie) {
			rec.Ending = trajectory.Exception
		}
	}

	if result.Residuals != nil {
		rec.InternalResidual = sumSquares(result.Residuals)
		rec.PointResiduals = make([]float64, fd.NumDatasets())
		rec.RelativeResiduals = make([]float64, fd.NumDatasets())
		raw := make([]float64, fd.TotalPoints())
		if result.FinalPacked != nil {
			_ = fit.EvaluateRaw(fd, result.FinalPacked, raw)
		}
		var overallNum, overallDen, overallRelNum, overallRelDen float64
		for i, ds := range fd.Datasets {
			off := fd.RowOffset(i)
			slice := raw[off : off+ds.RowCount()]
			rec.PointResiduals[i] = fit.PointResidual(&fd.Datasets[i], slice)
			rec.RelativeResiduals[i] = fit.RelativeResidual(&fd.Datasets[i], slice)
			for _, v := range slice {
				overallNum += v * v
			}
			overallDen += float64(len(slice))
			for k, v := range slice {
				overallRelNum += v * v
				overallRelDen += ds.Y[k] * ds.Y[k]
			}
		}
		if overallDen > 0 {
			rec.OverallResidual = sqrtNonNeg(overallNum / overallDen)
		}
		if overallRelDen > 0 {
			rec.OverallRelativeResidual = sqrtNonNeg(overallRelNum / overallRelDen)
		}
	}
	return rec
}

func endReasonOf(r engine.EndReason) trajectory.EndReason {
	switch r {
	case engine.Converged:
		return trajectory.Converged
	case engine.Cancelled:
		return trajectory.Cancelled
	case engine.TimeOut:
		return trajectory.TimeOut
	case engine.Error:
		return trajectory.Error
	case engine.Exception:
		return trajectory.Exception
	case engine.ConvergenceError:
		return trajectory.ConvergenceError
	default:
		return trajectory.Error
	}
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}

func sqrtNonNeg(v float64) float64 {
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}
