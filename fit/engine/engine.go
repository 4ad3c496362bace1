// Package engine implements FitEngine, the damped Levenberg-Marquardt
// driver, using fit/abd.ABDMatrix as its block-sparse normal-matrix
// solver.
package engine

import (
	"errors"
	"math"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/abd"
)

// EndReason is why a fit run stopped, mirroring FitTrajectory's ending
// enum.
type EndReason int

const (
	Converged EndReason = iota
	Cancelled
	TimeOut
	Error
	Exception
	ConvergenceError
)

func (r EndReason) String() string {
	switch r {
	case Converged:
		return "Converged"
	case Cancelled:
		return "Cancelled"
	case TimeOut:
		return "TimeOut"
	case Error:
		return "Error"
	case Exception:
		return "Exception"
	case ConvergenceError:
		return "ConvergenceError"
	default:
		return "Unknown"
	}
}

// Canceller reports a cooperative cancellation flag that must be polled
// between iterations. FitWorkspace implements it; a nil
// Canceller means "never cancelled".
type Canceller interface {
	Cancelled() bool
}

// Result is everything FitWorkspace needs after Run returns: the final
// packed parameters, the residual vector and jacobian at that point (for
// covariance), and the bookkeeping a FitTrajectory record wants.
type Result struct {
	FinalPacked []float64
	Residuals   []float64
	Jacobian    *fit.SparseJacobian
	Iterations  int
	Evaluations int
	Delta       float64
	Reason      EndReason
	Err         error
}

// Run drives fd to convergence (or failure) using the damped
// Levenberg-Marquardt iteration. initialPacked is the
// starting free-parameter vector (typically fd.Packed right after
// PackParameters); Run does not mutate fd.Packed itself, leaving that to
// the caller once it has decided what to do with the result.
func Run(fd *fit.FitData, cfg Config, initialPacked []float64, queue *fit.DerivativeQueue, reporter fit.Reporter, cancel Canceller) *Result {
	if reporter == nil {
		reporter = fit.NopReporter{}
	}
	opts := fit.EvalOptions{RelativeStep: cfg.RelativeStep, Threads: cfg.Threads, WeightErrors: cfg.WeightErrors}

	evaluations := 0
	curPacked := append([]float64(nil), initialPacked...)
	curR := make([]float64, fd.TotalPoints())
	curJac := fit.NewSparseJacobian(fd)

	if err := fit.Fdf(fd, curPacked, curR, curJac, opts, queue); err != nil {
		return &Result{FinalPacked: curPacked, Reason: Error, Err: err, Evaluations: 1}
	}
	evaluations++
	R := sumSquares(curR)

	if fd.FreeParameters == 0 {
		reporter.Statusf("fit has no free parameters, nothing to optimize")
		return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Converged, Iterations: 0, Evaluations: evaluations}
	}

	lambda := cfg.Lambda0
	successCount := 0

	for iter := 0; iter < cfg.IterationLimit; iter++ {
		if cancel != nil && cancel.Cancelled() {
			return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Cancelled, Iterations: iter, Evaluations: evaluations}
		}
		reporter.IterationStart(iter)
		if fd.DebugLevel > 0 {
			reporter.Statusf("  lambda=%g, residual norm=%g", lambda, math.Sqrt(R))
		}

		scaledJac := curJac
		var scales []float64
		if cfg.ScaleByMagnitude {
			scales = columnScales(curJac, fd.NumDatasets(), cfg.GlobalScalingOrder)
			// Scale a copy, so that curJac stays unscaled for every exit below.
			scaledJac = fit.NewSparseJacobian(fd)
			for fi := 0; fi < scaledJac.NumFreeParameters(); fi++ {
				copy(scaledJac.Column(fi), curJac.Column(fi))
			}
			applyScales(scaledJac, scales)
		}

		jTj, layout := BuildNormalMatrix(fd, scaledJac)
		g := make([]float64, fd.FreeParameters)
		scaledJac.Gradient(curR, g)

		maxTries := cfg.MaxTries
		if iter == 0 {
			maxTries = cfg.MaxTriesFirstIteration
		}

		var acceptedPacked, acceptedR []float64
		var newR float64
		accepted := false

		for tries := 0; !accepted; tries++ {
			if tries >= maxTries {
				return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: ConvergenceError, Iterations: iter, Evaluations: evaluations,
					Err: &fit.RuntimeError{Op: "lm-trial", Err: errors.New("exceeded maximum number of rejected trial steps")}}
			}

			deltaLo, errLo := solveDelta(jTj, layout, g, lambda, scales)
			deltaHi, errHi := solveDelta(jTj, layout, g, lambda/cfg.Scale, scales)
			if errLo != nil || errHi != nil {
				err := errLo
				if err == nil {
					err = errHi
				}
				return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Error, Iterations: iter, Evaluations: evaluations, Err: err}
			}

			pLo, rLo, RLo, errLo2 := trialStep(fd, curPacked, deltaLo, opts, &evaluations)
			if errLo2 != nil && !fit.IsRange(errLo2) {
				return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Error, Iterations: iter, Evaluations: evaluations, Err: errLo2}
			}
			pHi, rHi, RHi, errHi2 := trialStep(fd, curPacked, deltaHi, opts, &evaluations)
			if errHi2 != nil && !fit.IsRange(errHi2) {
				return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Error, Iterations: iter, Evaluations: evaluations, Err: errHi2}
			}

			switch {
			case RHi < R:
				accepted = true
				acceptedPacked, acceptedR, newR = pHi, rHi, RHi
				successCount++
				decay := math.Pow(cfg.Scale, float64(successCount))
				if decay > cfg.MaxLambdaDecay {
					decay = cfg.MaxLambdaDecay
				}
				lambda /= decay
			case RLo < R:
				accepted = true
				acceptedPacked, acceptedR, newR = pLo, rLo, RLo
				successCount = 0
			default:
				// Neither damping level improves the residuals. When
				// the proposed step is already below both convergence
				// thresholds, the fit is at its floor and retrying at
				// a larger lambda cannot do better.
				if relChange(R, RLo) < cfg.ResidualsThreshold && relChange(R, RHi) < cfg.ResidualsThreshold &&
					stepNegligible(curPacked, pHi, cfg) {
					return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Converged, Iterations: iter, Evaluations: evaluations}
				}
				lambda *= cfg.Scale
			}
		}

		newJac := fit.NewSparseJacobian(fd)
		if err := fit.Fdf(fd, acceptedPacked, acceptedR, newJac, opts, queue); err != nil {
			return &Result{FinalPacked: acceptedPacked, Residuals: acceptedR, Reason: Error, Iterations: iter + 1, Evaluations: evaluations + 1, Err: err}
		}
		evaluations++

		converged := true
		if R != 0 && (R-newR)/R >= cfg.ResidualsThreshold {
			converged = false
		} else {
			for i := range acceptedPacked {
				denom := cfg.RelativeMin + math.Abs(acceptedPacked[i])
				if math.Abs(acceptedPacked[i]-curPacked[i])/denom > cfg.EndThreshold {
					converged = false
					break
				}
			}
		}

		delta := R - newR
		curPacked, curR, curJac, R = acceptedPacked, acceptedR, newJac, newR
		reporter.Statusf("Iteration #%d, residuals=%g", iter, math.Sqrt(R/float64(fd.TotalPoints())))

		if converged {
			return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: Converged, Iterations: iter + 1, Evaluations: evaluations, Delta: delta}
		}
	}

	return &Result{FinalPacked: curPacked, Residuals: curR, Jacobian: curJac, Reason: TimeOut, Iterations: cfg.IterationLimit, Evaluations: evaluations}
}

// solveDelta solves (jTj + lambda*I) Δq = -g for Δq using abd's block
// LDLᵀ reduction, then — when scales is non-nil — un-scales it back into
// an actual parameter-space step by multiplying Δp element-wise by s_i.
func solveDelta(jTj *abd.ABDMatrix, layout *Layout, g []float64, lambda float64, scales []float64) ([]float64, error) {
	damped := jTj.Clone()
	damped.AddToDiagonal(lambda)

	n := layout.Size()
	b := make([]float64, n)
	for fi, gi := range g {
		b[layout.FlatIndex(fi)] = -gi
	}
	x := make([]float64, n)
	if err := damped.Solve(b, x); err != nil {
		return nil, &fit.RuntimeError{Op: "abd-solve", Err: err}
	}

	delta := make([]float64, len(g))
	for fi := range delta {
		delta[fi] = x[layout.FlatIndex(fi)]
		if scales != nil {
			delta[fi] *= scales[fi]
		}
	}
	return delta, nil
}

// trialStep evaluates residuals only (no jacobian) at base+delta. A
// *fit.RangeError is reported back (not swallowed) so the caller can
// distinguish "rejected, try again" from "stop, this is fatal"; the
// returned R is +Inf in that case, so the caller treats it as rejected.
func trialStep(fd *fit.FitData, base, delta []float64, opts fit.EvalOptions, evaluations *int) (packed, r []float64, R float64, err error) {
	packed = make([]float64, len(base))
	for i := range packed {
		packed[i] = base[i] + delta[i]
	}
	r = make([]float64, fd.TotalPoints())
	evalErr := fit.Fdf(fd, packed, r, nil, opts, nil)
	*evaluations++
	if evalErr != nil {
		if fit.IsRange(evalErr) {
			return packed, r, math.Inf(1), evalErr
		}
		return nil, nil, 0, evalErr
	}
	return packed, r, sumSquares(r), nil
}

func relChange(R, Rnew float64) float64 {
	if math.IsInf(Rnew, 0) {
		return math.Inf(1)
	}
	if R == 0 {
		if Rnew == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(R-Rnew) / R
}

func stepNegligible(cur, proposed []float64, cfg Config) bool {
	for i := range cur {
		if math.Abs(proposed[i]-cur[i])/(cfg.RelativeMin+math.Abs(cur[i])) > cfg.EndThreshold {
			return false
		}
	}
	return true
}

func sumSquares(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return s
}
