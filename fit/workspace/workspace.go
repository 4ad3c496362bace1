// Package workspace implements FitWorkspace, the session-orchestration
// layer: it builds a fit.FitData from a model and datasets, routes edits
// to per-parameter settings, drives fit/engine.Run, computes covariance
// and confidence intervals, and glues the parameter-file and
// trajectory-file formats onto fit.FitData and fit/trajectory.FitTrajectories
// respectively.
package workspace

import (
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/trajectory"
)

// Options configures one FitWorkspace session. The zero value picks
// engine.DefaultConfig() and runs single-threaded.
type Options struct {
	Engine  engine.Config
	Threads int
	// CompileFormula, when non-nil, compiles a "=expression"
	// parameter-file line into the Expression evaluated at unpack time.
	// Without it, a loaded formula parameter carries no compiled
	// expression and the next unpack fails.
	CompileFormula func(formula string) (fit.Expression, error)

	// Debug sets FitData.DebugLevel ("/debug=" option).
	Debug int
	// EngineName selects a registered engine implementation
	// ("/engine="); empty picks engine.DefaultEngineName.
	EngineName string
	// ExtraParameters names additional declared parameters appended
	// after the model's own ("/extra-parameters="). They start fixed at
	// zero and are mostly useful as formula inputs.
	ExtraParameters []string
	// ParametersFile, when non-empty, is loaded with ImportParameters at
	// session construction ("/parameters=").
	ParametersFile string
	// SetFromMeta maps declared-parameter name to a Dataset.Meta key;
	// each dataset's value is applied at construction
	// ("/set-from-meta=param=meta,...").
	SetFromMeta map[string]string
}

// FitWorkspace orchestrates one fit session. Build one with New, adjust
// per-parameter settings with SetFixed/SetGlobal/SetPerDataset/SetFormula,
// then call RunFit.
type FitWorkspace struct {
	FD       *fit.FitData
	Reporter fit.Reporter
	Opts     Options

	// Trajectories accumulates one record per RunFit call.
	Trajectories trajectory.FitTrajectories

	// Covariance is the full covariance matrix from the most recent
	// RunFit, in the canonical declared-parameter x dataset order named
	// by CovarianceRefs (CovarianceMatrix(true) gives fitIndex order), or
	// nil before any run. It is scaled by sigma^2 = R/doF (1 when doF <= 0)
	// for every fit, weighted or not (see CovarianceScalingPolicy).
	Covariance [][]float64
	// StdErrors holds one standard error per expanded slot (declared x
	// dataset layout), 0 for fixed/formula/alias slots, populated after
	// RunFit.
	StdErrors []float64
	// CovarianceRefs names, in the same order as Covariance's rows and
	// columns, which (declared parameter, dataset) each entry refers to.
	CovarianceRefs []ParamRef

	rawInverse *mat.Dense
	rawSigma2  float64
	rawLayout  *engine.Layout

	cancelled atomic.Bool
	throwNext atomic.Bool

	backupPacked   []float64
	backupExpanded []float64

	queue *fit.DerivativeQueue
}

// Cancel sets the cooperative cancellation flag: the current iteration
// completes, the trajectory is recorded with ending=Cancelled, and RunFit
// returns.
func (w *FitWorkspace) Cancel() { w.cancelled.Store(true) }

// Cancelled implements engine.Canceller.
func (w *FitWorkspace) Cancelled() bool { return w.cancelled.Load() }

// ThrowOnNextEvaluation arms the "throw" flag: the next model evaluation
// raises a runtime error before computing, producing a trajectory record
// with ending=Exception instead of a normal result.
func (w *FitWorkspace) ThrowOnNextEvaluation() { w.throwNext.Store(true) }

// Close releases the workspace's derivative worker pool, if one was
// started. Safe to call multiple times or on a workspace that never used
// threads.
func (w *FitWorkspace) Close() {
	if w.queue != nil {
		w.queue.Close()
		w.queue = nil
	}
}
