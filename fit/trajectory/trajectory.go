// Package trajectory implements the fit-trajectory log: a record of
// every fit run (start/end parameters, residuals, ending reason, flags)
// plus the line-oriented text file format for persisting it.
package trajectory

import "time"

// EndReason mirrors fit/engine.EndReason without importing the engine
// package (trajectory is a leaf package consumed by fit/workspace, which
// already imports both; keeping trajectory free of that dependency avoids
// forcing every caller of trajectory-only tooling to pull in the LM
// engine).
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

func parseEndReason(s string) EndReason {
	switch s {
	case "Converged":
		return Converged
	case "Cancelled":
		return Cancelled
	case "TimeOut":
		return TimeOut
	case "Error":
		return Error
	case "Exception":
		return Exception
	case "ConvergenceError":
		return ConvergenceError
	default:
		return Error
	}
}

// FitTrajectory is one record of a single runFit invocation.
// Every call to runFit pushes exactly one record, even on failure.
type FitTrajectory struct {
	StartTime time.Time
	EndTime   time.Time
	// EngineName names the FitEngine implementation used, e.g.
	// "levenberg-marquardt".
	EngineName string

	// InitialParameters and FinalParameters are expanded vectors
	// (totalDeclared x datasets), in the same declared-parameter-major,
	// dataset-minor layout fit.FitData uses.
	InitialParameters []float64
	FinalParameters   []float64
	// ParameterErrors holds the standard error of each final parameter
	// (same layout), or is nil when no covariance was computed.
	ParameterErrors []float64

	// Weights holds the per-dataset weight used for this run.
	Weights []float64
	// PointResiduals and RelativeResiduals hold one entry per dataset.
	PointResiduals    []float64
	RelativeResiduals []float64
	// OverallResidual and OverallRelativeResidual are the
	// dataset-pooled equivalents.
	OverallResidual         float64
	OverallRelativeResidual float64
	// InternalResidual is the solver's own view of the residual norm
	// (sum of squares of the weighted residual vector at the final
	// point), which may differ from OverallResidual when point errors
	// or weights are applied.
	InternalResidual float64

	Iterations  int
	Evaluations int
	// Delta is the last accepted step's residual-sum-of-squares
	// reduction (R - Rnew).
	Delta float64

	Ending EndReason

	// Flags is the free-form user tag set attached to this record
	// (flag/unflag).
	Flags map[string]bool

	// Unknown preserves any key=value pairs the importer did not
	// recognize, so a round-trip export never silently drops data.
	Unknown map[string]string
}

// HasFlag reports whether flag is set on this record.
func (t *FitTrajectory) HasFlag(flag string) bool {
	return t.Flags != nil && t.Flags[flag]
}

// SetFlag adds flag to this record's flag set.
func (t *FitTrajectory) SetFlag(flag string) {
	if t.Flags == nil {
		t.Flags = make(map[string]bool)
	}
	t.Flags[flag] = true
}

// ClearFlag removes flag from this record's flag set, if present.
func (t *FitTrajectory) ClearFlag(flag string) {
	delete(t.Flags, flag)
}

// ResidualRatio returns this record's OverallResidual divided by best,
// used by Trim's threshold test. Returns maxFloat (1e308) when best is zero
// and this record's residual is not.
func (t *FitTrajectory) ResidualRatio(best float64) float64 {
	if best == 0 {
		if t.OverallResidual == 0 {
			return 1
		}
		return maxFloat
	}
	return t.OverallResidual / best
}

const maxFloat = 1.0e308

// key identifies a record for Merge's de-duplication: the (startTime,
// endTime, engineName) tuple.
func (t *FitTrajectory) key() string {
	return t.StartTime.Format(time.RFC3339Nano) + "|" + t.EndTime.Format(time.RFC3339Nano) + "|" + t.EngineName
}
