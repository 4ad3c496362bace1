// Package fit implements the non-linear least-squares fitting core: the
// parameter bookkeeping (declared parameters, per-dataset/global/fixed/
// formula variants, packing to and from the reduced free-parameter vector),
// the sparse jacobian, and the Model contract consumed from concrete model
// providers. The engine (damped Levenberg-Marquardt) and the higher-level
// session orchestration live in the sibling fit/engine and fit/workspace
// packages; fit itself has no notion of "how to drive a fit to
// convergence", only of how one evaluation of the residuals and their
// derivatives is produced.
package fit

// ParameterDefinition declares one parameter exposed by a model. It is
// computed once per fit (Model.Parameters is called a single time, even if
// it later depends on model options) and is immutable for the remainder of
// the run.
type ParameterDefinition struct {
	// Name is the parameter's identifier, as it appears in parameter
	// files and status reports.
	Name string
	// CanBePerDataset is true when the model allows one free value of
	// this parameter per dataset rather than a single global value.
	CanBePerDataset bool
	// DefaultsToFixed is true when, absent explicit configuration, this
	// parameter should start out fixed at its initial guess rather than
	// free.
	DefaultsToFixed bool
}

// Dataset is the minimal shape the fitting core needs from one
// experimental curve. The full dataset container (file readers, plotting,
// segment/flag metadata) is out of scope for this module; callers adapt
// their own dataset type down to this view.
type Dataset struct {
	// Label documents the dataset in trajectory records and parameter
	// file "# Buffer #N" comments; it is never parsed.
	Label string
	X     []float64
	Y     []float64
	// Sigma holds one per-point standard error, or is nil when the
	// dataset carries no point errors.
	Sigma []float64
	// Z is the dataset's perpendicular coordinate, used by some model
	// families to interpolate a third axis. Zero when unused.
	Z float64
	// Meta carries named per-dataset metadata (temperature, potential,
	// scan rate...), consumed by the "/set-from-meta=" fit option.
	Meta map[string]float64
}

// RowCount returns the number of points in the dataset.
func (d *Dataset) RowCount() int { return len(d.X) }

// Model is the contract a caller's physical model implements. The
// optional capabilities (analytic
// jacobian, per-dataset function, sub-functions, thread safety, scratch
// cloning) are expressed as separate interfaces a Model implementation may
// additionally satisfy, following the capability-record pattern recommended
// for a statically-typed rewrite of the source's class hierarchy.
type Model interface {
	// Parameters returns the list of declared parameters for this fit.
	// Called once per FitData.
	Parameters(fd *FitData) ([]ParameterDefinition, error)
	// InitialGuess writes one value per (declared parameter, dataset)
	// slot into expanded, in the order ParametersByDefinition/ByDataset
	// expects (declared-parameter-major, dataset-minor).
	InitialGuess(fd *FitData, expanded []float64) error
	// Function writes model(x_i) - y_i for every data point, in dataset
	// order, into residuals. A *RangeError is recoverable (the engine
	// rejects the trial step); any other error aborts the run.
	//
	// Function takes a *ParamView rather than the bare packed vector and
	// FitData the source passes: a derivation step may run concurrently
	// on a DerivativeQueue worker with its own perturbed packed vector
	// and its own unpacked expanded values, and FitData itself is shared
	// read-only state. ParamView bundles exactly the per-call state
	// (expanded values, scratch) a concurrent evaluation needs without
	// racing on FitData.
	Function(pv *ParamView, residuals []float64) error
}

// DatasetFunctioner is an optional Model capability: a narrower Function
// variant scoped to one dataset. When a Model implements it, the core
// dispatches per-dataset instead of calling Function once for every point.
type DatasetFunctioner interface {
	FunctionForDataset(pv *ParamView, ds int, residuals []float64) error
}

// SubFunctioner is an optional Model capability yielding a per-point
// decomposition of the total (e.g. individual exponentials summing to the
// total signal). It is for display only and must not influence fitting.
type SubFunctioner interface {
	HasSubFunctions() bool
	ComputeSubFunctions(pv *ParamView) ([][]float64, error)
}

// AnalyticJacobian is an optional Model capability: a model that can
// compute its own jacobian instead of relying on finite differences.
type AnalyticJacobian interface {
	ComputeAnalyticJacobian(pv *ParamView, jac *SparseJacobian) error
}

// ThreadSafer is an optional Model capability reporting whether the model
// may be called concurrently from multiple derivative workers, each with
// its own scratch storage.
type ThreadSafer interface {
	ThreadSafe() bool
}

// ScratchAllocator is an optional Model capability for models that need
// per-worker mutable scratch storage (e.g. a preallocated ODE integrator
// workspace). When absent, the core passes a nil scratch handle.
type ScratchAllocator interface {
	AllocateStorage() any
	CopyStorage(src any) any
}
