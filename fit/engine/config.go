// Package engine implements FitEngine, the damped Levenberg-Marquardt
// driver, using fit/abd.ABDMatrix as its block-sparse normal-matrix
// solver.
package engine

// Config holds one engine run's tunables; the zero value is not directly
// usable — call DefaultConfig and override only what the caller needs
// rather than requiring every field to be set explicitly.
type Config struct {
	// Lambda0 is the initial Levenberg-Marquardt damping factor.
	Lambda0 float64
	// Scale (s) is the factor λ grows or shrinks by on
	// a rejected or accepted trial step.
	Scale float64
	// ResidualsThreshold is the minimum relative residual decrease
	// (R-Rnew)/R that keeps the iteration going instead of checking the
	// per-parameter convergence test.
	ResidualsThreshold float64
	// EndThreshold bounds |Δp_i|/(RelativeMin+|p_i|) for convergence.
	EndThreshold float64
	// RelativeMin is the floor added to |p_i| in the per-parameter
	// convergence test, so a parameter converging to exactly zero does
	// not produce a divide-by-zero.
	RelativeMin float64
	// MaxTries bounds consecutive rejected trial steps before the
	// engine gives up with ConvergenceError.
	MaxTries int
	// MaxTriesFirstIteration overrides MaxTries for iteration 0, giving
	// a bad initial guess a larger quota before giving up.
	MaxTriesFirstIteration int
	// IterationLimit is the hard iteration cap; exceeding it ends the
	// run with TimeOut.
	IterationLimit int
	// MaxLambdaDecay caps the bonus divisor applied to λ after
	// consecutive successful λ/s-accepted steps.
	MaxLambdaDecay float64

	// ScaleByMagnitude and GlobalScalingOrder implement the optional
	// column-scaling adjustments; both are disabled (false / 0) by
	// default.
	ScaleByMagnitude   bool
	GlobalScalingOrder int

	// RelativeStep is the finite-difference relative step; 0 selects
	// fit.EvalOptions' own default of 1e-6.
	RelativeStep float64
	// Threads requests worker-pool parallelism for finite-difference
	// derivatives when the model is thread-safe; <=1 runs serially.
	Threads int
	// WeightErrors controls whether point errors are divided in after
	// weighting (fit.ApplyWeights' weightErrors flag).
	WeightErrors bool
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		Lambda0:                1e-4,
		Scale:                  2,
		ResidualsThreshold:     1e-5,
		EndThreshold:           1e-5,
		RelativeMin:            1e-3,
		MaxTries:               30,
		MaxTriesFirstIteration: 40,
		IterationLimit:         50,
		MaxLambdaDecay:         10,
		ScaleByMagnitude:       false,
		GlobalScalingOrder:     0,
		RelativeStep:           0,
		Threads:                1,
		WeightErrors:           true,
	}
}
