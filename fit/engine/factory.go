package engine

import "github.com/adgarrio-labs/qsoas-fitcore/fit"

// Runner is the signature a fit engine exposes: drive fd from
// initialPacked to convergence or failure under cfg.
type Runner func(fd *fit.FitData, cfg Config, initialPacked []float64, queue *fit.DerivativeQueue, reporter fit.Reporter, cancel Canceller) *Result

var registry = map[string]Runner{}

// Register adds an engine implementation under name, replacing any
// previous registration. Additional engines register themselves from
// their own init functions.
func Register(name string, r Runner) {
	registry[name] = r
}

// Lookup resolves a registered engine by name.
func Lookup(name string) (Runner, bool) {
	r, ok := registry[name]
	return r, ok
}

// DefaultEngineName is the engine New-built sessions start with.
const DefaultEngineName = "levenberg-marquardt"

func init() {
	Register(DefaultEngineName, Run)
}
