package workspace

import (
	"fmt"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
)

// New builds a FitWorkspace for model over datasets: it asks the model
// for its declared parameters, defaults every parameter to global-free
// unless it defaults to fixed or cannot be per-dataset in
// which case it is always global, computes the model's initial guess,
// and packs the initial free-parameter vector. Per-parameter overrides
// (SetFixed/SetGlobal/SetPerDataset/SetFormula) are applied after New and
// take effect on the next RunFit.
func New(model fit.Model, datasets []fit.Dataset, opts Options) (*FitWorkspace, error) {
	if opts.Engine == (engine.Config{}) {
		opts.Engine = engine.DefaultConfig()
	}
	fd := &fit.FitData{Model: model, Datasets: append([]fit.Dataset(nil), datasets...), EngineFactory: engine.DefaultEngineName}
	fd.RecomputeOffsets()
	fd.DebugLevel = opts.Debug
	if opts.EngineName != "" {
		fd.EngineFactory = opts.EngineName
	}

	defs, err := model.Parameters(fd)
	if err != nil {
		return nil, fmt.Errorf("workspace: model.Parameters: %w", err)
	}
	// Extra parameters join the declared list after the model's own, so
	// the model's InitialGuess indexing is unaffected. They start fixed
	// at zero.
	for _, name := range opts.ExtraParameters {
		defs = append(defs, fit.ParameterDefinition{Name: name, CanBePerDataset: true, DefaultsToFixed: true})
	}
	fd.Definitions = defs
	fd.ExtraParameters = append([]string(nil), opts.ExtraParameters...)

	fd.WeightsPerBuffer = make([]float64, fd.NumDatasets())
	for i := range fd.WeightsPerBuffer {
		fd.WeightsPerBuffer[i] = 1
	}

	fd.Parameters = defaultParameters(fd)

	expanded := make([]float64, fd.ExpandedLen())
	if err := model.InitialGuess(fd, expanded); err != nil {
		return nil, fmt.Errorf("workspace: model.InitialGuess: %w", err)
	}
	bindFixedValues(fd, expanded)

	if err := fit.InitializeParameters(fd); err != nil {
		return nil, fmt.Errorf("workspace: initialize parameters: %w", err)
	}
	fit.PackParameters(fd, expanded, fd.Packed)

	w := &FitWorkspace{FD: fd, Opts: opts, Reporter: fit.NopReporter{}}
	if opts.Threads > 1 {
		w.queue = fit.NewDerivativeQueue(opts.Threads, model)
	}

	for param, metaKey := range opts.SetFromMeta {
		for d := range fd.Datasets {
			v, ok := fd.Datasets[d].Meta[metaKey]
			if !ok {
				return nil, &fit.RuntimeError{Op: "set-from-meta",
					Err: fmt.Errorf("dataset %d has no meta value %q", d, metaKey)}
			}
			if err := w.SetDatasetValue(param, d, v); err != nil {
				return nil, err
			}
		}
	}
	if opts.ParametersFile != "" {
		if diags, err := w.ImportParameters(opts.ParametersFile); err != nil {
			return nil, err
		} else if len(diags.Lines) > 0 {
			w.Reporter.Statusf("loaded %s with %d problem(s)", opts.ParametersFile, len(diags.Lines))
		}
	}
	return w, nil
}

// defaultParameters builds one FitParameter per declared parameter
// following the default binding rule: a parameter that cannot be
// per-dataset is always a single global entry; one that can be
// per-dataset but has no explicit override still starts as a single
// global entry too (the common case — per-dataset behavior is opted into
// via SetPerDataset). Kind starts Free unless the declaration defaults to
// fixed.
func defaultParameters(fd *fit.FitData) []fit.FitParameter {
	params := make([]fit.FitParameter, 0, len(fd.Definitions))
	for i, def := range fd.Definitions {
		kind := fit.KindFree
		if def.DefaultsToFixed {
			kind = fit.KindFixed
		}
		params = append(params, fit.FitParameter{ParamIndex: i, DsIndex: -1, Kind: kind})
	}
	return params
}

// bindFixedValues copies each Fixed FitParameter's value out of the
// just-computed initial-guess expansion, since InitializeParameters
// never touches Value itself.
func bindFixedValues(fd *fit.FitData, expanded []float64) {
	for i := range fd.Parameters {
		p := &fd.Parameters[i]
		if p.Kind != fit.KindFixed {
			continue
		}
		ds := p.DsIndex
		if ds == -1 {
			ds = 0
		}
		p.Value = expanded[p.ParamIndex*fd.NumDatasets()+ds]
	}
}
