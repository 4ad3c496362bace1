package workspace

import (
	"fmt"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
)

// findParamIndex resolves a declared parameter's name, or returns an
// error wrapping fit.RuntimeError for a name the model never declared.
func (w *FitWorkspace) findParamIndex(name string) (int, error) {
	for i, def := range w.FD.Definitions {
		if def.Name == name {
			return i, nil
		}
	}
	return 0, &fit.RuntimeError{Op: "find parameter", Err: fmt.Errorf("unknown parameter %q", name)}
}

// removeEntriesFor drops every existing FitParameter entry for
// paramIdx, so a Set* call can install a fresh binding without leaving
// stale per-dataset or global leftovers behind.
func removeEntriesFor(fd *fit.FitData, paramIdx int) {
	kept := fd.Parameters[:0]
	for _, p := range fd.Parameters {
		if p.ParamIndex != paramIdx {
			kept = append(kept, p)
		}
	}
	fd.Parameters = kept
}

// snapshotExpanded unpacks the current (pre-edit) packed vector under the
// bindings still in effect, for reinitialize to restore afterwards.
// InitializeParameters always allocates a fresh, zeroed fd.Packed; without
// this snapshot every FitParameter untouched by the edit would revert to
// zero instead of keeping the value it held a moment ago. Must be called
// before fd.Parameters is mutated, while FitIndex still matches fd.Packed.
func (w *FitWorkspace) snapshotExpanded() []float64 {
	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if fd.Packed != nil {
		_ = fit.UnpackParameters(fd, fd.Packed, expanded)
	}
	return expanded
}

// reinitialize re-runs packing after a parameter binding changed, restoring
// every surviving Free entry's value from expanded (see snapshotExpanded).
func (w *FitWorkspace) reinitialize(expanded []float64) error {
	fd := w.FD
	if err := fit.InitializeParameters(fd); err != nil {
		return err
	}
	fit.PackParameters(fd, expanded, fd.Packed)
	return nil
}

// checkDataset validates a per-dataset index coming from user input (a
// Set* call or a parameter-file line); -1 (global) is always valid. Bad
// input is a RuntimeError, not an invariant violation — FitData's own
// validate only guards against indices the mutators let through.
func (w *FitWorkspace) checkDataset(op string, ds int) error {
	if ds < -1 || ds >= w.FD.NumDatasets() {
		return &fit.RuntimeError{Op: op, Err: fmt.Errorf("dataset index %d out of range", ds)}
	}
	return nil
}

// SetGlobal rebinds parameter name to a single free value shared across
// every dataset, starting at value.
func (w *FitWorkspace) SetGlobal(name string, value float64) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	expanded := w.snapshotExpanded()
	removeEntriesFor(w.FD, idx)
	w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: -1, Kind: fit.KindFree})
	if err := w.reinitialize(expanded); err != nil {
		return err
	}
	return w.setExpandedValue(idx, -1, value)
}

// SetPerDataset rebinds parameter name to one free value per dataset,
// each starting at values[d] (which must have length fd.NumDatasets()).
func (w *FitWorkspace) SetPerDataset(name string, values []float64) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	if !w.FD.Definitions[idx].CanBePerDataset {
		return &fit.RuntimeError{Op: "set per-dataset", Err: fmt.Errorf("parameter %q cannot be per-dataset", name)}
	}
	if len(values) != w.FD.NumDatasets() {
		return &fit.RuntimeError{Op: "set per-dataset", Err: fmt.Errorf("need %d values, got %d", w.FD.NumDatasets(), len(values))}
	}
	expanded := w.snapshotExpanded()
	removeEntriesFor(w.FD, idx)
	for d := 0; d < w.FD.NumDatasets(); d++ {
		w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: d, Kind: fit.KindFree})
	}
	if err := w.reinitialize(expanded); err != nil {
		return err
	}
	for d, v := range values {
		if err := w.setExpandedValue(idx, d, v); err != nil {
			return err
		}
	}
	return nil
}

// SetFixed fixes parameter name at value. ds == -1 fixes it globally
// (every dataset); otherwise only dataset ds is overridden, leaving any
// existing global/per-dataset bindings for other datasets untouched.
func (w *FitWorkspace) SetFixed(name string, ds int, value float64) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	if err := w.checkDataset("set fixed", ds); err != nil {
		return err
	}
	expanded := w.snapshotExpanded()
	if ds == -1 {
		removeEntriesFor(w.FD, idx)
		w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: -1, Kind: fit.KindFixed, Value: value})
	} else {
		kept := w.FD.Parameters[:0]
		for _, p := range w.FD.Parameters {
			if p.ParamIndex == idx && p.DsIndex == ds {
				continue
			}
			kept = append(kept, p)
		}
		w.FD.Parameters = append(kept, fit.FitParameter{ParamIndex: idx, DsIndex: ds, Kind: fit.KindFixed, Value: value})
	}
	return w.reinitialize(expanded)
}

// SetFormula binds parameter name (globally, or on dataset ds when ds
// >= 0) to expr, which is evaluated against the other parameters' current
// expanded values after every unpack.
func (w *FitWorkspace) SetFormula(name string, ds int, formula string, expr fit.Expression) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	if err := w.checkDataset("set formula", ds); err != nil {
		return err
	}
	expanded := w.snapshotExpanded()
	if ds == -1 {
		removeEntriesFor(w.FD, idx)
		w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: -1, Kind: fit.KindFormula, Formula: formula, Expr: expr})
	} else {
		kept := w.FD.Parameters[:0]
		for _, p := range w.FD.Parameters {
			if p.ParamIndex == idx && p.DsIndex == ds {
				continue
			}
			kept = append(kept, p)
		}
		w.FD.Parameters = append(kept, fit.FitParameter{ParamIndex: idx, DsIndex: ds, Kind: fit.KindFormula, Formula: formula, Expr: expr})
	}
	return w.reinitialize(expanded)
}

// SetAlias binds parameter name on dataset ds (-1 for global) to copy the
// expanded value of aliasName's dataset aliasDs slot (the "$name[#k]"
// parameter-file form).
func (w *FitWorkspace) SetAlias(name string, ds int, aliasName string, aliasDs int) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	aliasIdx, err := w.findParamIndex(aliasName)
	if err != nil {
		return err
	}
	if err := w.checkDataset("set alias", ds); err != nil {
		return err
	}
	if err := w.checkDataset("set alias", aliasDs); err != nil {
		return err
	}
	// The target slot must be covered by some binding: either a matching
	// per-dataset entry or a global one spanning every dataset.
	covered := false
	for _, p := range w.FD.Parameters {
		if p.ParamIndex == aliasIdx && (p.DsIndex == aliasDs || p.DsIndex == -1) {
			covered = true
			break
		}
	}
	if !covered {
		return &fit.RuntimeError{Op: "set alias", Err: fmt.Errorf("alias target %q[#%d] has no binding", aliasName, aliasDs)}
	}
	expanded := w.snapshotExpanded()
	if ds == -1 {
		removeEntriesFor(w.FD, idx)
		w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: -1, Kind: fit.KindAlias, AliasParam: aliasIdx, AliasDs: aliasDs})
	} else {
		kept := w.FD.Parameters[:0]
		for _, p := range w.FD.Parameters {
			if p.ParamIndex == idx && p.DsIndex == ds {
				continue
			}
			kept = append(kept, p)
		}
		w.FD.Parameters = append(kept, fit.FitParameter{ParamIndex: idx, DsIndex: ds, Kind: fit.KindAlias, AliasParam: aliasIdx, AliasDs: aliasDs})
	}
	return w.reinitialize(expanded)
}

// SetDatasetValue sets parameter name's current value on dataset ds,
// keeping it free. A parameter still bound globally is first split into
// one free entry per dataset (the parameter-file "name[#i]" form implies
// per-dataset variation), with every other dataset keeping the value it
// held before the split.
func (w *FitWorkspace) SetDatasetValue(name string, ds int, value float64) error {
	idx, err := w.findParamIndex(name)
	if err != nil {
		return err
	}
	if ds < 0 || ds >= w.FD.NumDatasets() {
		return &fit.RuntimeError{Op: "set dataset value", Err: fmt.Errorf("dataset index %d out of range", ds)}
	}
	for _, p := range w.FD.Parameters {
		if p.ParamIndex != idx || p.Kind != fit.KindFree {
			continue
		}
		if p.DsIndex == ds || (p.DsIndex == -1 && w.FD.NumDatasets() == 1) {
			w.FD.Packed[p.FitIndex] = value
			return nil
		}
	}
	if !w.FD.Definitions[idx].CanBePerDataset {
		return &fit.RuntimeError{Op: "set dataset value", Err: fmt.Errorf("parameter %q cannot be per-dataset", name)}
	}
	expanded := w.snapshotExpanded()
	removeEntriesFor(w.FD, idx)
	for d := 0; d < w.FD.NumDatasets(); d++ {
		w.FD.Parameters = append(w.FD.Parameters, fit.FitParameter{ParamIndex: idx, DsIndex: d, Kind: fit.KindFree})
	}
	if err := w.reinitialize(expanded); err != nil {
		return err
	}
	return w.setExpandedValue(idx, ds, value)
}

// SetWeight sets dataset ds's weight: a zero-weight dataset is excluded
// from the residual sum but its parameters still count.
func (w *FitWorkspace) SetWeight(ds int, weight float64) error {
	if ds < 0 || ds >= w.FD.NumDatasets() {
		return &fit.RuntimeError{Op: "set weight", Err: fmt.Errorf("dataset index %d out of range", ds)}
	}
	w.FD.WeightsPerBuffer[ds] = weight
	return nil
}

// setExpandedValue re-packs a single (declared parameter, dataset) slot's
// current value into fd.Packed directly, used right after a Set* call
// installs a fresh Free binding whose FitIndex was just assigned.
func (w *FitWorkspace) setExpandedValue(paramIdx, ds int, value float64) error {
	fd := w.FD
	for _, p := range fd.Parameters {
		if p.ParamIndex != paramIdx || p.Kind != fit.KindFree {
			continue
		}
		if ds == -1 && p.DsIndex == -1 {
			fd.Packed[p.FitIndex] = value
			return nil
		}
		if p.DsIndex == ds {
			fd.Packed[p.FitIndex] = value
			return nil
		}
	}
	return &fit.RuntimeError{Op: "set expanded value", Err: fmt.Errorf("parameter %d has no free entry for dataset %d", paramIdx, ds)}
}

// ResetParameters resets dataset ds's free parameters back to the
// model's initial guess (ds == -1 resets every dataset).
func (w *FitWorkspace) ResetParameters(ds int) error {
	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fd.Model.InitialGuess(fd, expanded); err != nil {
		return fmt.Errorf("workspace: reset parameters: %w", err)
	}
	for _, p := range fd.Parameters {
		if p.Kind != fit.KindFree {
			continue
		}
		if ds != -1 && p.DsIndex != ds && p.DsIndex != -1 {
			continue
		}
		d := p.DsIndex
		if d == -1 {
			d = 0
		}
		fd.Packed[p.FitIndex] = expanded[p.ParamIndex*fd.NumDatasets()+d]
	}
	return nil
}
