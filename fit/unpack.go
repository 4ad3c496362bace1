package fit

import (
	"fmt"
	"math"
)

// UnpackParameters is the reverse of PackParameters: it writes every Free
// entry's value (broadcasting a global's single value to every dataset
// slot) and every Fixed entry's value into expandedOut, then evaluates
// every Formula/Alias entry. Because a formula may reference another
// formula's result, the evaluation is repeated up to len(fd.Definitions)
// passes; if values are still changing after the budget is exhausted,
// UnpackParameters returns a *RuntimeError wrapping ErrFormulaCycle instead
// of silently accepting the last value (see DESIGN.md — this is a
// deliberate strengthening over the source, which has no cycle detection).
func UnpackParameters(fd *FitData, packed []float64, expandedOut []float64) error {
	// Pass 1: globals (Free and Fixed) first, so that any per-dataset
	// override applied next takes precedence.
	for _, p := range fd.Parameters {
		if p.DsIndex != -1 {
			continue
		}
		switch p.Kind {
		case KindFree:
			broadcast(fd, expandedOut, p.ParamIndex, packed[p.FitIndex])
		case KindFixed:
			broadcast(fd, expandedOut, p.ParamIndex, p.Value)
		}
	}
	// Pass 2: per-dataset Free/Fixed overrides.
	for _, p := range fd.Parameters {
		if p.DsIndex == -1 {
			continue
		}
		switch p.Kind {
		case KindFree:
			expandedOut[fd.expandedIndex(p.ParamIndex, p.DsIndex)] = packed[p.FitIndex]
		case KindFixed:
			expandedOut[fd.expandedIndex(p.ParamIndex, p.DsIndex)] = p.Value
		}
	}

	return evaluateFormulas(fd, expandedOut)
}

func broadcast(fd *FitData, expanded []float64, paramIdx int, value float64) {
	for d := 0; d < fd.NumDatasets(); d++ {
		expanded[fd.expandedIndex(paramIdx, d)] = value
	}
}

// evaluateFormulas resolves every Formula and Alias entry against the
// current expanded values, iterating until a fixed point or until the pass
// budget (one pass per declared parameter) is exhausted.
func evaluateFormulas(fd *FitData, expanded []float64) error {
	var derived []*FitParameter
	for i := range fd.Parameters {
		if fd.Parameters[i].Kind == KindFormula || fd.Parameters[i].Kind == KindAlias {
			derived = append(derived, &fd.Parameters[i])
		}
	}
	if len(derived) == 0 {
		return nil
	}

	maxPasses := len(fd.Definitions)
	if maxPasses < 1 {
		maxPasses = 1
	}

	var lastDelta float64
	for pass := 0; pass < maxPasses; pass++ {
		lastDelta = 0
		for _, p := range derived {
			ds := p.DsIndex
			if ds == -1 {
				ds = 0
			}
			idx := fd.expandedIndex(p.ParamIndex, ds)
			old := expanded[idx]

			var value float64
			switch p.Kind {
			case KindAlias:
				if p.AliasParam < 0 || p.AliasParam >= len(fd.Definitions) {
					return &InternalError{Detail: "alias parameter references unknown slot"}
				}
				srcDs := p.AliasDs
				if srcDs == -1 {
					srcDs = 0
				}
				value = expanded[fd.expandedIndex(p.AliasParam, srcDs)]
			case KindFormula:
				if p.Expr == nil {
					return &RuntimeError{Op: "evaluate formula",
						Err: fmt.Errorf("parameter %s: formula %q has no compiled expression", fd.Definitions[p.ParamIndex].Name, p.Formula)}
				}
				vars := buildVars(fd, expanded, ds)
				v, err := p.Expr.Evaluate(vars)
				if err != nil {
					return &RuntimeError{Op: "evaluate formula", Err: err}
				}
				value = v
			}

			if p.DsIndex == -1 {
				broadcast(fd, expanded, p.ParamIndex, value)
			} else {
				expanded[idx] = value
			}
			lastDelta = math.Max(lastDelta, math.Abs(value-old))
		}
		if lastDelta == 0 {
			return nil
		}
	}
	if lastDelta != 0 {
		return &RuntimeError{Op: "evaluate formula", Err: ErrFormulaCycle}
	}
	return nil
}

// buildVars returns a name->value map of every declared parameter's
// current value as seen from dataset ds (ds==0 is used for globals, which
// hold the same value at every slot).
func buildVars(fd *FitData, expanded []float64, ds int) map[string]float64 {
	vars := make(map[string]float64, len(fd.Definitions))
	for i, def := range fd.Definitions {
		vars[def.Name] = expanded[fd.expandedIndex(i, ds)]
	}
	return vars
}
