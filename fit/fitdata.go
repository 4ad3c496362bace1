package fit

import "fmt"

// FitData holds the per-session state for one fit: the datasets being
// fitted, the parameter definitions and their FitParameter bindings, the
// weights and point errors, and the packed (free) parameter vector the
// engine operates on. A FitData is built once per fit session by
// FitWorkspace and then driven repeatedly through Fdf.
type FitData struct {
	// Model is the residual/derivative provider.
	Model Model
	// Datasets are the curves being fitted, in the order their
	// residuals appear in the packed residual vector.
	Datasets []Dataset
	// Definitions is the declared-parameter list returned by
	// Model.Parameters, computed once.
	Definitions []ParameterDefinition
	// Parameters is the current FitParameter binding for every
	// (declared parameter, slot) pair. Populated by InitializeParameters.
	Parameters []FitParameter
	// WeightsPerBuffer holds one non-negative weight per dataset; a
	// dataset with weight 0 is effectively excluded from the residual
	// sum but its parameters still count against freeParameters.
	WeightsPerBuffer []float64
	// FreeParameters is the length of the packed vector: the count of
	// FitParameter entries with Kind == KindFree.
	FreeParameters int
	// Packed is the current free-parameter vector, length
	// FreeParameters.
	Packed []float64
	// DebugLevel gates verbose Reporter output from the engine/workspace.
	DebugLevel int
	// ExtraParameters lists additional declared-parameter names bound
	// at FitData construction time (e.g. via a "/extra-parameters="
	// model option) beyond what Model.Parameters itself returns.
	ExtraParameters []string
	// EngineFactory names the registered FitEngine implementation to
	// use for this session (e.g. "levenberg-marquardt"); resolved by
	// the caller's engine factory table.
	EngineFactory string
	// Scratch is per-session model scratch storage, obtained via
	// Model.(ScratchAllocator).AllocateStorage when the model supports
	// it; nil otherwise. Worker-local copies are produced from this via
	// CopyStorage.
	Scratch any

	// parametersByDefinition[i] lists, for declared parameter i, the
	// indices into Parameters of its Free entries (one entry for a
	// global, or one per dataset).
	parametersByDefinition [][]int
	// parametersByDataset[d] lists the indices into Parameters of the
	// Free entries bound to dataset d (not including globals); index
	// numDatasets is reserved for globals (DsIndex == -1) to keep a
	// single flat slice-of-slices without a map.
	parametersByDataset [][]int

	rowOffsets []int
	totalRows  int
	nameIndex  map[string]int
}

// paramIndexByName resolves a declared parameter's name to its index,
// building the lookup table lazily on first use.
func (fd *FitData) paramIndexByName(name string) (int, bool) {
	if fd.nameIndex == nil {
		fd.nameIndex = make(map[string]int, len(fd.Definitions))
		for i, def := range fd.Definitions {
			fd.nameIndex[def.Name] = i
		}
	}
	idx, ok := fd.nameIndex[name]
	return idx, ok
}

// TotalPoints returns the sum of all datasets' row counts.
func (fd *FitData) TotalPoints() int { return fd.totalRows }

// RowOffset returns the index, in the packed residual vector, of dataset
// ds's first point. Call RecomputeOffsets first if Datasets has changed.
func (fd *FitData) RowOffset(ds int) int { return fd.rowOffsets[ds] }

// RecomputeOffsets rebuilds the per-dataset row offsets and total point
// count from the current Datasets slice. Callers must invoke it whenever
// Datasets changes shape (construction, or after trimming datasets).
func (fd *FitData) RecomputeOffsets() {
	fd.rowOffsets = make([]int, len(fd.Datasets))
	total := 0
	for i, ds := range fd.Datasets {
		fd.rowOffsets[i] = total
		total += ds.RowCount()
	}
	fd.totalRows = total
}

// NumDatasets returns the number of datasets bound to this FitData.
func (fd *FitData) NumDatasets() int { return len(fd.Datasets) }

// expandedIndex returns the position, in an "expanded" vector of length
// len(Definitions)*NumDatasets(), of declared parameter paramIdx bound to
// dataset dsIdx. The layout is declared-parameter-major, dataset-minor, as
// required by Model.InitialGuess's contract.
func (fd *FitData) expandedIndex(paramIdx, dsIdx int) int {
	return paramIdx*fd.NumDatasets() + dsIdx
}

// ExpandedLen returns the length of the expanded parameter vector.
func (fd *FitData) ExpandedLen() int { return len(fd.Definitions) * fd.NumDatasets() }

// ParametersByDefinition returns the Free FitParameter indices for
// declared parameter i: either a single global entry, or one per dataset.
func (fd *FitData) ParametersByDefinition(i int) []int { return fd.parametersByDefinition[i] }

// ParametersByDataset returns the Free FitParameter indices bound to
// dataset ds (ds == -1 selects global entries).
func (fd *FitData) ParametersByDataset(ds int) []int {
	if ds < 0 {
		return fd.parametersByDataset[len(fd.Datasets)]
	}
	return fd.parametersByDataset[ds]
}

// validate checks FitData's binding invariants: for every declared
// parameter, either a global entry exists, or one entry per dataset
// exists. A parameter with a global entry may also carry per-dataset
// entries for any subset of datasets; their kind is not checked.
func (fd *FitData) validate() error {
	n := len(fd.Definitions)
	perParam := make([][]FitParameter, n)
	for _, p := range fd.Parameters {
		if p.ParamIndex < 0 || p.ParamIndex >= n {
			return &InternalError{Detail: fmt.Sprintf("FitParameter references unknown ParamIndex %d", p.ParamIndex)}
		}
		perParam[p.ParamIndex] = append(perParam[p.ParamIndex], p)
	}
	for i, entries := range perParam {
		hasGlobal := false
		perDs := make(map[int]bool)
		for _, e := range entries {
			if e.DsIndex == -1 {
				hasGlobal = true
				continue
			}
			if e.DsIndex < 0 || e.DsIndex >= len(fd.Datasets) {
				return &InternalError{Detail: fmt.Sprintf("parameter %q: dataset index %d out of range", fd.Definitions[i].Name, e.DsIndex)}
			}
			perDs[e.DsIndex] = true
		}
		if hasGlobal {
			// A global entry may coexist with per-dataset overrides
			// (of any kind) for datasets that deviate from it; no
			// further check needed here.
			continue
		}
		if len(perDs) != 0 && len(perDs) != len(fd.Datasets) {
			return &InternalError{Detail: fmt.Sprintf("parameter %q: per-dataset entries cover %d of %d datasets", fd.Definitions[i].Name, len(perDs), len(fd.Datasets))}
		}
	}
	return nil
}
