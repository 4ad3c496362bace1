package fit

// ParamView is the per-evaluation state passed to a Model: the packed
// (reduced) vector the solver is currently trying, the fully unpacked
// expanded values derived from it, and read-only access to the session's
// datasets and declared-parameter metadata. Every call to Fdf — including
// each concurrent DerivativeQueue job — builds its own ParamView over its
// own expanded buffer, so a Model never observes a partially-written or
// racing view even when threads > 1.
type ParamView struct {
	fd       *FitData
	Packed   []float64
	Expanded []float64
	// Scratch is this call's model scratch handle: fd.Scratch itself on
	// the main evaluation, or a worker-local clone (via
	// ScratchAllocator.CopyStorage) inside the DerivativeQueue.
	Scratch any
}

// NumDatasets returns the number of datasets in the session.
func (v *ParamView) NumDatasets() int { return v.fd.NumDatasets() }

// Dataset returns dataset i.
func (v *ParamView) Dataset(i int) *Dataset { return &v.fd.Datasets[i] }

// Definitions returns the declared-parameter list.
func (v *ParamView) Definitions() []ParameterDefinition { return v.fd.Definitions }

// Value returns the current expanded value of declared parameter paramIdx
// on dataset ds.
func (v *ParamView) Value(paramIdx, ds int) float64 {
	return v.Expanded[v.fd.expandedIndex(paramIdx, ds)]
}

// ValueByName returns the current expanded value of the declared
// parameter named name on dataset ds. Panics if name is not a declared
// parameter — a model asking for a parameter it did not declare is a
// programming error, not a recoverable one.
func (v *ParamView) ValueByName(name string, ds int) float64 {
	idx, ok := v.fd.paramIndexByName(name)
	if !ok {
		panic(&InternalError{Detail: "model requested undeclared parameter " + name})
	}
	return v.Value(idx, ds)
}

// RowOffset returns the packed-residual-vector offset of dataset ds.
func (v *ParamView) RowOffset(ds int) int { return v.fd.RowOffset(ds) }

// newParamView builds a ParamView by unpacking packed into a fresh
// expanded buffer.
func newParamView(fd *FitData, packed []float64, scratch any) (*ParamView, error) {
	expanded := make([]float64, fd.ExpandedLen())
	if err := UnpackParameters(fd, packed, expanded); err != nil {
		return nil, err
	}
	return &ParamView{fd: fd, Packed: packed, Expanded: expanded, Scratch: scratch}, nil
}
