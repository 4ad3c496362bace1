package fit

import "sort"

// InitializeParameters sorts fd.Parameters so that non-free entries
// (Fixed/Formula/Alias) precede Free entries — stable within each
// category, matching the source's packing order — assigns FitIndex to
// every Free entry in order, and builds the ParametersByDefinition/
// ParametersByDataset lookup tables. It must be called once after
// fd.Parameters is populated and before any Pack/UnpackParameters call.
func InitializeParameters(fd *FitData) error {
	if err := fd.validate(); err != nil {
		return err
	}

	sort.SliceStable(fd.Parameters, func(i, j int) bool {
		return category(fd.Parameters[i].Kind) < category(fd.Parameters[j].Kind)
	})

	free := 0
	for i := range fd.Parameters {
		if fd.Parameters[i].Kind == KindFree {
			fd.Parameters[i].FitIndex = free
			free++
		}
	}
	fd.FreeParameters = free
	fd.Packed = make([]float64, free)

	n := len(fd.Definitions)
	fd.parametersByDefinition = make([][]int, n)
	// Index NumDatasets() is reserved for the global bucket.
	fd.parametersByDataset = make([][]int, fd.NumDatasets()+1)

	for idx, p := range fd.Parameters {
		if p.Kind != KindFree {
			continue
		}
		fd.parametersByDefinition[p.ParamIndex] = append(fd.parametersByDefinition[p.ParamIndex], idx)
		if p.DsIndex == -1 {
			fd.parametersByDataset[fd.NumDatasets()] = append(fd.parametersByDataset[fd.NumDatasets()], idx)
		} else {
			fd.parametersByDataset[p.DsIndex] = append(fd.parametersByDataset[p.DsIndex], idx)
		}
	}
	return nil
}

// category orders FitParameter kinds for the stable sort: everything that
// is not Free precedes everything that is, so that fitIndex assignment
// only ever touches the Free tail, exactly mirroring the source's
// fixed-then-free packing order (the source does not distinguish Formula
// and Alias from Fixed at the sort level, since none of the three occupy a
// reduced-vector slot).
func category(k ParamKind) int {
	if k == KindFree {
		return 1
	}
	return 0
}

// PackParameters copies the free values out of expanded (which must have
// length fd.ExpandedLen()) into packedOut (which must have length
// fd.FreeParameters), in FitIndex order. A global free parameter's value
// is read from dataset slot 0, since by the global-coherence invariant all
// dataset slots hold the same value.
func PackParameters(fd *FitData, expanded []float64, packedOut []float64) {
	for _, p := range fd.Parameters {
		if p.Kind != KindFree {
			continue
		}
		ds := p.DsIndex
		if ds == -1 {
			ds = 0
		}
		packedOut[p.FitIndex] = expanded[fd.expandedIndex(p.ParamIndex, ds)]
	}
}
