package fit

import "math"

// EvaluateFunction calls the model's Function (or, when available, its
// narrower per-dataset FunctionForDataset) and writes the raw, unweighted
// residual vector (model(x_i) - y_i, in dataset order) into out, which
// must have length fd.TotalPoints().
func EvaluateFunction(fd *FitData, pv *ParamView, out []float64) error {
	if dsf, ok := fd.Model.(DatasetFunctioner); ok {
		for i, ds := range fd.Datasets {
			off := fd.RowOffset(i)
			if err := dsf.FunctionForDataset(pv, i, out[off:off+ds.RowCount()]); err != nil {
				return err
			}
		}
		return nil
	}
	return fd.Model.Function(pv, out)
}

// EvaluateRaw unpacks packed and writes the raw, unweighted residual
// vector into out (length fd.TotalPoints()) — the view PointResidual and
// RelativeResidual need, as opposed to Fdf's weighted output.
func EvaluateRaw(fd *FitData, packed []float64, out []float64) error {
	pv, err := newParamView(fd, packed, fd.Scratch)
	if err != nil {
		return err
	}
	return EvaluateFunction(fd, pv, out)
}

// ApplyWeights applies the weighting policy in place: each
// dataset's residual slice is multiplied by WeightsPerBuffer[ds], and then
// — only when weightErrors is true, i.e. the engine does not already fold
// point errors into its own loss — divided element-wise by that dataset's
// Sigma, when present.
func ApplyWeights(fd *FitData, residuals []float64, weightErrors bool) {
	for i, ds := range fd.Datasets {
		off := fd.RowOffset(i)
		slice := residuals[off : off+ds.RowCount()]
		w := fd.WeightsPerBuffer[i]
		for k := range slice {
			slice[k] *= w
		}
		if weightErrors && ds.Sigma != nil {
			for k := range slice {
				if ds.Sigma[k] != 0 {
					slice[k] /= ds.Sigma[k]
				}
			}
		}
	}
}

// PointResidual returns sqrt(sum(w_i*(y_i-f_i)^2) / sum(w_i)) for dataset
// ds, using the *unweighted* residual slice (raw, not ApplyWeights'd) and
// the dataset's own point errors as w_i = 1/sigma_i^2 when present, or 1
// otherwise.
func PointResidual(ds *Dataset, rawResiduals []float64) float64 {
	var num, den float64
	for i, r := range rawResiduals {
		w := 1.0
		if ds.Sigma != nil && ds.Sigma[i] != 0 {
			w = 1 / (ds.Sigma[i] * ds.Sigma[i])
		}
		num += w * r * r
		den += w
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

// RelativeResidual returns sqrt(sum((y_i-f_i)^2) / sum(y_i^2)) for dataset
// ds, using the raw residual slice and the dataset's Y values.
func RelativeResidual(ds *Dataset, rawResiduals []float64) float64 {
	var num, den float64
	for i, r := range rawResiduals {
		num += r * r
		den += ds.Y[i] * ds.Y[i]
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}
