package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/workspace"
)

// LoadCSVDataset reads a two- or three-column CSV file (x, y[, sigma]) with
// no header row into a fit.Dataset: trim leading space, skip blank lines,
// require every row to carry the same column count.
func LoadCSVDataset(path string) (fit.Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return fit.Dataset{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var x, y, sigma []float64
	hasSigma := false
	cols := 0
	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fit.Dataset{}, fmt.Errorf("read row %d: %w", row+1, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) < 2 || len(record) > 3 {
			return fit.Dataset{}, fmt.Errorf("row %d: expected 2 or 3 columns, got %d", row+1, len(record))
		}
		if cols == 0 {
			cols = len(record)
		} else if len(record) != cols {
			return fit.Dataset{}, fmt.Errorf("row %d: expected %d columns like the first row, got %d", row+1, cols, len(record))
		}

		xi, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return fit.Dataset{}, fmt.Errorf("row %d: parse x %q: %w", row+1, record[0], err)
		}
		yi, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return fit.Dataset{}, fmt.Errorf("row %d: parse y %q: %w", row+1, record[1], err)
		}
		x = append(x, xi)
		y = append(y, yi)
		if len(record) == 3 {
			si, err := strconv.ParseFloat(record[2], 64)
			if err != nil {
				return fit.Dataset{}, fmt.Errorf("row %d: parse sigma %q: %w", row+1, record[2], err)
			}
			sigma = append(sigma, si)
			hasSigma = true
		}
		row++
	}
	if row == 0 {
		return fit.Dataset{}, fmt.Errorf("no data rows in %s", path)
	}

	ds := fit.Dataset{Label: path, X: x, Y: y}
	if hasSigma {
		ds.Sigma = sigma
	}
	return ds, nil
}

// PrintParameters prints every declared parameter's final value and
// standard error.
func PrintParameters(w *workspace.FitWorkspace) {
	fd := w.FD
	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		fmt.Println("could not unpack final parameters:", err)
		return
	}
	stdErrors := w.StdErrors

	fmt.Println("\n=== Fitted parameters ===")
	for i, def := range fd.Definitions {
		for ds := 0; ds < fd.NumDatasets(); ds++ {
			v := expanded[i*fd.NumDatasets()+ds]
			e := 0.0
			if stdErrors != nil {
				e = stdErrors[i*fd.NumDatasets()+ds]
			}
			if fd.NumDatasets() == 1 {
				fmt.Printf(" %-10s = %g +/- %g\n", def.Name, v, e)
			} else {
				fmt.Printf(" %-10s[#%d] = %g +/- %g\n", def.Name, ds, v, e)
			}
		}
	}
}
