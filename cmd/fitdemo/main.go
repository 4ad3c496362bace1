// Command fitdemo drives a single multi-exponential fit from the command
// line: load one CSV dataset, run Levenberg-Marquardt to convergence, and
// print the fitted parameters and their standard errors.
package main

import (
	"fmt"
	"os"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/models/expfit"
	"github.com/adgarrio-labs/qsoas-fitcore/fit/workspace"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fitdemo <data.csv> [exponentials]")
		return
	}
	path := os.Args[1]
	exponentials := 1
	if len(os.Args) >= 3 {
		n, err := fmt.Sscanf(os.Args[2], "%d", &exponentials)
		if err != nil || n != 1 {
			panic("bad exponentials count: " + os.Args[2])
		}
	}

	ds, err := LoadCSVDataset(path)
	if err != nil {
		panic(err)
	}
	fmt.Println("Loaded dataset with", ds.RowCount(), "points from", path)

	model := &expfit.Model{Exponentials: exponentials, Absolute: true}

	w, err := workspace.New(model, []fit.Dataset{ds}, workspace.Options{Engine: engine.DefaultConfig()})
	if err != nil {
		panic(err)
	}
	defer w.Close()
	w.Reporter = fit.WriterReporter{W: os.Stdout}

	rec, err := w.RunFit()
	if err != nil {
		panic(err)
	}

	fmt.Printf("\nFit ended: %s (%d iterations, %d evaluations)\n", rec.Ending, rec.Iterations, rec.Evaluations)
	fmt.Printf("Overall residual: %g, relative: %g\n", rec.OverallResidual, rec.OverallRelativeResidual)

	PrintParameters(w)
}
