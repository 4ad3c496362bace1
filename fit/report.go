package fit

import (
	"fmt"
	"io"
)

// Reporter is the sink the engine and workspace emit status lines to: the
// core emits status lines per iteration to an injected sink and never
// writes directly to stdout or a file. Everything downstream of Reporter
// still follows plain fmt.Printf-style formatting.
type Reporter interface {
	// Statusf reports a formatted status line (fit-start, fit-end,
	// per-iteration residual summaries).
	Statusf(format string, args ...any)
	// IterationStart reports that iteration n is beginning.
	IterationStart(n int)
}

// NopReporter discards everything; the zero value is ready to use.
type NopReporter struct{}

func (NopReporter) Statusf(string, ...any) {}
func (NopReporter) IterationStart(int)     {}

// WriterReporter writes every status line to W using fmt.Println/fmt.Printf
// formatting, redirected through an io.Writer instead of hardcoded to stdout.
type WriterReporter struct {
	W io.Writer
}

func (r WriterReporter) Statusf(format string, args ...any) {
	fmt.Fprintf(r.W, format+"\n", args...)
}

func (r WriterReporter) IterationStart(n int) {
	fmt.Fprintf(r.W, "Iteration #%d\n", n)
}
