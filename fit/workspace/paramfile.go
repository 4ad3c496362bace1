package workspace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/adgarrio-labs/qsoas-fitcore/fit"
)

// maxParameterFileErrors caps the number of diagnostics a load collects
// before aborting.
const maxParameterFileErrors = 500

// ParameterFileDiagnostics collects the non-fatal problems ImportParameters/
// ReadParameters encountered while still completing the load:
// unrecognised lines are collected as diagnostics rather than failing
// the load outright.
type ParameterFileDiagnostics struct {
	Lines []string
}

func (d *ParameterFileDiagnostics) add(line int, msg string) error {
	d.Lines = append(d.Lines, fmt.Sprintf("line %d: %s", line, msg))
	if len(d.Lines) > maxParameterFileErrors {
		return fmt.Errorf("workspace: parameter file: too many errors (>%d), aborting", maxParameterFileErrors)
	}
	return nil
}

var perDatasetName = regexp.MustCompile(`^(.+)\[#(\d+)\]$`)

// ExportParameters writes every declared parameter's current value to
// path: a "# Fit used:" comment, one
// "# Buffer #N : <label>" comment per dataset, then one line per
// (parameter, slot): a global parameter as "name\tvalue", a per-dataset
// override as "name[#i]\tvalue", a fixed value suffixed with "!", a
// formula-tied value prefixed with "=", then a "buffer_weight[#i]" line
// for each dataset whose weight is not 1 and a "Z[#i]" line for each
// dataset whose Z is non-zero.
func (w *FitWorkspace) ExportParameters(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("workspace: create %s: %w", path, err)
	}
	defer f.Close()
	return w.WriteParameters(f)
}

// WriteParameters is ExportParameters' io.Writer-based counterpart.
func (w *FitWorkspace) WriteParameters(out io.Writer) error {
	fd := w.FD
	bw := bufio.NewWriter(out)
	fmt.Fprintf(bw, "# Fit used: %s\n", fd.EngineFactory)
	for i, ds := range fd.Datasets {
		fmt.Fprintf(bw, "# Buffer #%d : %s\n", i, ds.Label)
	}

	expanded := make([]float64, fd.ExpandedLen())
	if err := fit.UnpackParameters(fd, fd.Packed, expanded); err != nil {
		return fmt.Errorf("workspace: write parameters: %w", err)
	}

	for _, p := range fd.Parameters {
		name := fd.Definitions[p.ParamIndex].Name
		switch p.Kind {
		case fit.KindFree, fit.KindFixed:
			ds := p.DsIndex
			d := ds
			if d == -1 {
				d = 0
			}
			value := expanded[p.ParamIndex*fd.NumDatasets()+d]
			suffix := ""
			if p.Kind == fit.KindFixed {
				suffix = "!"
			}
			fmt.Fprintf(bw, "%s\t%s%s\n", paramKey(name, ds), formatValue(value), suffix)
		case fit.KindFormula:
			fmt.Fprintf(bw, "%s\t=%s\n", paramKey(name, p.DsIndex), p.Formula)
		case fit.KindAlias:
			fmt.Fprintf(bw, "%s\t$%s\n", paramKey(name, p.DsIndex), paramKey(fd.Definitions[p.AliasParam].Name, p.AliasDs))
		}
	}
	for i, w := range fd.WeightsPerBuffer {
		if w != 1 {
			fmt.Fprintf(bw, "buffer_weight[#%d]\t%s\n", i, formatValue(w))
		}
	}
	for i, ds := range fd.Datasets {
		if ds.Z != 0 {
			fmt.Fprintf(bw, "Z[#%d]\t%s\n", i, formatValue(ds.Z))
		}
	}
	return bw.Flush()
}

func paramKey(name string, ds int) string {
	if ds == -1 {
		return name
	}
	return fmt.Sprintf("%s[#%d]", name, ds)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ImportParameters reads a parameter file previously written by
// ExportParameters, or one following the same line grammar, and applies
// it to this workspace. It returns diagnostics for every
// line it could not interpret rather than failing outright, aborting
// only once more than maxParameterFileErrors accumulate.
func (w *FitWorkspace) ImportParameters(path string) (*ParameterFileDiagnostics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("workspace: open %s: %w", path, err)
	}
	defer f.Close()
	return w.ReadParameters(f)
}

// ReadParameters is ImportParameters' io.Reader-based counterpart.
func (w *FitWorkspace) ReadParameters(in io.Reader) (*ParameterFileDiagnostics, error) {
	diags := &ParameterFileDiagnostics{}
	scanner := bufio.NewScanner(in)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := w.applyParameterLine(line, lineNo, diags); err != nil {
			return diags, err
		}
		if len(diags.Lines) > maxParameterFileErrors {
			return diags, fmt.Errorf("workspace: parameter file: too many errors (>%d), aborting", maxParameterFileErrors)
		}
	}
	if err := scanner.Err(); err != nil {
		return diags, fmt.Errorf("workspace: parameter file: %w", err)
	}
	return diags, nil
}

func (w *FitWorkspace) applyParameterLine(line string, lineNo int, diags *ParameterFileDiagnostics) error {
	key, value, ok := strings.Cut(line, "\t")
	if !ok {
		key, value, ok = strings.Cut(line, " ")
	}
	if !ok {
		return diags.add(lineNo, fmt.Sprintf("unparseable line %q", line))
	}
	value = strings.TrimSpace(value)

	name, ds := splitKey(key)

	if name == "buffer_weight" {
		if ds < 0 {
			return diags.add(lineNo, "global 'buffer_weight' specification doesn't make sense")
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return diags.add(lineNo, fmt.Sprintf("weight not understood: %q", value))
		}
		if err := w.SetWeight(ds, v); err != nil {
			return diags.add(lineNo, fmt.Sprintf("cannot set weight for dataset #%d: %v", ds, err))
		}
		return nil
	}
	if name == "Z" {
		if ds < 0 || ds >= w.FD.NumDatasets() {
			return diags.add(lineNo, fmt.Sprintf("ignoring Z for out-of-range dataset #%d", ds))
		}
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return diags.add(lineNo, fmt.Sprintf("Z value not understood: %q", value))
		}
		w.FD.Datasets[ds].Z = v
		return nil
	}

	if _, err := w.findParamIndex(name); err != nil {
		return diags.add(lineNo, fmt.Sprintf("unknown parameter %q, ignoring", name))
	}

	switch {
	case strings.HasPrefix(value, "="):
		formula := strings.TrimPrefix(value, "=")
		var expr fit.Expression
		if w.Opts.CompileFormula != nil {
			e, err := w.Opts.CompileFormula(formula)
			if err != nil {
				return diags.add(lineNo, fmt.Sprintf("cannot compile formula %q: %v", formula, err))
			}
			expr = e
		}
		if err := w.SetFormula(name, ds, formula, expr); err != nil {
			return diags.add(lineNo, fmt.Sprintf("cannot bind formula for %q: %v", name, err))
		}
		return nil
	case strings.HasPrefix(value, "$"):
		aliasName, aliasDs := splitKey(strings.TrimPrefix(value, "$"))
		if err := w.SetAlias(name, ds, aliasName, aliasDs); err != nil {
			return diags.add(lineNo, fmt.Sprintf("cannot bind alias for %q: %v", name, err))
		}
		return nil
	case strings.HasSuffix(value, "!"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(value, "!"), 64)
		if err != nil {
			return diags.add(lineNo, fmt.Sprintf("value not understood for %q: %q", name, value))
		}
		if err := w.SetFixed(name, ds, v); err != nil {
			return diags.add(lineNo, fmt.Sprintf("cannot fix %q: %v", name, err))
		}
		return nil
	default:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return diags.add(lineNo, fmt.Sprintf("value not understood for %q: %q", name, value))
		}
		if ds == -1 {
			if err := w.SetGlobal(name, v); err != nil {
				return diags.add(lineNo, fmt.Sprintf("cannot apply %q: %v", name, err))
			}
			return nil
		}
		if err := w.SetDatasetValue(name, ds, v); err != nil {
			return diags.add(lineNo, fmt.Sprintf("cannot apply %q[#%d]: %v", name, ds, err))
		}
		return nil
	}
}

// splitKey parses "name" or "name[#i]" into (name, dsIndex), returning
// dsIndex == -1 for the global form.
func splitKey(key string) (string, int) {
	if m := perDatasetName.FindStringSubmatch(key); m != nil {
		ds, err := strconv.Atoi(m[2])
		if err != nil {
			return key, -1
		}
		return m[1], ds
	}
	return key, -1
}
