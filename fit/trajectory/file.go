package trajectory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WriteFile exports ts to path in the line-oriented key=value format: a
// "[trajectory k]" header per record followed by
// its key=value lines. Unknown keys collected at import time are
// preserved verbatim so a read-modify-write round trip never drops data.
func (ts *FitTrajectories) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trajectory: create %s: %w", path, err)
	}
	defer f.Close()
	return ts.Write(f)
}

// Write is WriteFile's io.Writer-based counterpart.
func (ts *FitTrajectories) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for i, t := range ts.Records {
		fmt.Fprintf(bw, "[trajectory %d]\n", i)
		fmt.Fprintf(bw, "startTime=%s\n", t.StartTime.Format(time.RFC3339Nano))
		fmt.Fprintf(bw, "endTime=%s\n", t.EndTime.Format(time.RFC3339Nano))
		fmt.Fprintf(bw, "engine=%s\n", t.EngineName)
		fmt.Fprintf(bw, "residuals=%s\n", formatFloat(t.OverallResidual))
		fmt.Fprintf(bw, "relResiduals=%s\n", formatFloat(t.OverallRelativeResidual))
		fmt.Fprintf(bw, "internalResidual=%s\n", formatFloat(t.InternalResidual))
		fmt.Fprintf(bw, "delta=%s\n", formatFloat(t.Delta))
		fmt.Fprintf(bw, "ending=%s\n", t.Ending.String())
		fmt.Fprintf(bw, "flags=%s\n", strings.Join(sortedFlags(t.Flags), ","))
		fmt.Fprintf(bw, "iterations=%d\n", t.Iterations)
		fmt.Fprintf(bw, "evaluations=%d\n", t.Evaluations)
		fmt.Fprintf(bw, "initial=%s\n", formatFloats(t.InitialParameters))
		fmt.Fprintf(bw, "final=%s\n", formatFloats(t.FinalParameters))
		fmt.Fprintf(bw, "errors=%s\n", formatFloats(t.ParameterErrors))
		fmt.Fprintf(bw, "weights=%s\n", formatFloats(t.Weights))
		fmt.Fprintf(bw, "pointResiduals=%s\n", formatFloats(t.PointResiduals))
		fmt.Fprintf(bw, "pointRelResiduals=%s\n", formatFloats(t.RelativeResiduals))
		for k, v := range t.Unknown {
			fmt.Fprintf(bw, "%s=%s\n", k, v)
		}
	}
	return bw.Flush()
}

// ReadFile imports a trajectory file previously written by WriteFile, or
// one following the same line grammar. Unknown keys are stored in
// each record's Unknown map rather than rejected, so future keys this
// importer does not yet know about survive a round trip.
func ReadFile(path string) (*FitTrajectories, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("trajectory: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read is ReadFile's io.Reader-based counterpart.
func Read(r io.Reader) (*FitTrajectories, error) {
	ts := &FitTrajectories{}
	var cur *FitTrajectory

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[trajectory") {
			if cur != nil {
				ts.Records = append(ts.Records, cur)
			}
			cur = &FitTrajectory{Flags: map[string]bool{}, Unknown: map[string]string{}}
			continue
		}
		if cur == nil {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		applyKey(cur, key, value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("trajectory: scan: %w", err)
	}
	if cur != nil {
		ts.Records = append(ts.Records, cur)
	}
	return ts, nil
}

func applyKey(t *FitTrajectory, key, value string) {
	switch key {
	case "startTime":
		t.StartTime, _ = time.Parse(time.RFC3339Nano, value)
	case "endTime":
		t.EndTime, _ = time.Parse(time.RFC3339Nano, value)
	case "engine":
		t.EngineName = value
	case "residuals":
		t.OverallResidual = parseFloat(value)
	case "relResiduals":
		t.OverallRelativeResidual = parseFloat(value)
	case "internalResidual":
		t.InternalResidual = parseFloat(value)
	case "delta":
		t.Delta = parseFloat(value)
	case "ending":
		t.Ending = parseEndReason(value)
	case "flags":
		for _, f := range strings.Split(value, ",") {
			if f != "" {
				t.SetFlag(f)
			}
		}
	case "iterations":
		t.Iterations, _ = strconv.Atoi(value)
	case "evaluations":
		t.Evaluations, _ = strconv.Atoi(value)
	case "initial":
		t.InitialParameters = parseFloats(value)
	case "final":
		t.FinalParameters = parseFloats(value)
	case "errors":
		t.ParameterErrors = parseFloats(value)
	case "weights":
		t.Weights = parseFloats(value)
	case "pointResiduals":
		t.PointResiduals = parseFloats(value)
	case "pointRelResiduals":
		t.RelativeResiduals = parseFloats(value)
	default:
		t.Unknown[key] = value
	}
}

func sortedFlags(flags map[string]bool) []string {
	out := make([]string, 0, len(flags))
	for f := range flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func parseFloats(s string) []float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		out[i] = parseFloat(f)
	}
	return out
}
