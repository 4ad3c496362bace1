package trajectory

import "gopkg.in/yaml.v3"

// summaryRecord is the structured (non line-oriented) view SummaryYAML
// marshals: the handful of fields a caller typically wants for a quick
// overview of a trajectory list, without the full parameter vectors. The
// primary trajectory file format stays the line-oriented key=value
// grammar; this is additive tooling on top of it, wiring gopkg.in/yaml.v3
// (see DESIGN.md).
type summaryRecord struct {
	Engine      string   `yaml:"engine"`
	Ending      string   `yaml:"ending"`
	Residuals   float64  `yaml:"residuals"`
	Iterations  int      `yaml:"iterations"`
	Evaluations int      `yaml:"evaluations"`
	Flags       []string `yaml:"flags,omitempty"`
}

// SummaryYAML renders a compact YAML summary of every record: engine
// name, ending reason, overall residual, iteration/evaluation counts and
// flags. It is meant for a human skimming many runs, not for round-trip
// persistence — use WriteFile/ReadFile for that.
func (ts *FitTrajectories) SummaryYAML() (string, error) {
	records := make([]summaryRecord, len(ts.Records))
	for i, t := range ts.Records {
		records[i] = summaryRecord{
			Engine:      t.EngineName,
			Ending:      t.Ending.String(),
			Residuals:   t.OverallResidual,
			Iterations:  t.Iterations,
			Evaluations: t.Evaluations,
			Flags:       sortedFlags(t.Flags),
		}
	}
	out, err := yaml.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
