package workspace

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/adgarrio-labs/qsoas-fitcore/fit/engine"
)

// ParseOptions interprets the caller-facing "/key=value" fit options and
// folds them into base (a zero-value base starts from
// engine.DefaultConfig). Recognised keys: debug, threads, engine,
// iterations, extra-parameters, parameters, set-from-meta, and the
// per-engine tunables lambda, scale, end-threshold, relative-min,
// trial-steps, scaling, global-scaling-order and residuals-threshold. An
// unknown key is an error: option strings come from user input, and a
// typo silently ignored would be worse than a refusal.
func ParseOptions(base Options, args []string) (Options, error) {
	opts := base
	if opts.Engine == (engine.Config{}) {
		opts.Engine = engine.DefaultConfig()
	}
	for _, arg := range args {
		body := strings.TrimPrefix(arg, "/")
		key, value, ok := strings.Cut(body, "=")
		if !ok {
			return opts, fmt.Errorf("workspace: option %q is not of the form /key=value", arg)
		}
		if err := applyOption(&opts, key, value); err != nil {
			return opts, fmt.Errorf("workspace: option %q: %w", arg, err)
		}
	}
	return opts, nil
}

func applyOption(opts *Options, key, value string) error {
	switch key {
	case "debug":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		opts.Debug = n
	case "threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		if n <= 0 {
			n = runtime.NumCPU()
		}
		opts.Threads = n
	case "engine":
		if _, ok := engine.Lookup(value); !ok {
			return fmt.Errorf("no engine named %q is registered", value)
		}
		opts.EngineName = value
	case "iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		opts.Engine.IterationLimit = n
	case "extra-parameters":
		opts.ExtraParameters = splitNonEmpty(value)
	case "parameters":
		opts.ParametersFile = value
	case "set-from-meta":
		if opts.SetFromMeta == nil {
			opts.SetFromMeta = make(map[string]string)
		}
		for _, pair := range splitNonEmpty(value) {
			param, meta, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("entry %q is not of the form param=meta", pair)
			}
			opts.SetFromMeta[param] = meta
		}
	case "lambda":
		return parseFloatInto(value, &opts.Engine.Lambda0)
	case "scale":
		return parseFloatInto(value, &opts.Engine.Scale)
	case "end-threshold":
		return parseFloatInto(value, &opts.Engine.EndThreshold)
	case "relative-min":
		return parseFloatInto(value, &opts.Engine.RelativeMin)
	case "residuals-threshold":
		return parseFloatInto(value, &opts.Engine.ResidualsThreshold)
	case "trial-steps":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		opts.Engine.MaxTries = n
		opts.Engine.MaxTriesFirstIteration = n + 10
	case "scaling":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		opts.Engine.ScaleByMagnitude = b
	case "global-scaling-order":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		opts.Engine.GlobalScalingOrder = n
	default:
		return fmt.Errorf("unknown option")
	}
	return nil
}

func parseFloatInto(value string, dst *float64) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func splitNonEmpty(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
