package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"eca/pkg/ecaapi"
)

func loadTrainRequestFromConfig(path string) (ecaapi.TrainRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ecaapi.TrainRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ecaapi.TrainRequest{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var req ecaapi.TrainRequest
	if v, ok := asString(raw["mode"]); ok {
		req.Mode = v
	}
	if v, ok := asString(raw["dataset"]); ok {
		req.Dataset = v
	}
	if v, ok := asString(raw["data_path"]); ok {
		req.DataPath = v
	}
	if v, ok := asBool(raw["csv_header"]); ok {
		req.CSVHeader = v
	}
	if v, ok := asInt(raw["classes"]); ok {
		req.Classes = v
	}
	if v, ok := asInt(raw["features"]); ok {
		req.Features = v
	}
	if v, ok := asInt(raw["samples"]); ok {
		req.Samples = v
	}
	if v, ok := asInt(raw["train_size"]); ok {
		req.TrainSize = v
	}
	if v, ok := raw["layers"]; ok {
		layers, err := asIntSlice(v)
		if err != nil {
			return ecaapi.TrainRequest{}, fmt.Errorf("layers: %w", err)
		}
		req.Layers = layers
	}
	if v, ok := asString(raw["nonlinearity"]); ok {
		req.Nonlinearity = v
	}
	if v, ok := asFloat64(raw["layer_min_tau"]); ok {
		req.LayerMinTau = v
	}
	if v, ok := asFloat64(raw["propagation_min_tau"]); ok {
		req.PropagationMinTau = v
	}
	if v, ok := asFloat64(raw["delta_limit"]); ok {
		req.DeltaLimit = v
	}
	if v, ok := asInt(raw["max_iterations"]); ok {
		req.MaxIterations = v
	}
	if v, ok := asInt(raw["timeout_ms"]); ok {
		req.Timeout = time.Duration(v) * time.Millisecond
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asInt(raw["eval_size"]); ok {
		req.EvalSize = v
	}
	if v, ok := asInt(raw["cycles"]); ok {
		req.Cycles = v
	}
	if v, ok := asInt(raw["eval_every"]); ok {
		req.EvalEvery = v
	}
	if stiffness, ok := raw["stiffness"].(map[string]any); ok {
		if v, ok := asFloat64(stiffness["start"]); ok {
			req.StiffnessStart = v
		}
		if v, ok := asFloat64(stiffness["end"]); ok {
			req.StiffnessEnd = v
		}
		if v, ok := asFloat64(stiffness["alpha"]); ok {
			req.StiffnessAlpha = v
		}
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// asIntSlice accepts a JSON array of widths or a comma separated string.
func asIntSlice(v any) ([]int, error) {
	switch x := v.(type) {
	case string:
		return parseLayers(x)
	case []any:
		out := make([]int, 0, len(x))
		for i, item := range x {
			n, ok := asInt(item)
			if !ok {
				return nil, fmt.Errorf("item %d is not a number", i)
			}
			out = append(out, n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value %v", v)
	}
}

func parseLayers(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("layer width %q: %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("layer width must be > 0: %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}

// overrideFromFlags applies the flags given explicitly on the command line
// over a request loaded from a config file.
func overrideFromFlags(req *ecaapi.TrainRequest, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "mode":
			req.Mode = v.(string)
		case "dataset":
			req.Dataset = v.(string)
		case "data":
			req.DataPath = v.(string)
		case "csv-header":
			req.CSVHeader = v.(bool)
		case "classes":
			req.Classes = v.(int)
		case "features":
			req.Features = v.(int)
		case "samples":
			req.Samples = v.(int)
		case "train-size":
			req.TrainSize = v.(int)
		case "layers":
			layers, err := parseLayers(v.(string))
			if err != nil {
				return err
			}
			req.Layers = layers
		case "nonlin":
			req.Nonlinearity = v.(string)
		case "min-tau":
			req.PropagationMinTau = v.(float64)
		case "layer-min-tau":
			req.LayerMinTau = v.(float64)
		case "delta-limit":
			req.DeltaLimit = v.(float64)
		case "max-iter":
			req.MaxIterations = v.(int)
		case "timeout":
			req.Timeout = v.(time.Duration)
		case "batch":
			req.BatchSize = v.(int)
		case "eval-size":
			req.EvalSize = v.(int)
		case "cycles":
			req.Cycles = v.(int)
		case "eval-every":
			req.EvalEvery = v.(int)
		case "stiffness-start":
			req.StiffnessStart = v.(float64)
		case "stiffness-end":
			req.StiffnessEnd = v.(float64)
		case "stiffness-alpha":
			req.StiffnessAlpha = v.(float64)
		case "seed":
			req.Seed = v.(int64)
		}
	}
	return nil
}
