package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"eca/internal/model"
)

const (
	runIndexFile   = "run_index.json"
	configFile     = "config.json"
	historyFile    = "history.json"
	summaryFile    = "summary.json"
	historyCSVFile = "history.csv"
)

// RunConfig is the experiment configuration written next to a run's
// artifacts.
type RunConfig struct {
	RunID             string  `json:"run_id"`
	Mode              string  `json:"mode"`
	Dataset           string  `json:"dataset"`
	DataPath          string  `json:"data_path,omitempty"`
	Inputs            int     `json:"inputs"`
	Outputs           int     `json:"outputs"`
	Layers            []int   `json:"layers"`
	Nonlinearity      string  `json:"nonlinearity"`
	LayerMinTau       float64 `json:"layer_min_tau"`
	PropagationMinTau float64 `json:"propagation_min_tau"`
	DeltaLimit        float64 `json:"delta_limit"`
	MaxIterations     int     `json:"max_iterations"`
	BatchSize         int     `json:"batch_size"`
	EvalSize          int     `json:"eval_size"`
	Cycles            int     `json:"cycles"`
	StiffnessStart    float64 `json:"stiffness_start"`
	StiffnessEnd      float64 `json:"stiffness_end"`
	StiffnessAlpha    float64 `json:"stiffness_alpha"`
	EvalEvery         int     `json:"eval_every"`
	Seed              int64   `json:"seed"`
}

type RunArtifacts struct {
	Config  RunConfig                `json:"config"`
	History []model.CycleDiagnostics `json:"history"`
	Summary HistorySummary           `json:"summary"`
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Mode          string  `json:"mode"`
	Dataset       string  `json:"dataset"`
	Cycles        int     `json:"cycles"`
	Seed          int64   `json:"seed"`
	FinalAccuracy float64 `json:"final_accuracy"`
	BestAccuracy  float64 `json:"best_accuracy"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.Config.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), artifacts.History); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if err := WriteHistorySeries(runDir, artifacts.History); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the indexed runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	// Later appended entries win ties.
	order := make(map[string]int, len(entries))
	for i, entry := range entries {
		order[entry.RunID] = i
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAtUTC == entries[j].CreatedAtUTC {
			return order[entries[i].RunID] > order[entries[j].RunID]
		}
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadHistory(baseDir, runID string) ([]model.CycleDiagnostics, bool, error) {
	var history []model.CycleDiagnostics
	ok, err := readJSON(filepath.Join(baseDir, runID, historyFile), &history)
	return history, ok, err
}

func ReadSummary(baseDir, runID string) (HistorySummary, bool, error) {
	var summary HistorySummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

// ExportRunArtifacts copies a run directory's artifacts to outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	seriesPath := filepath.Join(src, historyCSVFile)
	if _, err := os.Stat(seriesPath); err == nil {
		if err := copyFile(seriesPath, filepath.Join(dst, historyCSVFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

var historyColumns = []string{"cycle", "stiffness", "adapt_delta", "converge_delta", "iterations", "train_accuracy", "eval_accuracy", "reconst_err"}

// WriteHistorySeries writes the scalar columns of the cycle history as CSV.
func WriteHistorySeries(runDir string, history []model.CycleDiagnostics) error {
	file, err := os.Create(filepath.Join(runDir, historyCSVFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(historyColumns); err != nil {
		return err
	}
	format := func(v float64) string {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	for _, cycle := range history {
		if err := writer.Write([]string{
			strconv.Itoa(cycle.Cycle),
			format(cycle.Stiffness),
			format(cycle.AdaptDelta),
			format(cycle.ConvergeDelta),
			strconv.Itoa(cycle.Iterations),
			format(cycle.TrainAccuracy),
			format(cycle.EvalAccuracy),
			format(cycle.ReconstErr),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadHistorySeries reads back the scalar columns written by
// WriteHistorySeries.
func ReadHistorySeries(baseDir, runID string) ([]model.CycleDiagnostics, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, historyCSVFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []model.CycleDiagnostics{}, true, nil
		}
		return nil, false, err
	}
	if len(header) != len(historyColumns) {
		return nil, false, fmt.Errorf("history series header must have %d columns, got %d", len(historyColumns), len(header))
	}

	series := make([]model.CycleDiagnostics, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		cycle, err := parseHistoryRow(record)
		if err != nil {
			return nil, false, err
		}
		series = append(series, cycle)
	}
	return series, true, nil
}

func parseHistoryRow(record []string) (model.CycleDiagnostics, error) {
	var (
		cycle model.CycleDiagnostics
		err   error
	)
	if cycle.Cycle, err = strconv.Atoi(record[0]); err != nil {
		return cycle, err
	}
	if cycle.Iterations, err = strconv.Atoi(record[4]); err != nil {
		return cycle, err
	}
	floats := []*float64{&cycle.Stiffness, &cycle.AdaptDelta, &cycle.ConvergeDelta, nil, &cycle.TrainAccuracy, &cycle.EvalAccuracy, &cycle.ReconstErr}
	for i, dst := range floats {
		if dst == nil {
			continue
		}
		if *dst, err = strconv.ParseFloat(record[i+1], 64); err != nil {
			return cycle, err
		}
	}
	return cycle, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
