package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"eca/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned stamps a record with the current schema and codec versions.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func EncodeCycleHistory(history []model.CycleDiagnostics) ([]byte, error) {
	return json.Marshal(history)
}

func DecodeCycleHistory(data []byte) ([]model.CycleDiagnostics, error) {
	var history []model.CycleDiagnostics
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

// sortRuns orders runs newest first, breaking ties by id.
func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}

func cloneRun(run model.RunRecord) model.RunRecord {
	run.Layers = append([]int(nil), run.Layers...)
	return run
}

func cloneHistory(history []model.CycleDiagnostics) []model.CycleDiagnostics {
	out := make([]model.CycleDiagnostics, len(history))
	for i, cycle := range history {
		out[i] = cycle
		out[i].Variance = cloneFloatMap(cycle.Variance)
		out[i].Energy = cloneFloatMap(cycle.Energy)
		out[i].PhiNorms = append([]model.PhiNormSummary(nil), cycle.PhiNorms...)
	}
	return out
}

func cloneFloatMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
