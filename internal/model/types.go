package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Run modes.
const (
	ModeSupervised   = "supervised"
	ModeUnsupervised = "unsupervised"
	ModeMultiModel   = "multi"
)

// RunRecord summarises one training run.
type RunRecord struct {
	VersionedRecord
	ID            string    `json:"id"`
	Mode          string    `json:"mode"`
	Dataset       string    `json:"dataset"`
	Inputs        int       `json:"inputs"`
	Outputs       int       `json:"outputs"`
	Layers        []int     `json:"layers"`
	Nonlinearity  string    `json:"nonlinearity"`
	BatchSize     int       `json:"batch_size"`
	Cycles        int       `json:"cycles"`
	Seed          int64     `json:"seed"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	FinalAccuracy float64   `json:"final_accuracy"`
	BestAccuracy  float64   `json:"best_accuracy"`
	Completed     bool      `json:"completed"`
}

// PhiNormSummary buckets the column norms of one layer's weight map.
type PhiNormSummary struct {
	Layer string  `json:"layer"`
	Large int     `json:"large"`
	Unit  int     `json:"unit"`
	Zero  int     `json:"zero"`
	Mean  float64 `json:"mean"`
}

// CycleDiagnostics is what the trainer records after each cycle.
type CycleDiagnostics struct {
	Cycle         int                `json:"cycle"`
	Stiffness     float64            `json:"stiffness"`
	AdaptDelta    float64            `json:"adapt_delta"`
	ConvergeDelta float64            `json:"converge_delta"`
	Iterations    int                `json:"iterations"`
	TrainAccuracy float64            `json:"train_accuracy"`
	EvalAccuracy  float64            `json:"eval_accuracy"`
	ReconstErr    float64            `json:"reconst_err"`
	Variance      map[string]float64 `json:"variance,omitempty"`
	Energy        map[string]float64 `json:"energy,omitempty"`
	PhiNorms      []PhiNormSummary   `json:"phi_norms,omitempty"`
	Elapsed       time.Duration      `json:"elapsed_ns"`
}
