// Package ecaapi is the public entry point for training ECA networks and
// inspecting recorded runs.
package ecaapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"eca/internal/dataset"
	"eca/internal/eca"
	"eca/internal/model"
	"eca/internal/stats"
	"eca/internal/storage"
	"eca/internal/trainer"
)

const (
	defaultBenchmarksDir = "benchmarks"
	defaultExportsDir    = "exports"
	defaultDBPath        = "eca.db"

	datasetSynthetic = "synthetic"
	datasetMNIST     = "mnist"
	datasetCSV       = "csv"

	defaultSyntheticClasses  = 3
	defaultSyntheticFeatures = 8
	defaultSyntheticSamples  = 600
	defaultSyntheticSpread   = 0.1
	defaultTrainFraction     = 0.8
	defaultLayerWidth        = 16
)

type Options struct {
	StoreKind     string
	DBPath        string
	BenchmarksDir string
	ExportsDir    string
	// Logger receives per-cycle training lines; nil discards them.
	Logger *log.Logger
}

type Client struct {
	store       storage.Store
	initialized bool

	benchmarksDir string
	exportsDir    string
	logger        *log.Logger
}

type TrainRequest struct {
	Mode    string
	Dataset string
	// DataPath is the MNIST directory or the CSV file.
	DataPath  string
	CSVHeader bool

	// Synthetic data shape. Samples also caps MNIST and CSV sets.
	Classes  int
	Features int
	Samples  int
	// TrainSize samples train; the rest evaluate. Zero uses 80%. MNIST
	// evaluates on its test files instead.
	TrainSize int

	Layers       []int
	Nonlinearity string
	// LayerMinTau is the adaptation time-constant floor of every layer.
	LayerMinTau float64
	// PropagationMinTau is the state time-constant floor used while
	// converging.
	PropagationMinTau float64
	DeltaLimit        float64
	MaxIterations     int
	Timeout           time.Duration

	BatchSize      int
	EvalSize       int
	Cycles         int
	EvalEvery      int
	StiffnessStart float64
	StiffnessEnd   float64
	StiffnessAlpha float64
	Seed           int64

	// Progress is called after every cycle.
	Progress func(model.CycleDiagnostics)
}

type TrainSummary struct {
	RunID         string
	ArtifactsDir  string
	Cycles        int
	FinalAccuracy float64
	BestAccuracy  float64
	Completed     bool
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Mode          string
	Dataset       string
	Cycles        int
	Seed          int64
	FinalAccuracy float64
	BestAccuracy  float64
}

type HistoryRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	benchmarksDir := opts.BenchmarksDir
	if benchmarksDir == "" {
		benchmarksDir = defaultBenchmarksDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:         store,
		benchmarksDir: benchmarksDir,
		exportsDir:    exportsDir,
		logger:        logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.ensureStore(ctx)
}

// Train loads the requested data, runs the trainer and records the run in
// the store and as artifacts. A cancelled run is still recorded, with
// Completed false, and the context error is returned with its summary.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	req = withTrainDefaults(req)
	if err := c.ensureStore(ctx); err != nil {
		return TrainSummary{}, err
	}

	train, eval, err := loadData(req)
	if err != nil {
		return TrainSummary{}, err
	}

	cfg := trainerConfig(req, c.logger)

	runID := uuid.NewString()
	started := time.Now().UTC()
	result, runErr := trainer.Run(ctx, cfg, train, eval, req.Progress)
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return TrainSummary{}, runErr
	}
	finished := time.Now().UTC()

	// A cancelled ctx must not block persisting what was trained.
	persistCtx := context.WithoutCancel(ctx)
	record := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              runID,
		Mode:            req.Mode,
		Dataset:         train.Name,
		Inputs:          train.Inputs(),
		Outputs:         train.Classes,
		Layers:          append([]int(nil), req.Layers...),
		Nonlinearity:    cfg.Network.Nonlinearity.String(),
		BatchSize:       req.BatchSize,
		Cycles:          len(result.History),
		Seed:            req.Seed,
		StartedAt:       started,
		FinishedAt:      finished,
		FinalAccuracy:   result.FinalAccuracy,
		BestAccuracy:    result.BestAccuracy,
		Completed:       result.Completed,
	}
	if err := c.store.SaveRun(persistCtx, record); err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.SaveCycleHistory(persistCtx, runID, result.History); err != nil {
		return TrainSummary{}, err
	}

	runDir, err := stats.WriteRunArtifacts(c.benchmarksDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:             runID,
			Mode:              req.Mode,
			Dataset:           train.Name,
			DataPath:          req.DataPath,
			Inputs:            record.Inputs,
			Outputs:           record.Outputs,
			Layers:            record.Layers,
			Nonlinearity:      record.Nonlinearity,
			LayerMinTau:       req.LayerMinTau,
			PropagationMinTau: req.PropagationMinTau,
			DeltaLimit:        req.DeltaLimit,
			MaxIterations:     req.MaxIterations,
			BatchSize:         req.BatchSize,
			EvalSize:          req.EvalSize,
			Cycles:            req.Cycles,
			StiffnessStart:    req.StiffnessStart,
			StiffnessEnd:      req.StiffnessEnd,
			StiffnessAlpha:    req.StiffnessAlpha,
			EvalEvery:         req.EvalEvery,
			Seed:              req.Seed,
		},
		History: result.History,
		Summary: stats.SummarizeHistory(result.History),
	})
	if err != nil {
		return TrainSummary{}, err
	}
	if err := stats.AppendRunIndex(c.benchmarksDir, stats.RunIndexEntry{
		RunID:         runID,
		Mode:          req.Mode,
		Dataset:       train.Name,
		Cycles:        len(result.History),
		Seed:          req.Seed,
		FinalAccuracy: result.FinalAccuracy,
		BestAccuracy:  result.BestAccuracy,
		CreatedAtUTC:  started.Format(time.RFC3339Nano),
	}); err != nil {
		return TrainSummary{}, err
	}

	return TrainSummary{
		RunID:         runID,
		ArtifactsDir:  filepath.Clean(runDir),
		Cycles:        len(result.History),
		FinalAccuracy: result.FinalAccuracy,
		BestAccuracy:  result.BestAccuracy,
		Completed:     result.Completed,
	}, runErr
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.benchmarksDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Mode:          e.Mode,
			Dataset:       e.Dataset,
			Cycles:        e.Cycles,
			Seed:          e.Seed,
			FinalAccuracy: e.FinalAccuracy,
			BestAccuracy:  e.BestAccuracy,
		})
	}
	return out, nil
}

// Run returns the stored record of one run.
func (c *Client) Run(ctx context.Context, runID string) (model.RunRecord, error) {
	if runID == "" {
		return model.RunRecord{}, errors.New("run id is required")
	}
	if err := c.ensureStore(ctx); err != nil {
		return model.RunRecord{}, err
	}
	record, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	if !ok {
		return model.RunRecord{}, fmt.Errorf("run not found: %s", runID)
	}
	return record, nil
}

// History returns the per-cycle diagnostics of a run, from the store when
// it has them and from the run artifacts otherwise.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.CycleDiagnostics, error) {
	if req.RunID != "" && req.Latest {
		return nil, errors.New("use either run id or latest")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}

	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, errors.New("history requires run id or latest")
	}
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}

	history, ok, err := c.store.GetCycleHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		history, ok, err = stats.ReadHistory(c.benchmarksDir, runID)
		if err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("history not found for run id: %s", runID)
	}
	if req.Limit > 0 && len(history) > req.Limit {
		history = history[:req.Limit]
	}
	out := make([]model.CycleDiagnostics, len(history))
	copy(out, history)
	return out, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	exportedDir, err := stats.ExportRunArtifacts(c.benchmarksDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Delete removes a run from the store. Artifacts on disk are kept.
func (c *Client) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := c.ensureStore(ctx); err != nil {
		return err
	}
	return c.store.DeleteRun(ctx, runID)
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if !latest {
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.benchmarksDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// trainerConfig maps a request onto the trainer. LayerMinTau tunes every
// layer's adaptation while PropagationMinTau only affects relaxation.
func trainerConfig(req TrainRequest, logger *log.Logger) trainer.Config {
	layers := make([]eca.LayerSpec, len(req.Layers))
	for i, w := range req.Layers {
		layers[i] = eca.LayerSpec{Width: w, MinTau: req.LayerMinTau}
	}
	return trainer.Config{
		Mode: req.Mode,
		Network: eca.Config{
			Layers:       layers,
			Nonlinearity: eca.Custom(req.Nonlinearity),
			Seed:         req.Seed,
		},
		Model: eca.ModelOptions{
			MinTau:     req.PropagationMinTau,
			DeltaLimit: req.DeltaLimit,
			Limits:     eca.Limits{Timeout: req.Timeout, MaxIterations: req.MaxIterations},
		},
		BatchSize: req.BatchSize,
		EvalSize:  req.EvalSize,
		Cycles:    req.Cycles,
		EvalEvery: req.EvalEvery,
		Stiffness: trainer.Schedule{Start: req.StiffnessStart, End: req.StiffnessEnd, Alpha: req.StiffnessAlpha},
		Logger:    logger,
	}
}

func withTrainDefaults(req TrainRequest) TrainRequest {
	if req.Mode == "" {
		req.Mode = model.ModeSupervised
	}
	if req.Dataset == "" {
		req.Dataset = datasetSynthetic
	}
	if len(req.Layers) == 0 {
		req.Layers = []int{defaultLayerWidth}
	}
	if req.Nonlinearity == "" {
		req.Nonlinearity = eca.Rectifier.String()
	}
	if req.DeltaLimit <= 0 {
		req.DeltaLimit = eca.DefaultDeltaLimit
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = eca.DefaultConvergeIterations
	}
	if req.Timeout <= 0 {
		req.Timeout = eca.DefaultConvergeTimeout
	}
	return req
}

func loadData(req TrainRequest) (*dataset.Set, *dataset.Set, error) {
	switch req.Dataset {
	case datasetSynthetic:
		opts := dataset.SyntheticOptions{
			Classes:  req.Classes,
			Features: req.Features,
			Samples:  req.Samples,
			Spread:   defaultSyntheticSpread,
			Seed:     req.Seed,
		}
		if opts.Classes <= 0 {
			opts.Classes = defaultSyntheticClasses
		}
		if opts.Features <= 0 {
			opts.Features = defaultSyntheticFeatures
		}
		if opts.Samples <= 0 {
			opts.Samples = defaultSyntheticSamples
		}
		set, err := dataset.Synthetic(opts)
		if err != nil {
			return nil, nil, err
		}
		return splitTrainEval(set, req.TrainSize)
	case datasetMNIST:
		if req.DataPath == "" {
			return nil, nil, errors.New("mnist requires a data path")
		}
		train, err := dataset.LoadMNIST(req.DataPath, dataset.MNISTTrain, req.Samples)
		if err != nil {
			return nil, nil, err
		}
		eval, err := dataset.LoadMNIST(req.DataPath, dataset.MNISTTest, req.EvalSize)
		if err != nil {
			return nil, nil, err
		}
		return train, eval, nil
	case datasetCSV:
		if req.DataPath == "" {
			return nil, nil, errors.New("csv requires a data path")
		}
		file, err := os.Open(req.DataPath)
		if err != nil {
			return nil, nil, err
		}
		defer file.Close()
		set, err := dataset.ReadCSV(file, dataset.CSVOptions{HasHeader: req.CSVHeader, LabelColumnIndex: -1})
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", req.DataPath, err)
		}
		set.Name = filepath.Base(req.DataPath)
		if req.Samples > 0 && req.Samples < set.Len() {
			if set, err = set.Slice(0, req.Samples); err != nil {
				return nil, nil, err
			}
		}
		return splitTrainEval(set, req.TrainSize)
	default:
		return nil, nil, fmt.Errorf("unsupported dataset: %s", req.Dataset)
	}
}

func splitTrainEval(set *dataset.Set, trainSize int) (*dataset.Set, *dataset.Set, error) {
	if trainSize <= 0 {
		trainSize = int(float64(set.Len()) * defaultTrainFraction)
	}
	if trainSize <= 0 || trainSize > set.Len() {
		return nil, nil, fmt.Errorf("train size %d out of range for %d samples", trainSize, set.Len())
	}
	split, err := dataset.SplitSet(set, trainSize, set.Len()-trainSize)
	if err != nil {
		return nil, nil, err
	}
	return split.Train, split.Validation, nil
}
