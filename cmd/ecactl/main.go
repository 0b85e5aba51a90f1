package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"eca/internal/eca"
	"eca/internal/model"
	"eca/internal/storage"
	"eca/pkg/ecaapi"
)

const (
	benchmarksDir = "benchmarks"
	exportsDir    = "exports"
	defaultDBPath = "eca.db"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "delete":
		return runDelete(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func newClient(storeKind, dbPath string, logger *log.Logger) (*ecaapi.Client, error) {
	return ecaapi.New(ecaapi.Options{
		StoreKind:     storeKind,
		DBPath:        dbPath,
		BenchmarksDir: benchmarksDir,
		ExportsDir:    exportsDir,
		Logger:        logger,
	})
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional train config JSON path")
	mode := fs.String("mode", model.ModeSupervised, "training mode: supervised|unsupervised|multi")
	datasetName := fs.String("dataset", "synthetic", "dataset: synthetic|mnist|csv")
	dataPath := fs.String("data", "", "MNIST directory or CSV file")
	csvHeader := fs.Bool("csv-header", false, "CSV file has a header row")
	classes := fs.Int("classes", 3, "synthetic class count")
	features := fs.Int("features", 8, "synthetic feature count")
	samples := fs.Int("samples", 600, "sample count (synthetic size, cap for mnist/csv; 0 reads all)")
	trainSize := fs.Int("train-size", 0, "training samples; the rest evaluate (0 uses 80%)")
	layers := fs.String("layers", "16", "comma separated layer widths")
	nonlin := fs.String("nonlin", eca.Rectifier.String(), "nonlinearity: identity|rect|tanh|sigmoid")
	minTau := fs.Float64("min-tau", 0, "propagation time-constant floor")
	layerMinTau := fs.Float64("layer-min-tau", 0, "layer adaptation time-constant floor")
	deltaLimit := fs.Float64("delta-limit", eca.DefaultDeltaLimit, "convergence threshold")
	maxIter := fs.Int("max-iter", eca.DefaultConvergeIterations, "max sweeps per converge")
	timeout := fs.Duration("timeout", eca.DefaultConvergeTimeout, "wall clock budget per converge")
	batch := fs.Int("batch", 32, "training batch size")
	evalSize := fs.Int("eval-size", 0, "evaluation batch cap (0 uses the whole eval set)")
	cycles := fs.Int("cycles", 100, "training cycles")
	evalEvery := fs.Int("eval-every", 10, "evaluate every n cycles (<0 disables)")
	stiffnessStart := fs.Float64("stiffness-start", 1.0, "initial stiffness")
	stiffnessEnd := fs.Float64("stiffness-end", 0.01, "asymptotic stiffness")
	stiffnessAlpha := fs.Float64("stiffness-alpha", 0.95, "stiffness decay factor")
	seed := fs.Int64("seed", 1, "rng seed")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	verbose := fs.Bool("v", false, "log every cycle to stderr")
	quiet := fs.Bool("q", false, "suppress per-cycle progress")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	var req ecaapi.TrainRequest
	if *configPath == "" {
		layerWidths, err := parseLayers(*layers)
		if err != nil {
			return err
		}
		req = ecaapi.TrainRequest{
			Mode:              *mode,
			Dataset:           *datasetName,
			DataPath:          *dataPath,
			CSVHeader:         *csvHeader,
			Classes:           *classes,
			Features:          *features,
			Samples:           *samples,
			TrainSize:         *trainSize,
			Layers:            layerWidths,
			Nonlinearity:      *nonlin,
			LayerMinTau:       *layerMinTau,
			PropagationMinTau: *minTau,
			DeltaLimit:        *deltaLimit,
			MaxIterations:     *maxIter,
			Timeout:           *timeout,
			BatchSize:         *batch,
			EvalSize:          *evalSize,
			Cycles:            *cycles,
			EvalEvery:         *evalEvery,
			StiffnessStart:    *stiffnessStart,
			StiffnessEnd:      *stiffnessEnd,
			StiffnessAlpha:    *stiffnessAlpha,
			Seed:              *seed,
		}
	} else {
		var err error
		if req, err = loadTrainRequestFromConfig(*configPath); err != nil {
			return err
		}
		err = overrideFromFlags(&req, setFlags, map[string]any{
			"mode":            *mode,
			"dataset":         *datasetName,
			"data":            *dataPath,
			"csv-header":      *csvHeader,
			"classes":         *classes,
			"features":        *features,
			"samples":         *samples,
			"train-size":      *trainSize,
			"layers":          *layers,
			"nonlin":          *nonlin,
			"min-tau":         *minTau,
			"layer-min-tau":   *layerMinTau,
			"delta-limit":     *deltaLimit,
			"max-iter":        *maxIter,
			"timeout":         *timeout,
			"batch":           *batch,
			"eval-size":       *evalSize,
			"cycles":          *cycles,
			"eval-every":      *evalEvery,
			"stiffness-start": *stiffnessStart,
			"stiffness-end":   *stiffnessEnd,
			"stiffness-alpha": *stiffnessAlpha,
			"seed":            *seed,
		})
		if err != nil {
			return err
		}
	}

	var logger *log.Logger
	if *verbose {
		logger = log.New(os.Stderr, "ecactl ", log.LstdFlags)
	}
	client, err := newClient(*storeKind, *dbPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	var progress *progressPrinter
	if !*quiet {
		total := req.Cycles
		if total <= 0 {
			total = *cycles
		}
		progress = newProgressPrinter(os.Stdout, total)
		req.Progress = progress.observe
	}

	summary, err := client.Train(ctx, req)
	if progress != nil {
		progress.done()
	}
	if err != nil && summary.RunID == "" {
		return err
	}
	runMode := req.Mode
	if runMode == "" {
		runMode = model.ModeSupervised
	}
	fmt.Printf("train %s run_id=%s mode=%s cycles=%d seed=%d\n", completion(summary.Completed), summary.RunID, runMode, summary.Cycles, req.Seed)
	fmt.Printf("final_accuracy=%s best_accuracy=%s\n", formatAccuracy(summary.FinalAccuracy), formatAccuracy(summary.BestAccuracy))
	fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	return err
}

func completion(completed bool) string {
	if completed {
		return "completed"
	}
	return "interrupted"
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := newClient("memory", "", nil)
	if err != nil {
		return err
	}
	items, err := client.Runs(ctx, ecaapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no runs found")
		return nil
	}

	if *jsonOut {
		type runsItem struct {
			RunID         string  `json:"run_id"`
			CreatedAtUTC  string  `json:"created_at_utc"`
			Mode          string  `json:"mode"`
			Dataset       string  `json:"dataset"`
			Cycles        int     `json:"cycles"`
			Seed          int64   `json:"seed"`
			FinalAccuracy float64 `json:"final_accuracy"`
			BestAccuracy  float64 `json:"best_accuracy"`
		}
		out := make([]runsItem, 0, len(items))
		for _, item := range items {
			out = append(out, runsItem(item))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	now := time.Now()
	for _, item := range items {
		fmt.Printf("run_id=%s created=%q mode=%s dataset=%s cycles=%s seed=%d final_accuracy=%s best_accuracy=%s\n",
			item.RunID,
			formatCreated(item.CreatedAtUTC, now),
			item.Mode,
			item.Dataset,
			humanize.Comma(int64(item.Cycles)),
			item.Seed,
			formatAccuracy(item.FinalAccuracy),
			formatAccuracy(item.BestAccuracy),
		)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("show requires --run-id")
	}

	client, err := newClient(*storeKind, *dbPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	record, err := client.Run(ctx, *runID)
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s mode=%s dataset=%s inputs=%d outputs=%d layers=%v nonlinearity=%s\n",
		record.ID, record.Mode, record.Dataset, record.Inputs, record.Outputs, record.Layers, record.Nonlinearity)
	fmt.Printf("batch=%d cycles=%d seed=%d completed=%t started=%s took=%s\n",
		record.BatchSize, record.Cycles, record.Seed, record.Completed,
		humanize.Time(record.StartedAt), record.FinishedAt.Sub(record.StartedAt).Round(time.Millisecond))
	fmt.Printf("final_accuracy=%s best_accuracy=%s\n", formatAccuracy(record.FinalAccuracy), formatAccuracy(record.BestAccuracy))
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from run index")
	limit := fs.Int("limit", 0, "max cycles to print (0 prints all)")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("history requires --run-id or --latest")
	}

	client, err := newClient(*storeKind, *dbPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	history, err := client.History(ctx, ecaapi.HistoryRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	}
	for _, d := range history {
		fmt.Printf("cycle=%d stiffness=%.6f adapt_delta=%.6g iterations=%d reconst_err=%.6g train_accuracy=%s eval_accuracy=%s elapsed=%s\n",
			d.Cycle, d.Stiffness, d.AdaptDelta, d.Iterations, d.ReconstErr,
			formatAccuracy(d.TrainAccuracy), formatAccuracy(d.EvalAccuracy), d.Elapsed.Round(time.Microsecond))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}

	client, err := newClient("memory", "", nil)
	if err != nil {
		return err
	}
	exported, err := client.Export(ctx, ecaapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", defaultDBPath, "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("delete requires --run-id")
	}

	client, err := newClient(*storeKind, *dbPath, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Delete(ctx, *runID); err != nil {
		return err
	}
	fmt.Printf("deleted run_id=%s\n", *runID)
	return nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: ecactl <train|runs|show|history|export|delete> [flags]", msg)
}
