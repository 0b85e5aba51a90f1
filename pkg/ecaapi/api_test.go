package ecaapi

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"eca/internal/model"
	"eca/internal/stats"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:     "memory",
		BenchmarksDir: filepath.Join(base, "benchmarks"),
		ExportsDir:    filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func smallRequest(mode string) TrainRequest {
	return TrainRequest{
		Mode:          mode,
		Classes:       2,
		Features:      4,
		Samples:       40,
		Layers:        []int{4},
		MaxIterations: 30,
		Timeout:       time.Second,
		BatchSize:     8,
		Cycles:        3,
		EvalEvery:     1,
		Seed:          7,
	}
}

func TestClientTrainRunsHistoryAndExport(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()

	var progress []int
	req := smallRequest(model.ModeSupervised)
	req.Progress = func(d model.CycleDiagnostics) {
		progress = append(progress, d.Cycle)
	}
	summary, err := client.Train(ctx, req)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.RunID == "" || !summary.Completed || summary.Cycles != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(progress) != 3 {
		t.Fatalf("unexpected progress calls: %v", progress)
	}
	if summary.FinalAccuracy < 0 || summary.FinalAccuracy > 1 {
		t.Fatalf("final accuracy out of range: %f", summary.FinalAccuracy)
	}
	for _, file := range []string{"config.json", "history.json", "summary.json", "history.csv"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("missing artifact %s: %v", file, err)
		}
	}

	runs, err := client.Runs(ctx, RunsRequest{Limit: 5})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID || runs[0].Mode != model.ModeSupervised || runs[0].Dataset != "synthetic" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	record, err := client.Run(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("run record: %v", err)
	}
	if record.Inputs != 4 || record.Outputs != 2 || !record.Completed || record.Nonlinearity != "rect" {
		t.Fatalf("unexpected record: %+v", record)
	}

	history, err := client.History(ctx, HistoryRequest{Latest: true, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Cycle != 0 || history[1].Cycle != 1 {
		t.Fatalf("unexpected history: %+v", history)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != summary.RunID || exported.Directory != filepath.Join(base, "exports", summary.RunID) {
		t.Fatalf("unexpected export: %+v", exported)
	}
}

func TestTrainerConfigSeparatesTimeConstantFloors(t *testing.T) {
	req := smallRequest(model.ModeSupervised)
	req.Layers = []int{6, 4}
	req.LayerMinTau = 1
	req.PropagationMinTau = 0.25
	cfg := trainerConfig(withTrainDefaults(req), nil)

	if len(cfg.Network.Layers) != 2 {
		t.Fatalf("unexpected layers: %+v", cfg.Network.Layers)
	}
	for i, layer := range cfg.Network.Layers {
		if layer.MinTau != 1 {
			t.Fatalf("layer %d: got=%f want=1", i, layer.MinTau)
		}
	}
	if cfg.Model.MinTau != 0.25 {
		t.Fatalf("unexpected propagation floor: got=%f want=0.25", cfg.Model.MinTau)
	}
}

func TestClientTrainRecordsTimeConstantFloors(t *testing.T) {
	client, base := newTestClient(t)
	req := smallRequest(model.ModeUnsupervised)
	req.Cycles = 1
	req.LayerMinTau = 1
	req.PropagationMinTau = 0.5

	summary, err := client.Train(context.Background(), req)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	cfg, ok, err := stats.ReadRunConfig(filepath.Join(base, "benchmarks"), summary.RunID)
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.LayerMinTau != 1 || cfg.PropagationMinTau != 0.5 {
		t.Fatalf("unexpected floors: layer=%f propagation=%f", cfg.LayerMinTau, cfg.PropagationMinTau)
	}
}

func TestClientHistoryFallsBackToArtifacts(t *testing.T) {
	client, base := newTestClient(t)
	ctx := context.Background()

	summary, err := client.Train(ctx, smallRequest(model.ModeUnsupervised))
	if err != nil {
		t.Fatalf("train: %v", err)
	}

	// A fresh memory store only has the artifacts on disk.
	fresh, err := New(Options{StoreKind: "memory", BenchmarksDir: filepath.Join(base, "benchmarks")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	history, err := fresh.History(ctx, HistoryRequest{RunID: summary.RunID})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("unexpected history length: %d", len(history))
	}
	if _, err := fresh.Run(ctx, summary.RunID); err == nil {
		t.Fatal("expected run record to be missing from a fresh store")
	}
}

func TestClientTrainRecordsCancelledRun(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := smallRequest(model.ModeMultiModel)
	req.Cycles = 10
	req.Progress = func(d model.CycleDiagnostics) {
		if d.Cycle == 0 {
			cancel()
		}
	}
	summary, err := client.Train(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if summary.Completed || summary.Cycles != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	record, err := client.Run(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("run record: %v", err)
	}
	if record.Completed || record.Cycles != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestClientTrainFromCSV(t *testing.T) {
	client, base := newTestClient(t)
	path := filepath.Join(base, "points.csv")
	rows := []string{"x,y,label"}
	for i := 0; i < 10; i++ {
		rows = append(rows, "0.1,0.2,0", "0.9,0.8,1")
	}
	if err := os.WriteFile(path, []byte(strings.Join(rows, "\n")), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	req := smallRequest(model.ModeSupervised)
	req.Dataset = "csv"
	req.DataPath = path
	req.CSVHeader = true
	req.Samples = 0
	req.TrainSize = 16
	summary, err := client.Train(context.Background(), req)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	cfg, ok, err := stats.ReadRunConfig(filepath.Join(base, "benchmarks"), summary.RunID)
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.Dataset != "points.csv" || cfg.Inputs != 2 || cfg.Outputs != 2 {
		t.Fatalf("unexpected run config: %+v", cfg)
	}
}

func TestClientRequestValidation(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.History(ctx, HistoryRequest{RunID: "a", Latest: true}); err == nil {
		t.Fatal("expected run id/latest conflict")
	}
	if _, err := client.History(ctx, HistoryRequest{Limit: -1}); err == nil {
		t.Fatal("expected negative limit error")
	}
	if _, err := client.History(ctx, HistoryRequest{Latest: true}); err == nil {
		t.Fatal("expected no runs error")
	}
	if _, err := client.Export(ctx, ExportRequest{}); err == nil {
		t.Fatal("expected export target error")
	}

	bad := smallRequest(model.ModeSupervised)
	bad.Dataset = "parquet"
	if _, err := client.Train(ctx, bad); err == nil {
		t.Fatal("expected unsupported dataset error")
	}
	bad = smallRequest(model.ModeSupervised)
	bad.Dataset = "mnist"
	if _, err := client.Train(ctx, bad); err == nil {
		t.Fatal("expected missing mnist path error")
	}
	bad = smallRequest(model.ModeSupervised)
	bad.TrainSize = 41
	if _, err := client.Train(ctx, bad); err == nil {
		t.Fatal("expected train size error")
	}
}

func TestClientDelete(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	summary, err := client.Train(ctx, smallRequest(model.ModeSupervised))
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if err := client.Delete(ctx, summary.RunID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := client.Run(ctx, summary.RunID); err == nil {
		t.Fatal("expected deleted run to be missing")
	}
}
