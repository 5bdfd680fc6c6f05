package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/vggtrain/config"
	"github.com/tsawler/vggtrain/evaluation"
	"github.com/tsawler/vggtrain/vision/dataset"
)

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("VGGTRAIN_TEST_DIR", "")
	if got := getEnvOrDefault("VGGTRAIN_TEST_DIR", "fallback"); got != "fallback" {
		t.Errorf("unset: got %q, want fallback", got)
	}
	t.Setenv("VGGTRAIN_TEST_DIR", "/data")
	if got := getEnvOrDefault("VGGTRAIN_TEST_DIR", "fallback"); got != "/data" {
		t.Errorf("set: got %q, want /data", got)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("VGGTRAIN_DATA_DIR", "/tmp/cifar")
	t.Setenv("VGGTRAIN_LOG_DIR", "/tmp/run")
	cfgFile = ""
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.DataDir != "/tmp/cifar" || cfg.LogDir != "/tmp/run" {
		t.Errorf("dirs = %q, %q", cfg.DataDir, cfg.LogDir)
	}
}

func TestTrainOptionsApply(t *testing.T) {
	cfg := config.Default()
	opts := trainOptions{logDir: "l", dataDir: "d", model: "autoencoder", datasetName: "synthetic", batchSize: 32, epochs: 2}
	if err := opts.apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := []interface{}{cfg.LogDir, cfg.DataDir, cfg.Model.Architecture, cfg.Dataset.Name, cfg.Train.BatchSize, cfg.Train.Epochs}
	want := []interface{}{"l", "d", "autoencoder", "synthetic", 32, 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	// unset flags keep the file values
	cfg = config.Default()
	if err := (trainOptions{}).apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Train.BatchSize != 128 || cfg.Model.Architecture != "vgg" {
		t.Errorf("defaults changed: batch %d, model %s", cfg.Train.BatchSize, cfg.Model.Architecture)
	}

	if err := (trainOptions{model: "resnet"}).apply(config.Default()); err == nil {
		t.Error("Expected an unknown architecture to be rejected")
	}
}

func TestEvalOptionsApply(t *testing.T) {
	cfg := config.Default()
	split, err := evalOptions{device: "cpu"}.apply(cfg)
	if err != nil || split != dataset.Validation {
		t.Errorf("default split = %v, %v; want validation", split, err)
	}
	split, err = evalOptions{test: true, batchSize: 50}.apply(cfg)
	if err != nil || split != dataset.Test {
		t.Errorf("--test split = %v, %v; want test", split, err)
	}
	if cfg.Eval.BatchSize != 50 {
		t.Errorf("eval batch size = %d, want 50", cfg.Eval.BatchSize)
	}
	if _, err := (evalOptions{device: "gpu"}).apply(config.Default()); err == nil {
		t.Error("Expected a non-cpu device to be rejected")
	}
}

func TestRunEvalNoCheckpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Dataset.Name = "synthetic"
	var out bytes.Buffer
	err := runEval(context.Background(), cfg, evalOptions{checkpointPath: t.TempDir()}, &out)
	if err != nil {
		t.Fatalf("runEval: %v", err)
	}
	if strings.TrimSpace(out.String()) != evaluation.NoCheckpointMessage {
		t.Errorf("output = %q, want %q", out.String(), evaluation.NoCheckpointMessage)
	}
}

func TestRunTrainThenEval(t *testing.T) {
	if testing.Short() {
		t.Skip("trains a small network for one epoch")
	}
	logDir := filepath.Join(t.TempDir(), "run")
	cfg := config.Default()
	cfg.Loader.Workers = 2
	opts := trainOptions{logDir: logDir, model: "vgg-small", datasetName: "synthetic", batchSize: 100, epochs: 1}

	var out bytes.Buffer
	if err := runTrain(context.Background(), cfg, opts, &out); err != nil {
		t.Fatalf("runTrain: %v\n%s", err, out.String())
	}
	if _, err := os.Stat(filepath.Join(logDir, "model.ckpt-9.gob")); err != nil {
		t.Errorf("Expected the epoch checkpoint: %v", err)
	}
	if !strings.Contains(out.String(), "validation accuracy = ") {
		t.Errorf("Expected a validation line in:\n%s", out.String())
	}

	cfg = config.Default()
	out.Reset()
	err := runEval(context.Background(), cfg, evalOptions{checkpointPath: logDir, datasetName: "synthetic", test: true, model: "vgg-small"}, &out)
	if err != nil {
		t.Fatalf("runEval: %v", err)
	}
	if !strings.Contains(out.String(), ": test accuracy = ") {
		t.Errorf("Expected a test accuracy line, got %q", out.String())
	}
	t.Logf("✅ %s", strings.TrimSpace(out.String()))
}

func TestRunTrainRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	err := runTrain(context.Background(), cfg, trainOptions{logDir: t.TempDir(), model: "nope", datasetName: "synthetic"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "model.architecture") {
		t.Errorf("Expected an architecture error, got %v", err)
	}
}

func TestCommandTree(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"train", "eval", "version"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("missing %q command in %v", want, names)
		}
	}
	if f := rootCmd.PersistentFlags().ShorthandLookup("v"); f == nil {
		t.Error("klog verbosity should be bound as -v")
	}
}
