package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/vggtrain/checkpoints"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Train.BatchSize != 128 || cfg.Eval.BatchSize != 200 || cfg.Train.KeepProb != 1 {
		t.Errorf("Unexpected defaults: %+v %+v", cfg.Train, cfg.Eval)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	data := `
log_dir: /tmp/runs/a
model:
  architecture: autoencoder
train:
  batch_size: 64
  epochs: 3
  schedule:
    type: step
    step_size: 2
    gamma: 0.5
loader:
  workers: 4
  batch_timeout: 30s
checkpoint:
  format: json
  max_to_keep: 2
optimizer:
  type: adam
  learning_rate: 0.001
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LogDir != "/tmp/runs/a" || cfg.Model.Architecture != "autoencoder" {
		t.Errorf("Top-level fields not loaded: %+v", cfg)
	}
	// Untouched fields keep their defaults.
	if cfg.DataDir != "data" || cfg.Eval.BatchSize != 200 || cfg.Train.KeepProb != 1 {
		t.Errorf("Defaults lost: data_dir=%s eval=%+v keep=%f", cfg.DataDir, cfg.Eval, cfg.Train.KeepProb)
	}

	tc := cfg.TrainingConfig(4)
	if tc.BatchSize != 64 || tc.Epochs != 3 || tc.Schedule.StepSize != 2 || tc.BatchTimeout != 30*time.Second {
		t.Errorf("Unexpected training config %+v", tc)
	}
	if diff := cmp.Diff(float64(float32(0.001)), tc.LearningRate); diff != "" {
		t.Errorf("learning rate mismatch:\n%s", diff)
	}

	sc, err := cfg.CheckpointStore()
	if err != nil {
		t.Fatal(err)
	}
	if sc.Format != checkpoints.FormatJSON || sc.MaxToKeep != 2 {
		t.Errorf("Unexpected store config %+v", sc)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("train:\n  batch_size: 0\n  keep_prob: 2\ncheckpoint:\n  format: xml\n"), 0644)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	for _, want := range []string{"batch_size", "keep_prob", "checkpoint.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	cfg, err := Load("")
	if err != nil || cfg.Model.Architecture != "vgg" {
		t.Errorf("empty path should give defaults, got %v", err)
	}
}
