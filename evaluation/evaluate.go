// Package evaluation measures a checkpointed model on one data split.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/async"
	"github.com/tsawler/vggtrain/checkpoints"
	"github.com/tsawler/vggtrain/engine"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/tensor"
	"github.com/tsawler/vggtrain/vision/dataset"
)

// DefaultBatchSize is the evaluation batch size.
const DefaultBatchSize = 200

// NoCheckpointMessage is printed when the checkpoint directory is empty.
const NoCheckpointMessage = "[!] No checkpoint file found"

// Network is the part of a model the evaluation loop drives.
type Network interface {
	Task() layers.Task
	EvalStep(inputs *tensor.Tensor, labels []int) (engine.StepResult, error)
	LoadWeights(weights []checkpoints.WeightTensor) error
}

// NetworkFactory builds an inference network for spec.
type NetworkFactory func(spec *layers.ModelSpec) (Network, error)

// Config describes one evaluation run.
type Config struct {
	CheckpointDir string
	Dataset       dataset.Dataset
	InputType     dataset.InputType
	BatchSize     int

	Workers       int
	PrefetchDepth int
	BatchTimeout  time.Duration

	// Spec, when set, must match the checkpoint's model. When nil the
	// checkpoint's own spec is used.
	Spec *layers.ModelSpec

	NewNetwork NetworkFactory // nil builds an engine.Model
	Out        io.Writer      // nil means os.Stdout
}

// Result is the outcome of an evaluation. Found is false when there was no
// checkpoint to evaluate; Value is meaningless in that case.
type Result struct {
	Task       layers.Task
	Value      float64
	Found      bool
	Step       int // global step stored in the checkpoint
	Iterations int
	Samples    int
	Checkpoint string
}

// Metric names Value: "accuracy" or "error".
func (r Result) Metric() string {
	return r.Task.Metric()
}

func (r Result) String() string {
	if !r.Found {
		return "no checkpoint"
	}
	return fmt.Sprintf("%s = %.3f", r.Metric(), r.Value)
}

// Evaluate restores the latest checkpoint in cfg.CheckpointDir and runs it
// over ceil(examples/batch) batches of the selected split. Accuracy is
// correct/(iterations*batch); error is the mean per-batch loss.
func Evaluate(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.InputType.Check(); err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	if cfg.Dataset == nil {
		return Result{}, fmt.Errorf("evaluate: no dataset")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return Result{}, fmt.Errorf("evaluate: batch size must be positive, got %d", cfg.BatchSize)
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	factory := cfg.NewNetwork
	if factory == nil {
		factory = func(spec *layers.ModelSpec) (Network, error) {
			return engine.NewModel(spec, engine.Config{})
		}
	}

	numExamples, err := cfg.Dataset.NumExamples(cfg.InputType)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	var net Network
	if cfg.Spec != nil {
		if net, err = factory(cfg.Spec); err != nil {
			return Result{}, fmt.Errorf("evaluate: %w", err)
		}
	}

	path, err := checkpoints.LatestCheckpoint(cfg.CheckpointDir)
	if errors.Is(err, checkpoints.ErrNoCheckpoint) {
		fmt.Fprintln(out, NoCheckpointMessage)
		return Result{Found: false}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}

	if net == nil {
		if ckpt.ModelSpec == nil {
			return Result{}, fmt.Errorf("evaluate: %s carries no model spec", path)
		}
		if net, err = factory(ckpt.ModelSpec); err != nil {
			return Result{}, fmt.Errorf("evaluate: %w", err)
		}
	} else if ckpt.ModelSpec != nil && !checkpoints.ModelsCompatible(cfg.Spec, ckpt.ModelSpec) {
		return Result{}, fmt.Errorf("evaluate: %s was written by a different model", path)
	}
	if err := net.LoadWeights(ckpt.Weights); err != nil {
		return Result{}, fmt.Errorf("evaluate: restore %s: %w", path, err)
	}
	src, err := cfg.Dataset.Source(cfg.InputType, dataset.EvalOptions(net.Task()))
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	klog.V(1).Infof("Evaluating %s on %d %s examples", path, numExamples, cfg.InputType)

	result, err := Run(ctx, net, src, numExamples, RunConfig{
		BatchSize:     cfg.BatchSize,
		Workers:       cfg.Workers,
		PrefetchDepth: cfg.PrefetchDepth,
		BatchTimeout:  cfg.BatchTimeout,
	})
	if err != nil {
		return Result{}, fmt.Errorf("evaluate: %w", err)
	}
	result.Step = ckpt.TrainingState.GlobalStep
	result.Checkpoint = path
	return result, nil
}

// RunConfig sizes the loader used by Run.
type RunConfig struct {
	BatchSize     int
	Workers       int
	PrefetchDepth int
	BatchTimeout  time.Duration
}

// Iterations is the number of batches needed to cover numExamples.
func Iterations(numExamples, batchSize int) int {
	return (numExamples + batchSize - 1) / batchSize
}

// Run evaluates net on src with a fresh loader. The loader's producers are
// joined before Run returns, whatever the outcome.
func Run(ctx context.Context, net Network, src async.DataSource, numExamples int, cfg RunConfig) (result Result, err error) {
	if cfg.BatchSize <= 0 {
		return Result{}, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if numExamples <= 0 {
		return Result{}, fmt.Errorf("split has no examples")
	}
	if cfg.PrefetchDepth == 0 {
		cfg.PrefetchDepth = 3
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	loader, err := async.NewAsyncDataLoader(src, async.AsyncDataLoaderConfig{
		BatchSize:     cfg.BatchSize,
		PrefetchDepth: cfg.PrefetchDepth,
		Workers:       cfg.Workers,
		BatchTimeout:  cfg.BatchTimeout,
	})
	if err != nil {
		return Result{}, err
	}
	if err := loader.Start(ctx); err != nil {
		return Result{}, err
	}
	defer func() {
		// Producers stopped by cancellation are not a failure once we are done.
		if stopErr := loader.Stop(); err == nil && stopErr != nil && !errors.Is(stopErr, context.Canceled) {
			err = stopErr
		}
	}()

	iterations := Iterations(numExamples, cfg.BatchSize)
	var correct int
	var lossSum float64
	for i := 0; i < iterations; i++ {
		batch, err := loader.Next(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d of %d: %w", i+1, iterations, err)
		}
		res, err := net.EvalStep(batch.Inputs, batch.Labels)
		if err != nil {
			return Result{}, fmt.Errorf("batch %d of %d: %w", i+1, iterations, err)
		}
		correct += res.Correct
		lossSum += float64(res.Loss)
	}

	result = Result{
		Task:       net.Task(),
		Found:      true,
		Iterations: iterations,
		Samples:    iterations * cfg.BatchSize,
	}
	if result.Task == layers.Reconstruction {
		result.Value = lossSum / float64(iterations)
	} else {
		result.Value = float64(correct) / float64(result.Samples)
	}
	return result, nil
}
