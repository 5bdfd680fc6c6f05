// Package training runs the epoch-based training loop: scheduled
// optimisation steps, periodic progress, per-epoch checkpoints and
// validation, and resumption from the latest checkpoint.
package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/async"
	"github.com/tsawler/vggtrain/checkpoints"
	"github.com/tsawler/vggtrain/engine"
	"github.com/tsawler/vggtrain/evaluation"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/optimizer"
	"github.com/tsawler/vggtrain/summary"
	"github.com/tsawler/vggtrain/tensor"
	"github.com/tsawler/vggtrain/vision/dataset"
)

// ErrModelDiverged is returned when a training step produces a NaN loss.
var ErrModelDiverged = errors.New("model diverged with loss = NaN")

// LogEvery is the step interval of the progress line and loss summaries.
const LogEvery = 10

// Network is the trainable model the loop drives. *engine.Model
// implements it.
type Network interface {
	Spec() *layers.ModelSpec
	Task() layers.Task
	TrainStep(inputs *tensor.Tensor, labels []int, opts engine.StepOptions) (engine.StepResult, error)
	Weights() []checkpoints.WeightTensor
	LoadWeights(weights []checkpoints.WeightTensor) error
	Optimizer() optimizer.Optimizer
}

// EvalFunc runs the validation pass at the end of an epoch.
type EvalFunc func(ctx context.Context, cfg evaluation.Config) (evaluation.Result, error)

// Config holds the loop's hyperparameters.
type Config struct {
	BatchSize     int
	Epochs        int
	LearningRate  float64
	Schedule      ScheduleConfig
	EvalBatchSize int

	KeepProb           float32 // fed to dropout; 1 disables it
	MinKeepProb        float32
	KeepProbDecaySteps int // 0 disables the decay
	KeepProbDecayRate  float32

	Workers       int
	PrefetchDepth int
	BatchTimeout  time.Duration
	Seed          int64
}

// DefaultConfig matches the reference CIFAR-10 setup.
func DefaultConfig() Config {
	return Config{
		BatchSize:     128,
		Epochs:        300,
		LearningRate:  0.01,
		Schedule:      ScheduleConfig{Type: "exponential", Gamma: 0.95},
		EvalBatchSize: evaluation.DefaultBatchSize,
		KeepProb:      1.0,
		MinKeepProb:   0.5,
		Workers:       2,
		PrefetchDepth: 3,
	}
}

// Trainer runs the training loop for one network on one dataset.
type Trainer struct {
	config    Config
	data      dataset.Dataset
	net       Network
	tctx      *Context
	scheduler LRScheduler
	reporter  *Reporter
	out       io.Writer

	// Evaluate is called for the validation pass; it defaults to
	// evaluation.Evaluate against the checkpoint just written.
	Evaluate EvalFunc
}

// NewTrainer validates config and prepares a trainer. out receives the
// progress lines; nil means os.Stdout.
func NewTrainer(config Config, data dataset.Dataset, net Network, tctx *Context, out io.Writer) (*Trainer, error) {
	if data == nil || net == nil || tctx == nil {
		return nil, fmt.Errorf("trainer needs a dataset, a network and a context")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.KeepProb <= 0 || config.KeepProb > 1 {
		return nil, fmt.Errorf("keep probability must be in (0, 1], got %f", config.KeepProb)
	}
	if config.EvalBatchSize == 0 {
		config.EvalBatchSize = evaluation.DefaultBatchSize
	}
	scheduler, err := NewScheduler(config.Schedule, config.Epochs, net.Task())
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = os.Stdout
	}
	return &Trainer{
		config:    config,
		data:      data,
		net:       net,
		tctx:      tctx,
		scheduler: scheduler,
		reporter:  NewReporter(out),
		out:       out,
		Evaluate:  evaluation.Evaluate,
	}, nil
}

// restore loads the latest checkpoint, if any, and returns the step to
// resume from.
func (t *Trainer) restore() (int, float32, error) {
	ckpt, path, err := t.tctx.Store.LoadLatest()
	if errors.Is(err, checkpoints.ErrNoCheckpoint) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if ckpt.ModelSpec != nil && !checkpoints.ModelsCompatible(t.net.Spec(), ckpt.ModelSpec) {
		return 0, 0, fmt.Errorf("%s was written by a different model", path)
	}
	if err := t.net.LoadWeights(ckpt.Weights); err != nil {
		return 0, 0, fmt.Errorf("restore %s: %w", path, err)
	}
	if opt := t.net.Optimizer(); opt != nil && ckpt.OptimizerState != nil {
		if err := opt.LoadState(ckpt.OptimizerState); err != nil {
			return 0, 0, fmt.Errorf("restore optimizer from %s: %w", path, err)
		}
	}
	klog.Infof("Restored %s at global step %d", path, ckpt.TrainingState.GlobalStep)
	return ckpt.TrainingState.GlobalStep, ckpt.TrainingState.BestAccuracy, nil
}

// Run trains until the configured number of epochs is complete. It resumes
// from the latest checkpoint in the context's store and returns nil on
// reaching the last step, ErrModelDiverged on a NaN loss.
func (t *Trainer) Run(ctx context.Context) error {
	numExamples, err := t.data.NumExamples(dataset.Train)
	if err != nil {
		return err
	}
	spe := StepsPerEpoch(numExamples, t.config.BatchSize)
	maxSteps := MaxSteps(spe, t.config.Epochs)

	start, best, err := t.restore()
	if err != nil {
		return err
	}
	t.tctx.GlobalStep = start
	if start >= maxSteps {
		klog.Infof("Global step %d already reached %d steps", start, maxSteps)
		return nil
	}

	spec := t.net.Spec()
	NewModelArchitecturePrinter(spec.Name).PrintArchitecture(t.out, spec)
	klog.V(1).Infof("run %s: %d examples, %d steps per epoch, %d steps, starting at %d (%s)",
		t.tctx.RunID, numExamples, spe, maxSteps, start, t.scheduler.GetName())

	src, err := t.data.Source(dataset.Train, dataset.TrainOptions(t.net.Task(), t.config.Seed))
	if err != nil {
		return err
	}
	loader, err := async.NewAsyncDataLoader(src, async.AsyncDataLoaderConfig{
		BatchSize:     t.config.BatchSize,
		PrefetchDepth: t.config.PrefetchDepth,
		Workers:       t.config.Workers,
		BatchTimeout:  t.config.BatchTimeout,
	})
	if err != nil {
		return err
	}
	if err := loader.Start(ctx); err != nil {
		return err
	}
	defer loader.Stop()

	baseLR := t.config.LearningRate
	for step := start; step < maxSteps; step++ {
		batch, err := loader.Next(ctx)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		lr := float32(t.scheduler.GetLR(step/spe, step, baseLR))
		kp := KeepProbDecay(t.config.KeepProb, t.config.MinKeepProb, step,
			t.config.KeepProbDecaySteps, t.config.KeepProbDecayRate)

		began := time.Now()
		res, err := t.net.TrainStep(batch.Inputs, batch.Labels, engine.StepOptions{LearningRate: lr, KeepProb: kp})
		duration := time.Since(began)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if math.IsNaN(float64(res.Loss)) {
			return fmt.Errorf("%w (step %d)", ErrModelDiverged, step)
		}
		t.tctx.GlobalStep = step + 1

		if step%LogEvery == 0 {
			t.reporter.Step(step, res.Loss, batch.Size(), duration)
			err := t.tctx.TrainLog.AddScalars(int64(step),
				summary.Scalar{Tag: "loss", Value: res.Loss},
				summary.Scalar{Tag: "learning_rate", Value: lr})
			if err != nil {
				return err
			}
		}

		if IsEpochEnd(step, spe, maxSteps) {
			if best, err = t.endEpoch(ctx, step, spe, maxSteps, res, lr, kp, best); err != nil {
				return err
			}
		}
	}
	return nil
}

// endEpoch writes the checkpoint for step, validates it and logs both
// train and validation metrics.
func (t *Trainer) endEpoch(ctx context.Context, step, spe, maxSteps int, last engine.StepResult, lr, kp, best float32) (float32, error) {
	task := t.net.Task()
	trainValue := float64(last.Loss)
	if task == layers.Classification && last.Samples > 0 {
		trainValue = float64(last.Correct) / float64(last.Samples)
	}

	ckpt := &checkpoints.Checkpoint{
		ModelSpec: t.net.Spec(),
		Weights:   t.net.Weights(),
		TrainingState: checkpoints.TrainingState{
			Epoch:        step / spe,
			Step:         step,
			GlobalStep:   step + 1,
			LearningRate: lr,
			KeepProb:     kp,
			LastLoss:     last.Loss,
			BestAccuracy: best,
			TotalSteps:   maxSteps,
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID: t.tctx.RunID,
			Tags:  []string{task.String()},
		},
	}
	if opt := t.net.Optimizer(); opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return best, fmt.Errorf("optimizer state: %w", err)
		}
		ckpt.OptimizerState = state
	}
	path, err := t.tctx.Store.Save(ckpt, step)
	if err != nil {
		return best, err
	}
	klog.V(1).Infof("Saved %s", path)

	vres, err := t.Evaluate(ctx, evaluation.Config{
		CheckpointDir: t.tctx.Store.Dir(),
		Dataset:       t.data,
		InputType:     dataset.Validation,
		BatchSize:     t.config.EvalBatchSize,
		Workers:       t.config.Workers,
		PrefetchDepth: t.config.PrefetchDepth,
		BatchTimeout:  t.config.BatchTimeout,
		Spec:          t.net.Spec(),
		Out:           t.out,
	})
	if err != nil {
		return best, fmt.Errorf("validation at step %d: %w", step, err)
	}

	metric := task.Metric()
	if vres.Found {
		if err := t.tctx.ValidationLog.AddScalar(metric, float32(vres.Value), int64(step)); err != nil {
			return best, err
		}
		t.reporter.Metric("validation", metric, vres.Value)
		if task == layers.Classification && float32(vres.Value) > best {
			best = float32(vres.Value)
		}
		if p, ok := t.scheduler.(*ReduceLROnPlateauScheduler); ok {
			p.Step(vres.Value, float64(lr))
		}
	}
	if err := t.tctx.TrainLog.AddScalar(metric, float32(trainValue), int64(step)); err != nil {
		return best, err
	}
	t.reporter.Metric("train", metric, trainValue)

	if err := t.tctx.TrainLog.Flush(); err != nil {
		return best, err
	}
	return best, t.tctx.ValidationLog.Flush()
}
