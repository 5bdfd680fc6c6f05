package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/config"
	"github.com/tsawler/vggtrain/evaluation"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/training"
	"github.com/tsawler/vggtrain/vision/dataset"
)

type evalOptions struct {
	checkpointPath string
	dataDir        string
	model          string
	datasetName    string
	device         string
	batchSize      int
	test           bool
}

var evalOpts evalOptions

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate the latest checkpoint in a directory",
	Long: `Restores the newest checkpoint recorded in --checkpoint-path and reports
its accuracy (classifiers) or reconstruction error (autoencoders) on the
validation split, or on the test split with --test.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runEval(cmd.Context(), cfg, evalOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := evalCmd.Flags()
	f.StringVar(&evalOpts.checkpointPath, "checkpoint-path", "", "Directory holding the checkpoints (defaults to the log directory)")
	f.StringVar(&evalOpts.dataDir, "data-dir", "", "Directory holding the dataset (env VGGTRAIN_DATA_DIR)")
	f.StringVar(&evalOpts.model, "model", "", "Expected architecture; the checkpoint's own model is used when empty")
	f.StringVar(&evalOpts.datasetName, "dataset", "", "Dataset: cifar10, synthetic or folder")
	f.StringVar(&evalOpts.device, "eval-device", "cpu", "Device to evaluate on (only cpu is supported)")
	f.IntVar(&evalOpts.batchSize, "batch-size", 0, "Evaluation batch size")
	f.BoolVar(&evalOpts.test, "test", false, "Evaluate on the test split instead of validation")
	rootCmd.AddCommand(evalCmd)
}

func (o evalOptions) apply(cfg *config.Config) (dataset.InputType, error) {
	if o.device != "" && o.device != "cpu" {
		return 0, fmt.Errorf("unsupported eval device %q: only cpu is available", o.device)
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.datasetName != "" {
		cfg.Dataset.Name = o.datasetName
	}
	if o.model != "" {
		cfg.Model.Architecture = o.model
	}
	if o.batchSize != 0 {
		cfg.Eval.BatchSize = o.batchSize
	}
	if o.test {
		cfg.Eval.Split = dataset.Test.String()
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	return dataset.ParseInputType(cfg.Eval.Split)
}

func runEval(ctx context.Context, cfg *config.Config, opts evalOptions, out io.Writer) error {
	split, err := opts.apply(cfg)
	if err != nil {
		return err
	}
	dir := opts.checkpointPath
	if dir == "" {
		dir = cfg.LogDir
	}

	data, err := openDataset(ctx, cfg, out)
	if err != nil {
		return err
	}
	var spec *layers.ModelSpec
	if opts.model != "" {
		if spec, err = buildSpec(opts.model, cfg.Eval.BatchSize, data); err != nil {
			return err
		}
	}

	result, err := evaluation.Evaluate(ctx, evaluation.Config{
		CheckpointDir: dir,
		Dataset:       data,
		InputType:     split,
		BatchSize:     cfg.Eval.BatchSize,
		Workers:       cfg.Loader.Workers,
		PrefetchDepth: cfg.Loader.PrefetchDepth,
		BatchTimeout:  cfg.Loader.BatchTimeout,
		Spec:          spec,
		Out:           out,
	})
	if err != nil {
		return err
	}
	if !result.Found {
		return nil
	}
	klog.V(1).Infof("Evaluated %s (global step %d, %d examples)", result.Checkpoint, result.Step, result.Samples)
	training.NewReporter(out).Metric(split.String(), result.Metric(), result.Value)
	return nil
}
