package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/tsawler/vggtrain/config"
	"github.com/tsawler/vggtrain/engine"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/sysinfo"
	"github.com/tsawler/vggtrain/training"
	"github.com/tsawler/vggtrain/vision/dataset"
)

type trainOptions struct {
	logDir      string
	dataDir     string
	model       string
	datasetName string
	batchSize   int
	epochs      int
	resume      bool
}

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model, checkpointing and validating after every epoch",
	Long: `Downloads CIFAR-10 when it is missing, clears the log directory (unless
--resume is given) and runs the training loop. Checkpoints and summary logs
are written to the log directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		err = runTrain(cmd.Context(), cfg, trainOpts, cmd.OutOrStdout())
		if errors.Is(err, training.ErrModelDiverged) {
			klog.Fatalf("Training stopped: %v", err)
		}
		return err
	},
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainOpts.logDir, "log-dir", "", "Directory for checkpoints and summary logs (env VGGTRAIN_LOG_DIR)")
	f.StringVar(&trainOpts.dataDir, "data-dir", "", "Directory holding the dataset (env VGGTRAIN_DATA_DIR)")
	f.StringVar(&trainOpts.model, "model", "", "Model architecture: vgg, vgg-small or autoencoder")
	f.StringVar(&trainOpts.datasetName, "dataset", "", "Dataset: cifar10, synthetic or folder")
	f.IntVar(&trainOpts.batchSize, "batch-size", 0, "Training batch size")
	f.IntVar(&trainOpts.epochs, "epochs", 0, "Number of epochs to train")
	f.BoolVar(&trainOpts.resume, "resume", false, "Keep the log directory and continue from its latest checkpoint")
	rootCmd.AddCommand(trainCmd)
}

// apply overrides cfg with every flag that was given.
func (o trainOptions) apply(cfg *config.Config) error {
	if o.logDir != "" {
		cfg.LogDir = o.logDir
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.model != "" {
		cfg.Model.Architecture = o.model
	}
	if o.datasetName != "" {
		cfg.Dataset.Name = o.datasetName
	}
	if o.batchSize != 0 {
		cfg.Train.BatchSize = o.batchSize
	}
	if o.epochs != 0 {
		cfg.Train.Epochs = o.epochs
	}
	return cfg.Validate()
}

// openDataset opens the configured dataset, fetching CIFAR-10 first when
// that is the one selected.
func openDataset(ctx context.Context, cfg *config.Config, out io.Writer) (dataset.Dataset, error) {
	if cfg.Dataset.Name == "" || cfg.Dataset.Name == "cifar10" {
		if err := dataset.MaybeDownloadAndExtract(ctx, cfg.DataDir, cfg.Dataset.DownloadURL, out); err != nil {
			return nil, err
		}
	}
	return dataset.Open(cfg.Dataset.Name, cfg.DataDir)
}

// buildSpec compiles the configured architecture for batches of batchSize
// examples of data.
func buildSpec(arch string, batchSize int, data dataset.Dataset) (*layers.ModelSpec, error) {
	shape := append([]int{batchSize}, data.ImageShape()...)
	return layers.Build(arch, shape, data.NumClasses())
}

func runTrain(ctx context.Context, cfg *config.Config, opts trainOptions, out io.Writer) error {
	if err := opts.apply(cfg); err != nil {
		return err
	}
	host := sysinfo.Collect(cfg.DataDir)
	klog.V(1).Infof("Host: %s", host)
	workers := cfg.Loader.Workers
	if workers == 0 {
		workers = host.DefaultWorkers()
	}

	data, err := openDataset(ctx, cfg, out)
	if err != nil {
		return err
	}

	if opts.resume {
		printHeader(out, "Resuming from %s", cfg.LogDir)
	} else {
		warnColor.Fprintf(out, "Clearing log directory %s\n", cfg.LogDir)
		if err := training.ResetLogDir(cfg.LogDir); err != nil {
			return err
		}
	}
	storeCfg, err := cfg.CheckpointStore()
	if err != nil {
		return err
	}
	tctx, err := training.NewContext(cfg.LogDir, storeCfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tctx.Close(); cerr != nil {
			klog.Errorf("Failed to close run logs: %v", cerr)
		}
	}()

	spec, err := buildSpec(cfg.Model.Architecture, cfg.Train.BatchSize, data)
	if err != nil {
		return err
	}
	optCfg := cfg.Optim
	net, err := engine.NewModel(spec, engine.Config{Seed: cfg.Model.Seed, Optimizer: &optCfg})
	if err != nil {
		return err
	}

	trainer, err := training.NewTrainer(cfg.TrainingConfig(workers), data, net, tctx, out)
	if err != nil {
		return err
	}
	printHeader(out, "Training %s on %s (run %s)", cfg.Model.Architecture, data.Name(), tctx.RunID)
	if err := trainer.Run(ctx); err != nil {
		return fmt.Errorf("training failed: %w", err)
	}
	goodColor.Fprintf(out, "Training finished at global step %d\n", tctx.GlobalStep)
	return nil
}
