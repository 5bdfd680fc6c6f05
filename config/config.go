// Package config loads the YAML configuration shared by the train and eval
// commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/vggtrain/checkpoints"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/optimizer"
	"github.com/tsawler/vggtrain/training"
	"github.com/tsawler/vggtrain/vision/dataset"
)

// Config is the full run configuration. Zero-valued fields in a file keep
// the defaults from Default.
type Config struct {
	DataDir string `yaml:"data_dir"`
	LogDir  string `yaml:"log_dir"`

	Dataset DatasetConfig    `yaml:"dataset"`
	Model   ModelConfig      `yaml:"model"`
	Train   TrainConfig      `yaml:"train"`
	Eval    EvalConfig       `yaml:"eval"`
	Loader  LoaderConfig     `yaml:"loader"`
	Store   StoreConfig      `yaml:"checkpoint"`
	Optim   optimizer.Config `yaml:"optimizer"`
}

type DatasetConfig struct {
	Name        string `yaml:"name"` // cifar10, synthetic, folder
	DownloadURL string `yaml:"download_url"`
}

type ModelConfig struct {
	Architecture string `yaml:"architecture"` // vgg, vgg-small, autoencoder
	Seed         int64  `yaml:"seed"`
}

type TrainConfig struct {
	BatchSize          int                     `yaml:"batch_size"`
	Epochs             int                     `yaml:"epochs"`
	Schedule           training.ScheduleConfig `yaml:"schedule"`
	KeepProb           float32                 `yaml:"keep_prob"`
	MinKeepProb        float32                 `yaml:"min_keep_prob"`
	KeepProbDecaySteps int                     `yaml:"keep_prob_decay_steps"`
	KeepProbDecayRate  float32                 `yaml:"keep_prob_decay_rate"`
}

type EvalConfig struct {
	BatchSize int    `yaml:"batch_size"`
	Split     string `yaml:"split"`
}

type LoaderConfig struct {
	Workers       int           `yaml:"workers"` // 0 picks from the host
	PrefetchDepth int           `yaml:"prefetch_depth"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
}

type StoreConfig struct {
	Format    string `yaml:"format"` // gob or json
	MaxToKeep int    `yaml:"max_to_keep"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tc := training.DefaultConfig()
	return &Config{
		DataDir: "data",
		LogDir:  "log",
		Dataset: DatasetConfig{Name: "cifar10", DownloadURL: dataset.CIFAR10URL},
		Model:   ModelConfig{Architecture: layers.ArchVGG, Seed: 1},
		Train: TrainConfig{
			BatchSize:   tc.BatchSize,
			Epochs:      tc.Epochs,
			Schedule:    tc.Schedule,
			KeepProb:    tc.KeepProb,
			MinKeepProb: tc.MinKeepProb,
		},
		Eval:   EvalConfig{BatchSize: tc.EvalBatchSize, Split: "validation"},
		Loader: LoaderConfig{PrefetchDepth: tc.PrefetchDepth},
		Store:  StoreConfig{Format: "gob", MaxToKeep: 5},
		Optim: optimizer.Config{
			Type:         optimizer.NameSGD,
			LearningRate: float32(tc.LearningRate),
			Momentum:     0.9,
			WeightDecay:  5e-4,
		},
	}
}

// Load reads path over the defaults. A missing path is an error; an empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Train.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train.batch_size must be positive"))
	}
	if c.Train.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("train.epochs must be positive"))
	}
	if c.Train.KeepProb <= 0 || c.Train.KeepProb > 1 {
		errs = append(errs, fmt.Errorf("train.keep_prob must be in (0, 1]"))
	}
	if c.Train.MinKeepProb < 0 || c.Train.MinKeepProb > c.Train.KeepProb {
		errs = append(errs, fmt.Errorf("train.min_keep_prob must be in [0, keep_prob]"))
	}
	if c.Train.KeepProbDecaySteps < 0 {
		errs = append(errs, fmt.Errorf("train.keep_prob_decay_steps must not be negative"))
	}
	if c.Eval.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("eval.batch_size must be positive"))
	}
	if _, err := dataset.ParseInputType(c.Eval.Split); err != nil {
		errs = append(errs, fmt.Errorf("eval.split: %w", err))
	}
	if _, err := checkpoints.ParseFormat(c.Store.Format); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint.format: %w", err))
	}
	if c.Store.MaxToKeep < 0 {
		errs = append(errs, fmt.Errorf("checkpoint.max_to_keep must not be negative"))
	}
	if c.Loader.Workers < 0 || c.Loader.PrefetchDepth < 0 {
		errs = append(errs, fmt.Errorf("loader sizes must not be negative"))
	}
	switch c.Model.Architecture {
	case layers.ArchVGG, layers.ArchVGGSmall, layers.ArchAutoencoder:
	default:
		errs = append(errs, fmt.Errorf("model.architecture %q is not one of vgg, vgg-small, autoencoder", c.Model.Architecture))
	}
	if c.Optim.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("optimizer.learning_rate must be positive"))
	}
	return errors.Join(errs...)
}

// TrainingConfig converts the file layout into the trainer's config.
func (c *Config) TrainingConfig(workers int) training.Config {
	return training.Config{
		BatchSize:          c.Train.BatchSize,
		Epochs:             c.Train.Epochs,
		LearningRate:       float64(c.Optim.LearningRate),
		Schedule:           c.Train.Schedule,
		EvalBatchSize:      c.Eval.BatchSize,
		KeepProb:           c.Train.KeepProb,
		MinKeepProb:        c.Train.MinKeepProb,
		KeepProbDecaySteps: c.Train.KeepProbDecaySteps,
		KeepProbDecayRate:  c.Train.KeepProbDecayRate,
		Workers:            workers,
		PrefetchDepth:      c.Loader.PrefetchDepth,
		BatchTimeout:       c.Loader.BatchTimeout,
		Seed:               c.Model.Seed,
	}
}

// CheckpointStore converts the checkpoint section into a store config.
func (c *Config) CheckpointStore() (checkpoints.StoreConfig, error) {
	format, err := checkpoints.ParseFormat(c.Store.Format)
	if err != nil {
		return checkpoints.StoreConfig{}, err
	}
	sc := checkpoints.DefaultStoreConfig()
	sc.Format = format
	sc.MaxToKeep = c.Store.MaxToKeep
	return sc, nil
}
