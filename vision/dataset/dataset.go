// Package dataset reads image classification data and serves it to the
// async loader as batches.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/vggtrain/async"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/tensor"
	"github.com/tsawler/vggtrain/vision/preprocessing"
)

// Dataset is a split-addressable collection of labelled images.
type Dataset interface {
	Name() string
	NumClasses() int
	// ImageShape returns [channels, height, width].
	ImageShape() []int
	NumExamples(t InputType) (int, error)
	Source(t InputType, opts SourceOptions) (async.DataSource, error)
}

// SourceOptions controls how a split is served.
type SourceOptions struct {
	Preprocessing preprocessing.Config
	Shuffle       bool
	Seed          int64
}

// Examples is random access to one split. Example fills dst with the
// CHW image in [0, 1] and returns its label.
type Examples interface {
	Len() int
	Example(i int, dst []float32) (int, error)
}

// exampleSource hands out examples in epoch order, wrapping around at the
// end so every batch is full. Index claims are serialised; decoding and
// preprocessing run concurrently in the callers.
type exampleSource struct {
	examples Examples
	pipeline *preprocessing.Pipeline
	shape    []int

	mu      sync.Mutex
	order   []int
	pos     int
	shuffle bool
	rng     *rand.Rand
}

// NewSource wraps examples of the given CHW shape as an async.DataSource.
func NewSource(examples Examples, shape []int, opts SourceOptions) (async.DataSource, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("image shape must be [channels, height, width], got %v", shape)
	}
	if examples.Len() == 0 {
		return nil, fmt.Errorf("split has no examples")
	}
	pipeline, err := preprocessing.NewPipeline(opts.Preprocessing, shape[0], shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	s := &exampleSource{
		examples: examples,
		pipeline: pipeline,
		shape:    append([]int(nil), shape...),
		order:    make([]int, examples.Len()),
		shuffle:  opts.Shuffle,
		rng:      rand.New(rand.NewSource(opts.Seed)),
	}
	for i := range s.order {
		s.order[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
	}
	return s, nil
}

func (s *exampleSource) Size() int {
	return s.examples.Len()
}

func (s *exampleSource) claim(n int) ([]int, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := make([]int, n)
	for i := range idx {
		if s.pos == len(s.order) {
			s.pos = 0
			if s.shuffle {
				s.rng.Shuffle(len(s.order), func(i, j int) { s.order[i], s.order[j] = s.order[j], s.order[i] })
			}
		}
		idx[i] = s.order[s.pos]
		s.pos++
	}
	return idx, s.rng.Int63()
}

func (s *exampleSource) NextBatch(ctx context.Context, batchSize int) (*tensor.Tensor, []int, error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	indices, seed := s.claim(batchSize)
	rng := rand.New(rand.NewSource(seed))

	inputs, err := tensor.Zeros([]int{batchSize, s.shape[0], s.shape[1], s.shape[2]})
	if err != nil {
		return nil, nil, err
	}
	labels := make([]int, batchSize)
	for i, idx := range indices {
		if i%16 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		row := inputs.Row(i)
		label, err := s.examples.Example(idx, row)
		if err != nil {
			return nil, nil, fmt.Errorf("example %d: %w", idx, err)
		}
		s.pipeline.Apply(row, rng)
		labels[i] = label
	}
	return inputs, labels, nil
}

// Open returns the named dataset rooted at dir.
func Open(name, dir string) (Dataset, error) {
	switch name {
	case "", "cifar10":
		return NewCIFAR10(dir), nil
	case "synthetic":
		return NewSynthetic(SyntheticConfig{}), nil
	case "folder":
		return NewImageFolder(dir, 32)
	default:
		return nil, fmt.Errorf("unknown dataset %q", name)
	}
}

// TrainOptions is how the training split is served for task. Classifier
// inputs are distorted and standardised; autoencoder inputs stay in [0, 1]
// so a sigmoid output can reproduce them.
func TrainOptions(task layers.Task, seed int64) SourceOptions {
	opts := SourceOptions{Shuffle: true, Seed: seed}
	if task == layers.Classification {
		opts.Preprocessing = preprocessing.TrainingConfig()
	}
	return opts
}

// EvalOptions serves held-out splits in file order without distortion.
func EvalOptions(task layers.Task) SourceOptions {
	var opts SourceOptions
	if task == layers.Classification {
		opts.Preprocessing = preprocessing.EvalConfig()
	}
	return opts
}
