package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/vggtrain/async"
)

// SyntheticConfig sizes a Synthetic dataset. Zero fields take defaults.
type SyntheticConfig struct {
	TrainExamples int     // default 1000
	TestExamples  int     // default 200
	NumClasses    int     // default 10
	ImageSize     int     // default 32
	Noise         float32 // default 0.1
	Seed          int64
}

// Synthetic generates images deterministically from their index. Each class
// has a fixed brightness per channel, so the classes are separable.
type Synthetic struct {
	config SyntheticConfig
	means  [][]float32
}

func NewSynthetic(config SyntheticConfig) *Synthetic {
	if config.TrainExamples == 0 {
		config.TrainExamples = 1000
	}
	if config.TestExamples == 0 {
		config.TestExamples = 200
	}
	if config.NumClasses == 0 {
		config.NumClasses = cifarNumClasses
	}
	if config.ImageSize == 0 {
		config.ImageSize = cifarImageSize
	}
	if config.Noise == 0 {
		config.Noise = 0.1
	}
	rng := rand.New(rand.NewSource(config.Seed))
	means := make([][]float32, config.NumClasses)
	for c := range means {
		means[c] = make([]float32, cifarChannels)
		for ch := range means[c] {
			means[c][ch] = 0.2 + 0.6*rng.Float32()
		}
	}
	return &Synthetic{config: config, means: means}
}

func (s *Synthetic) Name() string    { return "synthetic" }
func (s *Synthetic) NumClasses() int { return s.config.NumClasses }
func (s *Synthetic) ImageShape() []int {
	return []int{cifarChannels, s.config.ImageSize, s.config.ImageSize}
}

func (s *Synthetic) NumExamples(t InputType) (int, error) {
	if err := t.Check(); err != nil {
		return 0, err
	}
	if t == Train {
		return s.config.TrainExamples, nil
	}
	return s.config.TestExamples, nil
}

func (s *Synthetic) Source(t InputType, opts SourceOptions) (async.DataSource, error) {
	n, err := s.NumExamples(t)
	if err != nil {
		return nil, err
	}
	// Held-out splits draw from a disjoint index range.
	offset := 0
	if t != Train {
		offset = s.config.TrainExamples
	}
	return NewSource(&syntheticSplit{s: s, n: n, offset: offset}, s.ImageShape(), opts)
}

type syntheticSplit struct {
	s      *Synthetic
	n      int
	offset int
}

func (sp *syntheticSplit) Len() int { return sp.n }

func (sp *syntheticSplit) Example(i int, dst []float32) (int, error) {
	if i < 0 || i >= sp.n {
		return 0, fmt.Errorf("index %d out of range [0, %d)", i, sp.n)
	}
	cfg := sp.s.config
	plane := cfg.ImageSize * cfg.ImageSize
	if len(dst) != cifarChannels*plane {
		return 0, fmt.Errorf("destination holds %d values, need %d", len(dst), cifarChannels*plane)
	}
	id := sp.offset + i
	label := id % cfg.NumClasses
	rng := rand.New(rand.NewSource(cfg.Seed*1_000_003 + int64(id)))
	for ch := 0; ch < cifarChannels; ch++ {
		m := sp.s.means[label][ch]
		for j := 0; j < plane; j++ {
			dst[ch*plane+j] = m + (rng.Float32()*2-1)*cfg.Noise
		}
	}
	return label, nil
}
