package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/vggtrain/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// Weights and gradients are passed as parallel slices, one entry per
// trainable tensor, in a stable order. The optimizer keeps per-tensor state
// keyed by that index, so the order must not change between steps.
type Optimizer interface {
	// Step performs a single optimization step, updating weights in place.
	Step(weights, grads [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	GetLearningRate() float32

	Name() string
}

// Optimizer names accepted by New.
const (
	NameSGD  = "sgd"
	NameAdam = "adam"
)

// Config selects and parameterises an optimizer.
type Config struct {
	Type         string  `yaml:"type"`
	LearningRate float32 `yaml:"learning_rate"`
	Momentum     float32 `yaml:"momentum"`
	Nesterov     bool    `yaml:"nesterov"`
	WeightDecay  float32 `yaml:"weight_decay"`
	Beta1        float32 `yaml:"beta1"`
	Beta2        float32 `yaml:"beta2"`
	Epsilon      float32 `yaml:"epsilon"`
}

// New creates an optimizer for tensors with the given sizes.
func New(config Config, sizes []int) (Optimizer, error) {
	switch strings.ToLower(config.Type) {
	case NameSGD, "":
		sgd := DefaultSGDConfig()
		if config.LearningRate > 0 {
			sgd.LearningRate = config.LearningRate
		}
		sgd.Momentum = config.Momentum
		sgd.Nesterov = config.Nesterov
		sgd.WeightDecay = config.WeightDecay
		return NewSGDOptimizer(sgd, sizes)
	case NameAdam:
		adam := DefaultAdamConfig()
		if config.LearningRate > 0 {
			adam.LearningRate = config.LearningRate
		}
		if config.Beta1 > 0 {
			adam.Beta1 = config.Beta1
		}
		if config.Beta2 > 0 {
			adam.Beta2 = config.Beta2
		}
		if config.Epsilon > 0 {
			adam.Epsilon = config.Epsilon
		}
		adam.WeightDecay = config.WeightDecay
		return NewAdamOptimizer(adam, sizes)
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", config.Type)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndex(name, "_")
	if lastUnderscoreIdx == -1 {
		return -1
	}
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func checkShapes(weights, grads [][]float32, sizes []int) error {
	if len(weights) != len(sizes) || len(grads) != len(sizes) {
		return fmt.Errorf("expected %d weight and gradient tensors, got %d and %d",
			len(sizes), len(weights), len(grads))
	}
	for i, size := range sizes {
		if len(weights[i]) != size || len(grads[i]) != size {
			return fmt.Errorf("tensor %d: expected %d elements, got weight %d gradient %d",
				i, size, len(weights[i]), len(grads[i]))
		}
	}
	return nil
}
