package optimizer

import (
	"fmt"

	"github.com/tsawler/vggtrain/checkpoints"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	sizes []int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer for tensors of the given sizes
func NewSGDOptimizer(config SGDConfig, sizes []int) (*SGDOptimizerState, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("no weight tensors provided")
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		sizes:        append([]int(nil), sizes...),
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = allocBuffers(sizes)
	}
	return sgd, nil
}

// Step applies one SGD update:
//
//	g = grad + wd*w
//	v = momentum*v + g
//	w -= lr * (nesterov ? g + momentum*v : v)
func (sgd *SGDOptimizerState) Step(weights, grads [][]float32) error {
	if err := checkShapes(weights, grads, sgd.sizes); err != nil {
		return err
	}

	lr, mu, wd := sgd.LearningRate, sgd.Momentum, sgd.WeightDecay
	for i := range weights {
		w, g := weights[i], grads[i]
		if mu == 0 {
			for j := range w {
				w[j] -= lr * (g[j] + wd*w[j])
			}
			continue
		}
		v := sgd.MomentumBuffers[i]
		for j := range w {
			gj := g[j] + wd*w[j]
			v[j] = mu*v[j] + gj
			if sgd.Nesterov {
				w[j] -= lr * (gj + mu*v[j])
			} else {
				w[j] -= lr * v[j]
			}
		}
	}
	sgd.StepCount++
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*checkpoints.OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = allocBuffers(sgd.sizes)
	}
	return restoreIndexed(state, "momentum", sgd.MomentumBuffers)
}
