package engine

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/vggtrain/checkpoints"
	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/memory"
	"github.com/tsawler/vggtrain/optimizer"
	"github.com/tsawler/vggtrain/tensor"
)

// Config controls how a ModelSpec is compiled into a Model.
type Config struct {
	Seed    int64
	Workers int // goroutines per op, 0 = GOMAXPROCS

	// Optimizer is nil for inference-only models.
	Optimizer *optimizer.Config
}

// StepOptions are the per-step values that come from schedules.
type StepOptions struct {
	LearningRate float32 // 0 keeps the optimizer's current rate
	KeepProb     float32 // 0 uses each dropout layer's own rate
}

// StepResult summarises one pass over a batch.
type StepResult struct {
	Loss    float32
	Correct int // correct top-1 predictions, classification only
	Samples int
}

// Model is an executable network compiled from a ModelSpec. Passes are
// serialised; a Model can be shared between goroutines.
type Model struct {
	spec      *layers.ModelSpec
	ops       []op
	params    []*Parameter
	lossType  LossType
	optimizer optimizer.Optimizer
	rng       *rand.Rand
	workers   int
	scratch   *memory.BufferPool
	mu        sync.Mutex
}

// NewModel compiles spec and initialises fresh parameters.
func NewModel(spec *layers.ModelSpec, config Config) (*Model, error) {
	if spec == nil {
		return nil, fmt.Errorf("model spec is nil")
	}
	if !spec.Compiled {
		if err := spec.Recompile(); err != nil {
			return nil, fmt.Errorf("failed to compile model spec: %w", err)
		}
	}

	rng := rand.New(rand.NewSource(config.Seed))
	m := &Model{
		spec:    spec,
		rng:     rng,
		workers: config.Workers,
		scratch: memory.NewBufferPool(),
	}

	for _, layer := range spec.Layers {
		o, err := buildOp(layer, rng)
		if err != nil {
			return nil, err
		}
		m.ops = append(m.ops, o)
		m.params = append(m.params, o.parameters()...)
	}

	switch spec.Task {
	case layers.Reconstruction:
		m.lossType = MeanSquaredError
		if !tensor.ShapeEqual(spec.InputShape, spec.OutputShape) {
			return nil, fmt.Errorf("reconstruction model output %v does not match input %v",
				spec.OutputShape, spec.InputShape)
		}
	default:
		m.lossType = SparseCrossEntropy
		if n := len(spec.Layers); n > 0 && spec.Layers[n-1].Type == layers.Softmax {
			m.lossType = ProbabilityCrossEntropy
		}
	}

	if config.Optimizer != nil {
		sizes := make([]int, len(m.params))
		for i, p := range m.params {
			sizes[i] = p.Value.NumElems
		}
		opt, err := optimizer.New(*config.Optimizer, sizes)
		if err != nil {
			return nil, fmt.Errorf("failed to create optimizer: %w", err)
		}
		m.optimizer = opt
	}

	return m, nil
}

func (m *Model) Spec() *layers.ModelSpec { return m.spec }

func (m *Model) Task() layers.Task { return m.spec.Task }

func (m *Model) LossType() LossType { return m.lossType }

// Optimizer returns nil for inference-only models.
func (m *Model) Optimizer() optimizer.Optimizer { return m.optimizer }

func (m *Model) Parameters() []*Parameter { return m.params }

// Forward runs inference on a batch.
func (m *Model) Forward(inputs *tensor.Tensor) (*tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forward(inputs, &passContext{workers: m.workers, scratch: m.scratch})
}

// TrainStep runs forward, loss, backward and one optimizer update. When the
// loss is NaN the update is skipped and the result is returned as is; the
// caller decides what divergence means.
func (m *Model) TrainStep(inputs *tensor.Tensor, labels []int, opts StepOptions) (StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.optimizer == nil {
		return StepResult{}, fmt.Errorf("model has no optimizer")
	}
	if opts.LearningRate > 0 {
		m.optimizer.UpdateLearningRate(opts.LearningRate)
	}

	pc := &passContext{train: true, keepProb: opts.KeepProb, rng: m.rng, workers: m.workers, scratch: m.scratch}
	result, err := m.backprop(inputs, labels, pc)
	if err != nil || math.IsNaN(float64(result.Loss)) {
		return result, err
	}

	weights := make([][]float32, len(m.params))
	grads := make([][]float32, len(m.params))
	for i, p := range m.params {
		weights[i] = p.Value.Data
		grads[i] = p.Grad.Data
	}
	if err := m.optimizer.Step(weights, grads); err != nil {
		return StepResult{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	return result, nil
}

// EvalStep scores a batch without updating parameters. Dropout is disabled.
func (m *Model) EvalStep(inputs *tensor.Tensor, labels []int) (StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.forward(inputs, &passContext{workers: m.workers, scratch: m.scratch})
	if err != nil {
		return StepResult{}, err
	}
	result, _, err := m.loss(out, inputs, labels)
	return result, err
}

// backprop fills every parameter's Grad for one batch. Gradients are not
// computed when the loss is NaN.
func (m *Model) backprop(inputs *tensor.Tensor, labels []int, pc *passContext) (StepResult, error) {
	for _, p := range m.params {
		clear(p.Grad.Data)
	}

	out, err := m.forward(inputs, pc)
	if err != nil {
		return StepResult{}, err
	}
	result, grad, err := m.loss(out, inputs, labels)
	if err != nil {
		return StepResult{}, err
	}
	if math.IsNaN(float64(result.Loss)) {
		return result, nil
	}

	for i := len(m.ops) - 1; i >= 0; i-- {
		grad, err = m.ops[i].backward(grad, pc)
		if err != nil {
			return StepResult{}, fmt.Errorf("backward %s: %w", m.spec.Layers[i].Name, err)
		}
	}
	return result, nil
}

func (m *Model) forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	if len(x.Shape) != len(m.spec.InputShape) {
		return nil, fmt.Errorf("expected input of rank %d, got shape %v", len(m.spec.InputShape), x.Shape)
	}
	for i := 1; i < len(x.Shape); i++ {
		if x.Shape[i] != m.spec.InputShape[i] {
			return nil, fmt.Errorf("input shape %v does not match model input %v", x.Shape, m.spec.InputShape)
		}
	}
	var err error
	for i, o := range m.ops {
		x, err = o.forward(x, pc)
		if err != nil {
			return nil, fmt.Errorf("forward %s: %w", m.spec.Layers[i].Name, err)
		}
	}
	return x, nil
}

func (m *Model) loss(out, inputs *tensor.Tensor, labels []int) (StepResult, *tensor.Tensor, error) {
	result := StepResult{Samples: out.Rows()}
	var grad *tensor.Tensor
	var err error
	switch m.lossType {
	case MeanSquaredError:
		result.Loss, grad, err = meanSquaredError(out, inputs)
	default:
		result.Loss, grad, result.Correct, err = crossEntropy(out, labels, m.lossType == ProbabilityCrossEntropy)
	}
	if err != nil {
		return StepResult{}, nil, err
	}
	return result, grad, nil
}

// Weights snapshots every parameter for checkpointing.
func (m *Model) Weights() []checkpoints.WeightTensor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]checkpoints.WeightTensor, len(m.params))
	for i, p := range m.params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		out[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: p.Layer,
			Type:  p.Kind,
		}
	}
	return out
}

// LoadWeights restores parameters by name. Every model parameter must be
// present with a matching shape.
func (m *Model) LoadWeights(weights []checkpoints.WeightTensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range m.params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint is missing parameter %s", p.Name)
		}
		if !tensor.ShapeEqual(w.Shape, p.Value.Shape) || len(w.Data) != len(p.Value.Data) {
			return fmt.Errorf("parameter %s: checkpoint shape %v does not match model shape %v",
				p.Name, w.Shape, p.Value.Shape)
		}
	}
	for _, p := range m.params {
		copy(p.Value.Data, byName[p.Name].Data)
	}
	return nil
}
