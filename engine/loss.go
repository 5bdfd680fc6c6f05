package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/vggtrain/tensor"
)

// LossType selects the objective a Model optimises.
type LossType int

const (
	// SparseCrossEntropy takes logits and integer class labels.
	SparseCrossEntropy LossType = iota
	// ProbabilityCrossEntropy takes softmax probabilities and integer labels.
	ProbabilityCrossEntropy
	// MeanSquaredError compares the output with the input image.
	MeanSquaredError
)

func (lt LossType) String() string {
	switch lt {
	case SparseCrossEntropy:
		return "SparseCrossEntropy"
	case ProbabilityCrossEntropy:
		return "ProbabilityCrossEntropy"
	case MeanSquaredError:
		return "MeanSquaredError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(lt))
	}
}

const probEpsilon = 1e-7

// crossEntropy returns the batch-mean loss, the gradient with respect to
// the output and the number of correct top-1 predictions.
func crossEntropy(output *tensor.Tensor, labels []int, fromProbs bool) (float32, *tensor.Tensor, int, error) {
	n, classes := output.Rows(), output.RowSize()
	if len(labels) != n {
		return 0, nil, 0, fmt.Errorf("cross entropy: %d labels for batch of %d", len(labels), n)
	}
	grad, err := tensor.Zeros(output.Shape)
	if err != nil {
		return 0, nil, 0, err
	}

	var total float64
	correct := 0
	scale := 1 / float32(n)
	probs := make([]float32, classes)
	for i := 0; i < n; i++ {
		y := labels[i]
		if y < 0 || y >= classes {
			return 0, nil, 0, fmt.Errorf("cross entropy: label %d out of range [0, %d)", y, classes)
		}
		row := output.Row(i)
		g := grad.Row(i)

		if argmax(row) == y {
			correct++
		}

		if fromProbs {
			p := row[y]
			if p < probEpsilon {
				p = probEpsilon
			}
			total -= math.Log(float64(p))
			g[y] = -scale / p
			continue
		}

		copy(probs, row)
		softmaxInPlace(probs)
		p := probs[y]
		if p < probEpsilon {
			p = probEpsilon
		}
		total -= math.Log(float64(p))
		for j, pj := range probs {
			g[j] = pj * scale
		}
		g[y] -= scale
	}
	return float32(total / float64(n)), grad, correct, nil
}

// meanSquaredError averages over every element of the batch.
func meanSquaredError(output, target *tensor.Tensor) (float32, *tensor.Tensor, error) {
	if output.NumElems != target.NumElems {
		return 0, nil, fmt.Errorf("mse: output %v and target %v differ in size", output.Shape, target.Shape)
	}
	grad, err := tensor.Zeros(output.Shape)
	if err != nil {
		return 0, nil, err
	}
	var total float64
	scale := 2 / float32(output.NumElems)
	for i, v := range output.Data {
		d := v - target.Data[i]
		total += float64(d) * float64(d)
		grad.Data[i] = scale * d
	}
	return float32(total / float64(output.NumElems)), grad, nil
}

func argmax(row []float32) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}
