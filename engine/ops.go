package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/memory"
	"github.com/tsawler/vggtrain/tensor"
)

// Parameter is a trainable tensor together with its gradient buffer.
type Parameter struct {
	Name  string
	Layer string
	Kind  string // "weight" or "bias"
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// passContext carries per-pass settings down to the ops.
type passContext struct {
	train    bool
	keepProb float32
	rng      *rand.Rand
	workers  int
	scratch  *memory.BufferPool
}

// op is one executable layer. Forward caches what Backward needs, so an op
// is not safe for concurrent passes; Model serialises access.
type op interface {
	forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error)
	backward(grad *tensor.Tensor, pc *passContext) (*tensor.Tensor, error)
	parameters() []*Parameter
}

func buildOp(spec layers.LayerSpec, rng *rand.Rand) (op, error) {
	switch spec.Type {
	case layers.Conv2D:
		return newConv2D(spec, rng)
	case layers.Dense:
		return newDense(spec, rng)
	case layers.MaxPool2D:
		pool := layers.GetIntParam(spec.Parameters, "pool_size", 2)
		return &maxPool2D{pool: pool, stride: layers.GetIntParam(spec.Parameters, "stride", pool)}, nil
	case layers.ReLU:
		return &leakyReLU{slope: 0}, nil
	case layers.LeakyReLU:
		return &leakyReLU{slope: layers.GetFloatParam(spec.Parameters, "negative_slope", 0.01)}, nil
	case layers.Sigmoid:
		return &sigmoid{}, nil
	case layers.Softmax:
		return &softmax{}, nil
	case layers.Dropout:
		return &dropout{rate: layers.GetFloatParam(spec.Parameters, "rate", 0.5)}, nil
	case layers.Reshape:
		return &reshape{shape: layers.GetIntSliceParam(spec.Parameters, "shape")}, nil
	default:
		return nil, fmt.Errorf("layer %s: unsupported type %s", spec.Name, spec.Type)
	}
}

func newParameter(layer, kind string, value *tensor.Tensor) *Parameter {
	grad, _ := tensor.Zeros(value.Shape)
	return &Parameter{
		Name:  fmt.Sprintf("%s.%s", layer, kind),
		Layer: layer,
		Kind:  kind,
		Value: value,
		Grad:  grad,
	}
}

// dense computes y = x·W + b with x flattened to [batch, in].
type dense struct {
	in, out int
	weight  *Parameter
	bias    *Parameter
	input   *tensor.Tensor
	inShape []int
}

func newDense(spec layers.LayerSpec, rng *rand.Rand) (*dense, error) {
	in := layers.GetIntParam(spec.Parameters, "input_size", 0)
	out := layers.GetIntParam(spec.Parameters, "output_size", 0)
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("dense layer %s not compiled", spec.Name)
	}
	w, err := tensor.HeNormal([]int{in, out}, in, rng)
	if err != nil {
		return nil, err
	}
	d := &dense{in: in, out: out, weight: newParameter(spec.Name, "weight", w)}
	if layers.GetBoolParam(spec.Parameters, "use_bias", true) {
		b, _ := tensor.Zeros([]int{out})
		d.bias = newParameter(spec.Name, "bias", b)
	}
	return d, nil
}

func (d *dense) parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

func (d *dense) forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	n := x.Rows()
	if x.RowSize() != d.in {
		return nil, fmt.Errorf("dense: expected %d features per sample, got %d", d.in, x.RowSize())
	}
	d.input = x
	d.inShape = x.Shape

	y, err := tensor.Zeros([]int{n, d.out})
	if err != nil {
		return nil, err
	}
	w := d.weight.Value.Data
	parallelFor(n, pc.workers, func(_, start, end int) {
		for i := start; i < end; i++ {
			xi := x.Row(i)
			yi := y.Row(i)
			if d.bias != nil {
				copy(yi, d.bias.Value.Data)
			}
			for k, xv := range xi {
				if xv == 0 {
					continue
				}
				wk := w[k*d.out : (k+1)*d.out]
				for j, wv := range wk {
					yi[j] += xv * wv
				}
			}
		}
	})
	return y, nil
}

func (d *dense) backward(grad *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	x := d.input
	n := x.Rows()
	w := d.weight.Value.Data

	dx, err := tensor.Zeros(d.inShape)
	if err != nil {
		return nil, err
	}

	// dW = xᵀ·g, split over input features so workers never share a row of dW.
	dw := d.weight.Grad.Data
	parallelFor(d.in, pc.workers, func(_, start, end int) {
		for k := start; k < end; k++ {
			dwk := dw[k*d.out : (k+1)*d.out]
			for i := 0; i < n; i++ {
				xv := x.Data[i*d.in+k]
				if xv == 0 {
					continue
				}
				gi := grad.Data[i*d.out : (i+1)*d.out]
				for j, gv := range gi {
					dwk[j] += xv * gv
				}
			}
		}
	})

	if d.bias != nil {
		db := d.bias.Grad.Data
		for i := 0; i < n; i++ {
			gi := grad.Data[i*d.out : (i+1)*d.out]
			for j, gv := range gi {
				db[j] += gv
			}
		}
	}

	// dx = g·Wᵀ
	parallelFor(n, pc.workers, func(_, start, end int) {
		for i := start; i < end; i++ {
			gi := grad.Data[i*d.out : (i+1)*d.out]
			dxi := dx.Data[i*d.in : (i+1)*d.in]
			for k := range dxi {
				wk := w[k*d.out : (k+1)*d.out]
				var s float32
				for j, gv := range gi {
					s += gv * wk[j]
				}
				dxi[k] = s
			}
		}
	})
	return dx, nil
}

// maxPool2D pools non-overlapping or strided square windows per channel.
type maxPool2D struct {
	pool, stride int
	inShape      []int
	argmax       []int
}

func (m *maxPool2D) parameters() []*Parameter { return nil }

func (m *maxPool2D) forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("maxpool: expected 4D input, got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-m.pool)/m.stride + 1
	ow := (w-m.pool)/m.stride + 1
	y, err := tensor.Zeros([]int{n, c, oh, ow})
	if err != nil {
		return nil, err
	}
	m.inShape = x.Shape
	m.argmax = make([]int, y.NumElems)

	parallelFor(n*c, pc.workers, func(_, start, end int) {
		for nc := start; nc < end; nc++ {
			inBase := nc * h * w
			outBase := nc * oh * ow
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := inBase + (oy*m.stride)*w + ox*m.stride
					for ky := 0; ky < m.pool; ky++ {
						row := inBase + (oy*m.stride+ky)*w + ox*m.stride
						for kx := 0; kx < m.pool; kx++ {
							if x.Data[row+kx] > x.Data[best] {
								best = row + kx
							}
						}
					}
					o := outBase + oy*ow + ox
					y.Data[o] = x.Data[best]
					m.argmax[o] = best
				}
			}
		}
	})
	return y, nil
}

func (m *maxPool2D) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	dx, err := tensor.Zeros(m.inShape)
	if err != nil {
		return nil, err
	}
	for o, g := range grad.Data {
		dx.Data[m.argmax[o]] += g
	}
	return dx, nil
}

// leakyReLU with slope 0 is a plain ReLU.
type leakyReLU struct {
	slope float32
	input *tensor.Tensor
}

func (r *leakyReLU) parameters() []*Parameter { return nil }

func (r *leakyReLU) forward(x *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	r.input = x
	y := x.Clone()
	for i, v := range y.Data {
		if v < 0 {
			y.Data[i] = v * r.slope
		}
	}
	return y, nil
}

func (r *leakyReLU) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	dx := grad.Clone()
	for i, v := range r.input.Data {
		if v <= 0 {
			dx.Data[i] *= r.slope
		}
	}
	return dx, nil
}

type sigmoid struct {
	output *tensor.Tensor
}

func (s *sigmoid) parameters() []*Parameter { return nil }

func (s *sigmoid) forward(x *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	y := x.Clone()
	for i, v := range y.Data {
		y.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	s.output = y
	return y, nil
}

func (s *sigmoid) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	dx := grad.Clone()
	for i, y := range s.output.Data {
		dx.Data[i] *= y * (1 - y)
	}
	return dx, nil
}

// softmax normalises every sample over its last axis.
type softmax struct {
	output *tensor.Tensor
}

func (s *softmax) parameters() []*Parameter { return nil }

func (s *softmax) forward(x *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	y := x.Clone()
	for i := 0; i < y.Rows(); i++ {
		softmaxInPlace(y.Row(i))
	}
	s.output = y
	return y, nil
}

func (s *softmax) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	dx := grad.Clone()
	for i := 0; i < dx.Rows(); i++ {
		yi := s.output.Row(i)
		gi := grad.Row(i)
		var dot float32
		for j := range yi {
			dot += gi[j] * yi[j]
		}
		di := dx.Row(i)
		for j := range di {
			di[j] = yi[j] * (gi[j] - dot)
		}
	}
	return dx, nil
}

func softmaxInPlace(row []float32) {
	max := row[0]
	for _, v := range row[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for j, v := range row {
		e := math.Exp(float64(v - max))
		row[j] = float32(e)
		sum += e
	}
	for j := range row {
		row[j] = float32(float64(row[j]) / sum)
	}
}

// dropout uses inverted scaling so inference is the identity.
type dropout struct {
	rate float32
	mask []float32
}

func (d *dropout) parameters() []*Parameter { return nil }

func (d *dropout) keepProb(pc *passContext) float32 {
	if pc.keepProb > 0 {
		return pc.keepProb
	}
	return 1 - d.rate
}

func (d *dropout) forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	keep := d.keepProb(pc)
	if !pc.train || keep >= 1 {
		d.mask = nil
		return x, nil
	}
	if keep <= 0 {
		return nil, fmt.Errorf("dropout: keep probability must be positive, got %f", keep)
	}
	y := x.Clone()
	d.mask = make([]float32, y.NumElems)
	scale := 1 / keep
	for i := range y.Data {
		if pc.rng.Float32() < keep {
			d.mask[i] = scale
		}
		y.Data[i] *= d.mask[i]
	}
	return y, nil
}

func (d *dropout) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	if d.mask == nil {
		return grad, nil
	}
	dx := grad.Clone()
	for i := range dx.Data {
		dx.Data[i] *= d.mask[i]
	}
	return dx, nil
}

type reshape struct {
	shape   []int
	inShape []int
}

func (r *reshape) parameters() []*Parameter { return nil }

func (r *reshape) forward(x *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	r.inShape = x.Shape
	return x.Reshape(append([]int{x.Rows()}, r.shape...))
}

func (r *reshape) backward(grad *tensor.Tensor, _ *passContext) (*tensor.Tensor, error) {
	return grad.Reshape(r.inShape)
}
