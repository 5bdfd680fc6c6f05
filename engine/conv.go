package engine

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/vggtrain/layers"
	"github.com/tsawler/vggtrain/tensor"
)

// conv2D is a square-kernel convolution over [batch, channels, height, width]
// inputs, computed per sample with an im2col buffer.
type conv2D struct {
	inC, outC      int
	kernel, stride int
	padding        int
	weight         *Parameter
	bias           *Parameter
	input          *tensor.Tensor
}

func newConv2D(spec layers.LayerSpec, rng *rand.Rand) (*conv2D, error) {
	c := &conv2D{
		inC:     layers.GetIntParam(spec.Parameters, "input_channels", 0),
		outC:    layers.GetIntParam(spec.Parameters, "output_channels", 0),
		kernel:  layers.GetIntParam(spec.Parameters, "kernel_size", 0),
		stride:  layers.GetIntParam(spec.Parameters, "stride", 1),
		padding: layers.GetIntParam(spec.Parameters, "padding", 0),
	}
	if c.inC <= 0 || c.outC <= 0 || c.kernel <= 0 || c.stride <= 0 {
		return nil, fmt.Errorf("conv layer %s not compiled", spec.Name)
	}
	fanIn := c.inC * c.kernel * c.kernel
	w, err := tensor.HeNormal([]int{c.outC, c.inC, c.kernel, c.kernel}, fanIn, rng)
	if err != nil {
		return nil, err
	}
	c.weight = newParameter(spec.Name, "weight", w)
	if layers.GetBoolParam(spec.Parameters, "use_bias", true) {
		b, _ := tensor.Zeros([]int{c.outC})
		c.bias = newParameter(spec.Name, "bias", b)
	}
	return c, nil
}

func (c *conv2D) parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

func (c *conv2D) outputSize(h, w int) (int, int) {
	return (h+2*c.padding-c.kernel)/c.stride + 1, (w+2*c.padding-c.kernel)/c.stride + 1
}

// im2col fills cols[r*P+p] with the input value feeding kernel tap r at
// output position p, where r = (ch*K+ky)*K+kx and P = oh*ow.
func (c *conv2D) im2col(x []float32, h, w, oh, ow int, cols []float32) {
	p := oh * ow
	k := c.kernel
	for ch := 0; ch < c.inC; ch++ {
		plane := x[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				r := (ch*k+ky)*k + kx
				dst := cols[r*p : (r+1)*p]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.padding + ky
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.padding + kx
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							dst[oy*ow+ox] = 0
						} else {
							dst[oy*ow+ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im accumulates column gradients back onto the input image.
func (c *conv2D) col2im(cols []float32, h, w, oh, ow int, dx []float32) {
	p := oh * ow
	k := c.kernel
	for ch := 0; ch < c.inC; ch++ {
		plane := dx[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				r := (ch*k+ky)*k + kx
				src := cols[r*p : (r+1)*p]
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.stride - c.padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.stride - c.padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						plane[iy*w+ix] += src[oy*ow+ox]
					}
				}
			}
		}
	}
}

func (c *conv2D) forward(x *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.inC {
		return nil, fmt.Errorf("conv: expected [batch, %d, h, w] input, got %v", c.inC, x.Shape)
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.outputSize(h, w)
	p := oh * ow
	r := c.inC * c.kernel * c.kernel

	y, err := tensor.Zeros([]int{n, c.outC, oh, ow})
	if err != nil {
		return nil, err
	}
	c.input = x
	weights := c.weight.Value.Data

	parallelFor(n, pc.workers, func(_, start, end int) {
		cols := pc.scratch.Get(r * p)
		defer pc.scratch.Put(cols)
		for s := start; s < end; s++ {
			c.im2col(x.Row(s), h, w, oh, ow, cols)
			out := y.Row(s)
			for o := 0; o < c.outC; o++ {
				dst := out[o*p : (o+1)*p]
				if c.bias != nil {
					b := c.bias.Value.Data[o]
					for i := range dst {
						dst[i] = b
					}
				}
				wo := weights[o*r : (o+1)*r]
				for ri, wv := range wo {
					if wv == 0 {
						continue
					}
					src := cols[ri*p : (ri+1)*p]
					for i, v := range src {
						dst[i] += wv * v
					}
				}
			}
		}
	})
	return y, nil
}

func (c *conv2D) backward(grad *tensor.Tensor, pc *passContext) (*tensor.Tensor, error) {
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh, ow := c.outputSize(h, w)
	p := oh * ow
	r := c.inC * c.kernel * c.kernel
	weights := c.weight.Value.Data

	dx, err := tensor.Zeros(x.Shape)
	if err != nil {
		return nil, err
	}

	// Each worker accumulates into private buffers that are reduced below.
	workers := numChunks(n, pc.workers)
	dws := make([][]float32, workers)
	dbs := make([][]float32, workers)

	parallelFor(n, workers, func(worker, start, end int) {
		cols := pc.scratch.Get(r * p)
		dcols := pc.scratch.Get(r * p)
		defer pc.scratch.Put(cols)
		defer pc.scratch.Put(dcols)
		dw := pc.scratch.Get(c.outC * r)
		db := pc.scratch.Get(c.outC)
		for s := start; s < end; s++ {
			c.im2col(x.Row(s), h, w, oh, ow, cols)
			g := grad.Row(s)
			for i := range dcols {
				dcols[i] = 0
			}
			for o := 0; o < c.outC; o++ {
				gOut := g[o*p : (o+1)*p]
				for _, v := range gOut {
					db[o] += v
				}
				dwo := dw[o*r : (o+1)*r]
				wo := weights[o*r : (o+1)*r]
				for ri := 0; ri < r; ri++ {
					src := cols[ri*p : (ri+1)*p]
					var acc float32
					for i, v := range gOut {
						acc += v * src[i]
					}
					dwo[ri] += acc

					wv := wo[ri]
					if wv == 0 {
						continue
					}
					dst := dcols[ri*p : (ri+1)*p]
					for i, v := range gOut {
						dst[i] += wv * v
					}
				}
			}
			c.col2im(dcols, h, w, oh, ow, dx.Row(s))
		}
		dws[worker] = dw
		dbs[worker] = db
	})

	wg := c.weight.Grad.Data
	for _, dw := range dws {
		for i, v := range dw {
			wg[i] += v
		}
		pc.scratch.Put(dw)
	}
	for _, db := range dbs {
		if c.bias != nil {
			bg := c.bias.Grad.Data
			for i, v := range db {
				bg[i] += v
			}
		}
		pc.scratch.Put(db)
	}
	return dx, nil
}
