package caption

import (
	"fmt"
	"math"
)

// Conv2d is a bias-free 2D convolution on a single (C, H, W) feature map.
// Weight layout is PyTorch's (out, in, kh, kw).
type Conv2d struct {
	Weight  *Tensor
	Stride  int
	Padding int
}

func (c *Conv2d) outChannels() int { return c.Weight.shape[0] }

// Forward convolves x (in, h, w) into (out, oh, ow) with im2col + GEMM.
func (c *Conv2d) Forward(x *Tensor) *Tensor {
	in, kh, kw := c.Weight.shape[1], c.Weight.shape[2], c.Weight.shape[3]
	if len(x.shape) != 3 || x.shape[0] != in {
		panic(fmt.Sprintf("conv2d: expected (%d, h, w) input, got %v", in, x.shape))
	}
	h, w := x.shape[1], x.shape[2]
	oh := (h+2*c.Padding-kh)/c.Stride + 1
	ow := (w+2*c.Padding-kw)/c.Stride + 1
	if oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("conv2d: input %dx%d too small for kernel %dx%d", h, w, kh, kw))
	}

	cols := NewTensor(in*kh*kw, oh*ow)
	for ch := 0; ch < in; ch++ {
		plane := x.data[ch*h*w : (ch+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				dst := cols.Row((ch*kh+ky)*kw + kx)
				for oy := 0; oy < oh; oy++ {
					iy := oy*c.Stride - c.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						ix := ox*c.Stride - c.Padding + kx
						if ix >= 0 && ix < w {
							dst[oy*ow+ox] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}

	out := MatMul(c.Weight.Reshape(c.outChannels(), in*kh*kw), cols)
	return out.Reshape(c.outChannels(), oh, ow)
}

// BatchNorm2d is an inference-only per-channel normalization.
type BatchNorm2d struct {
	Gamma       *Tensor
	Beta        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Eps         float64
}

// NewBatchNorm2d returns an identity normalization for channels.
func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Gamma:       NewTensor(channels),
		Beta:        NewTensor(channels),
		RunningMean: NewTensor(channels),
		RunningVar:  NewTensor(channels),
		Eps:         1e-5,
	}
	for i := 0; i < channels; i++ {
		bn.Gamma.data[i] = 1
		bn.RunningVar.data[i] = 1
	}
	return bn
}

// forwardInPlace normalizes x (C, H, W) with running statistics.
func (bn *BatchNorm2d) forwardInPlace(x *Tensor) {
	channels := x.shape[0]
	plane := x.shape[1] * x.shape[2]
	for ch := 0; ch < channels; ch++ {
		scale := bn.Gamma.data[ch] / math.Sqrt(bn.RunningVar.data[ch]+bn.Eps)
		shift := bn.Beta.data[ch] - bn.RunningMean.data[ch]*scale
		p := x.data[ch*plane : (ch+1)*plane]
		for i := range p {
			p[i] = p[i]*scale + shift
		}
	}
}

func (bn *BatchNorm2d) params(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + "weight", Tensor: bn.Gamma},
		{Name: prefix + "bias", Tensor: bn.Beta},
		{Name: prefix + "running_mean", Tensor: bn.RunningMean, Buffer: true},
		{Name: prefix + "running_var", Tensor: bn.RunningVar, Buffer: true},
	}
}

func reluInPlace(x *Tensor) {
	for i, v := range x.data {
		if v < 0 {
			x.data[i] = 0
		}
	}
}

// maxPool2d applies a max pool with PyTorch's padding semantics: padded
// positions never win.
func maxPool2d(x *Tensor, kernel, stride, padding int) *Tensor {
	channels, h, w := x.shape[0], x.shape[1], x.shape[2]
	oh := (h+2*padding-kernel)/stride + 1
	ow := (w+2*padding-kernel)/stride + 1
	out := NewTensor(channels, oh, ow)
	for ch := 0; ch < channels; ch++ {
		plane := x.data[ch*h*w : (ch+1)*h*w]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := math.Inf(-1)
				for ky := 0; ky < kernel; ky++ {
					iy := oy*stride - padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kernel; kx++ {
						ix := ox*stride - padding + kx
						if ix >= 0 && ix < w {
							best = math.Max(best, plane[iy*w+ix])
						}
					}
				}
				out.data[(ch*oh+oy)*ow+ox] = best
			}
		}
	}
	return out
}

// globalAvgPool averages every channel of x (C, H, W) to one value.
func globalAvgPool(x *Tensor) []float64 {
	channels := x.shape[0]
	plane := x.shape[1] * x.shape[2]
	out := make([]float64, channels)
	for ch := range out {
		sum := 0.0
		for _, v := range x.data[ch*plane : (ch+1)*plane] {
			sum += v
		}
		out[ch] = sum / float64(plane)
	}
	return out
}
