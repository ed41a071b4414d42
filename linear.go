package caption

import (
	"math"

	"golang.org/x/exp/rand"
)

// Linear is a fully connected layer y = x Wᵀ + b with PyTorch weight layout.
type Linear struct {
	Weight *Tensor // (out, in)
	Bias   *Tensor // (out)
}

// NewLinear initializes weights and bias from U(-1/√in, 1/√in), matching
// PyTorch's default for nn.Linear.
func NewLinear(src rand.Source, in, out int) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	return &Linear{
		Weight: NewTensorUniform(src, -bound, bound, out, in),
		Bias:   NewTensorUniform(src, -bound, bound, out),
	}
}

// In returns the input width.
func (l *Linear) In() int { return l.Weight.shape[1] }

// Out returns the output width.
func (l *Linear) Out() int { return l.Weight.shape[0] }

// Forward maps x (rows, in) to (rows, out).
func (l *Linear) Forward(x *Tensor) *Tensor {
	out := MatMulTransB(x, l.Weight)
	addBias(out, l.Bias)
	return out
}

// Backward accumulates weight and bias gradients and returns ∂L/∂x.
//
//	∂L/∂W = gradOutᵀ @ x
//	∂L/∂b = Σ_rows gradOut
//	∂L/∂x = gradOut @ W
func (l *Linear) Backward(x, gradOut *Tensor) *Tensor {
	l.Weight.AccumulateGrad(MatMulTransA(gradOut, x))
	l.Bias.accumulate(sumRows(gradOut))
	return MatMul(gradOut, l.Weight)
}

// Params returns the trainable tensors.
func (l *Linear) Params(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + "weight", Tensor: l.Weight},
		{Name: prefix + "bias", Tensor: l.Bias},
	}
}
