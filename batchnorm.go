package caption

import (
	"fmt"
	"math"
)

// BatchNorm1d normalizes every feature across the batch.
//
// PAPER: "Batch Normalization" by Ioffe & Szegedy (2015)
// https://arxiv.org/abs/1502.03167
//
// Training: y = γ (x - μ_B) / √(σ²_B + ε) + β with batch statistics; running
// statistics move toward the batch ones by Momentum (unbiased variance, as
// PyTorch does). Evaluation uses the running statistics instead.
type BatchNorm1d struct {
	Gamma       *Tensor
	Beta        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Momentum    float64
	Eps         float64

	training bool
}

// NewBatchNorm1d creates a layer with γ=1, β=0 and unit running variance.
func NewBatchNorm1d(features int, momentum float64) *BatchNorm1d {
	bn := &BatchNorm1d{
		Gamma:       NewTensor(features),
		Beta:        NewTensor(features),
		RunningMean: NewTensor(features),
		RunningVar:  NewTensor(features),
		Momentum:    momentum,
		Eps:         1e-5,
		training:    true,
	}
	for i := 0; i < features; i++ {
		bn.Gamma.data[i] = 1
		bn.RunningVar.data[i] = 1
	}
	return bn
}

// SetTraining switches between batch and running statistics.
func (bn *BatchNorm1d) SetTraining(training bool) { bn.training = training }

// Training reports whether batch statistics are used.
func (bn *BatchNorm1d) Training() bool { return bn.training }

// batchNormCache holds what Backward needs from a training-mode Forward.
type batchNormCache struct {
	xhat   *Tensor
	invStd []float64
}

// Forward normalizes x (batch, features).
func (bn *BatchNorm1d) Forward(x *Tensor) *Tensor {
	out, _ := bn.forward(x)
	return out
}

func (bn *BatchNorm1d) forward(x *Tensor) (*Tensor, *batchNormCache) {
	require2D("BatchNorm1d", x)
	n, features := x.shape[0], x.shape[1]
	if features != bn.Gamma.Size() {
		panic(fmt.Sprintf("BatchNorm1d: expected %d features, got %d", bn.Gamma.Size(), features))
	}

	mean := make([]float64, features)
	variance := make([]float64, features)
	if bn.training {
		if n < 2 {
			panic("BatchNorm1d: training mode needs more than one value per feature")
		}
		for i := 0; i < n; i++ {
			for j, v := range x.Row(i) {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float64(n)
		}
		for i := 0; i < n; i++ {
			for j, v := range x.Row(i) {
				d := v - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			biased := variance[j] / float64(n)
			unbiased := variance[j] / float64(n-1)
			variance[j] = biased
			bn.RunningMean.data[j] = (1-bn.Momentum)*bn.RunningMean.data[j] + bn.Momentum*mean[j]
			bn.RunningVar.data[j] = (1-bn.Momentum)*bn.RunningVar.data[j] + bn.Momentum*unbiased
		}
	} else {
		copy(mean, bn.RunningMean.data)
		copy(variance, bn.RunningVar.data)
	}

	invStd := make([]float64, features)
	for j := range invStd {
		invStd[j] = 1 / math.Sqrt(variance[j]+bn.Eps)
	}

	xhat := NewTensor(n, features)
	out := NewTensor(n, features)
	for i := 0; i < n; i++ {
		xr, hr, or := x.Row(i), xhat.Row(i), out.Row(i)
		for j := range xr {
			hr[j] = (xr[j] - mean[j]) * invStd[j]
			or[j] = bn.Gamma.data[j]*hr[j] + bn.Beta.data[j]
		}
	}
	return out, &batchNormCache{xhat: xhat, invStd: invStd}
}

// Backward accumulates γ and β gradients and returns ∂L/∂x for a
// training-mode forward pass:
//
//	∂L/∂x = (1/N) · invStd · (N·ĝ - Σĝ - x̂·Σ(ĝ·x̂)),  ĝ = gradOut · γ
func (bn *BatchNorm1d) Backward(cache *batchNormCache, gradOut *Tensor) *Tensor {
	n, features := gradOut.shape[0], gradOut.shape[1]

	gradGamma := make([]float64, features)
	gradBeta := make([]float64, features)
	sumG := make([]float64, features)
	sumGX := make([]float64, features)
	for i := 0; i < n; i++ {
		gr, hr := gradOut.Row(i), cache.xhat.Row(i)
		for j := range gr {
			gradGamma[j] += gr[j] * hr[j]
			gradBeta[j] += gr[j]
			g := gr[j] * bn.Gamma.data[j]
			sumG[j] += g
			sumGX[j] += g * hr[j]
		}
	}
	bn.Gamma.accumulate(gradGamma)
	bn.Beta.accumulate(gradBeta)

	gradX := NewTensor(n, features)
	nf := float64(n)
	for i := 0; i < n; i++ {
		gr, hr, dr := gradOut.Row(i), cache.xhat.Row(i), gradX.Row(i)
		for j := range gr {
			g := gr[j] * bn.Gamma.data[j]
			if bn.training {
				dr[j] = cache.invStd[j] * (nf*g - sumG[j] - hr[j]*sumGX[j]) / nf
			} else {
				dr[j] = cache.invStd[j] * g
			}
		}
	}
	return gradX
}

// Params returns the affine parameters and the running-statistic buffers.
func (bn *BatchNorm1d) Params(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + "weight", Tensor: bn.Gamma},
		{Name: prefix + "bias", Tensor: bn.Beta},
		{Name: prefix + "running_mean", Tensor: bn.RunningMean, Buffer: true},
		{Name: prefix + "running_var", Tensor: bn.RunningVar, Buffer: true},
	}
}
