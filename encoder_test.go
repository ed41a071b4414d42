package caption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

func TestEncoderForward(t *testing.T) {
	enc := NewEncoder(rand.NewSource(1), meanBackbone{channels: 3}, 5)
	images := NewTensorNormal(rand.NewSource(2), 0, 1, 4, 3, 6, 6)

	pre := enc.Linear.Forward(enc.Backbone.Features(images))
	out := enc.Forward(images)
	require.Equal(t, []int{4, 5}, out.Shape())
	assert.Equal(t, 5, enc.EmbedDim())

	// Training mode: every embedding dimension is normalized over the batch
	// to zero mean and (biased) variance v/(v+eps), v the input variance.
	for j := 0; j < 5; j++ {
		col, outCol := make([]float64, 4), make([]float64, 4)
		for i := range col {
			col[i], outCol[i] = pre.At(i, j), out.At(i, j)
		}
		_, variance := stat.PopMeanVariance(col, nil)
		outMean, outVar := stat.PopMeanVariance(outCol, nil)
		assert.InDelta(t, 0, outMean, 1e-9, "dim %d", j)
		assert.InDelta(t, variance/(variance+enc.BN.Eps), outVar, 1e-9, "dim %d", j)
		assert.InDelta(t, 1, outVar, 0.05, "dim %d", j)
	}
	assert.NotEqual(t, make([]float64, 5), enc.BN.RunningMean.Data())
}

func TestEncoderEvalIsPerImage(t *testing.T) {
	enc := NewEncoder(rand.NewSource(1), meanBackbone{channels: 3}, 5)
	enc.SetTraining(false)
	images := NewTensorNormal(rand.NewSource(2), 0, 1, 2, 3, 4, 4)

	both := enc.Forward(images)
	first := enc.Forward(NewTensorFrom(images.Data()[:3*4*4], 1, 3, 4, 4))
	for j, v := range first.Row(0) {
		assert.InDelta(t, both.At(0, j), v, 1e-12)
	}
}

func TestEncoderRejectsBadInput(t *testing.T) {
	enc := NewEncoder(rand.NewSource(1), meanBackbone{channels: 3}, 5)
	assert.Panics(t, func() { enc.Forward(NewTensor(2, 3)) })
	assert.Panics(t, func() { enc.Forward(NewTensor(1, 3, 2, 2)) }, "a batch of one cannot be normalized in training mode")
}

func TestEncoderBackwardNumeric(t *testing.T) {
	enc := NewEncoder(rand.NewSource(3), meanBackbone{channels: 3}, 4)
	enc.BN.Momentum = 0
	images := NewTensorNormal(rand.NewSource(4), 0, 1, 5, 3, 2, 2)
	loss := func() float64 { return weightedSum(enc.Forward(images)) }

	out, cache := enc.ForwardWithCache(images)
	enc.Backward(cache, weightedSumGrad(out))
	numericGrad(t, "linear.weight", enc.Linear.Weight, loss, 12)
	numericGrad(t, "bn.weight", enc.BN.Gamma, loss, 4)
	numericGrad(t, "bn.bias", enc.BN.Beta, loss, 4)
}

func TestEncoderParams(t *testing.T) {
	enc := NewEncoder(rand.NewSource(1), meanBackbone{channels: 3}, 5)
	var names []string
	var buffers int
	for _, p := range enc.Params() {
		names = append(names, p.Name)
		if p.Buffer {
			buffers++
		}
	}
	assert.Equal(t, []string{"linear.weight", "linear.bias", "bn.weight", "bn.bias", "bn.running_mean", "bn.running_var"}, names)
	assert.Equal(t, 2, buffers)
}
