package caption

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// Backbone turns a batch of images (N, C, H, W) into flat feature vectors
// (N, FeatureDim). It is treated as frozen.
type Backbone interface {
	Features(images *Tensor) *Tensor
	FeatureDim() int
}

// Encoder maps images to embedding vectors:
//
//	images → backbone (frozen) → Linear(featureDim, embedDim) → BatchNorm1d
//
// Only the projection and the normalization are trainable.
type Encoder struct {
	Backbone Backbone
	Linear   *Linear
	BN       *BatchNorm1d
}

// NewEncoder puts a trainable projection of width embedDim on top of
// backbone. The normalization starts in training mode with momentum 0.01.
func NewEncoder(src rand.Source, backbone Backbone, embedDim int) *Encoder {
	if embedDim <= 0 {
		panic(fmt.Sprintf("encoder: embed dim must be positive, got %d", embedDim))
	}
	return &Encoder{
		Backbone: backbone,
		Linear:   NewLinear(src, backbone.FeatureDim(), embedDim),
		BN:       NewBatchNorm1d(embedDim, 0.01),
	}
}

// EmbedDim returns the width of the produced embeddings.
func (e *Encoder) EmbedDim() int { return e.Linear.Out() }

// SetTraining switches the normalization between batch and running
// statistics. Training mode needs batches of at least two images.
func (e *Encoder) SetTraining(training bool) { e.BN.SetTraining(training) }

// Forward maps images (N, C, H, W) to embeddings (N, EmbedDim).
func (e *Encoder) Forward(images *Tensor) *Tensor {
	out, _ := e.ForwardWithCache(images)
	return out
}

// encoderCache keeps the forward state Backward needs.
type encoderCache struct {
	features *Tensor
	bn       *batchNormCache
}

// ForwardWithCache is Forward that also returns what Backward needs.
func (e *Encoder) ForwardWithCache(images *Tensor) (*Tensor, *encoderCache) {
	if len(images.shape) != 4 {
		panic(fmt.Sprintf("encoder: expected (N, C, H, W) images, got %v", images.shape))
	}
	features := e.Backbone.Features(images)
	out, bc := e.BN.forward(e.Linear.Forward(features))
	return out, &encoderCache{features: features, bn: bc}
}

// Backward accumulates gradients for the projection and normalization. The
// backbone receives none.
func (e *Encoder) Backward(cache *encoderCache, gradOut *Tensor) {
	e.Linear.Backward(cache.features, e.BN.Backward(cache.bn, gradOut))
}

// Params returns the projection and normalization tensors. Backbone weights
// are not included.
func (e *Encoder) Params() []NamedParam {
	return append(e.Linear.Params("linear."), e.BN.Params("bn.")...)
}
