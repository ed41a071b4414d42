package caption

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One optimization step of the captioning model:
//
// 1. Forward:
//    images → encoder → features
//    features + captions → decoder.Score → logits (Σ lengths rows)
//
// 2. Loss:
//    cross entropy against PackIDs(captions, lengths), the ids in the same
//    packed order as the logits
//
// 3. Backward:
//    logits → decoder (embedding, LSTM, Linear) → features → encoder head
//
// 4. Update:
//    Adam over the decoder and the encoder's Linear + BatchNorm affine
//    parameters. The backbone and the running statistics are not optimized.
//
// Iterating over a dataset is the caller's job.
//
// ===========================================================================

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// TrainingConfig holds optimizer hyperparameters.
type TrainingConfig struct {
	LearningRate      float64
	WeightDecay       float64 // L2 regularization
	GradientClipValue float64 // Global norm clip; 0 disables

	AdamBeta1   float64
	AdamBeta2   float64
	AdamEpsilon float64
}

// DefaultTrainingConfig returns the usual Adam settings for this model.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate: 1e-3,
		AdamBeta1:    0.9,
		AdamBeta2:    0.999,
		AdamEpsilon:  1e-8,
	}
}

// AdamOptimizer implements Adam.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type AdamOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m [][]float64
	v [][]float64
	t int
}

// NewAdamOptimizer creates moment buffers for params.
func NewAdamOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamOptimizer {
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Size())
		v[i] = make([]float64, p.Size())
	}
	return &AdamOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step updates params, which must be the slice the optimizer was built with.
// Parameters without a gradient are skipped.
func (opt *AdamOptimizer) Step(params []*Tensor, lr float64) {
	if len(params) != len(opt.m) {
		panic(fmt.Sprintf("adam: built for %d params, stepped with %d", len(opt.m), len(params)))
	}
	opt.t++
	bias1 := 1 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		if p.grad == nil {
			continue
		}
		m, v := opt.m[i], opt.v[i]
		for j := range p.data {
			grad := p.grad[j] + opt.weightDecay*p.data[j]
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// clipGradients rescales gradients so their global norm is at most maxNorm.
func clipGradients(params []*Tensor, maxNorm float64) {
	sq := 0.0
	for _, p := range params {
		sq += floats.Dot(p.grad, p.grad)
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm {
		return
	}
	for _, p := range params {
		floats.Scale(maxNorm/norm, p.grad)
	}
}

// Trainer runs optimization steps over an encoder/decoder pair.
type Trainer struct {
	Encoder *Encoder
	Decoder *Decoder

	config TrainingConfig
	params []*Tensor
	opt    *AdamOptimizer
	steps  int
}

// NewTrainer collects the trainable tensors of enc and dec and puts the
// encoder in training mode.
func NewTrainer(enc *Encoder, dec *Decoder, cfg TrainingConfig) *Trainer {
	if enc.EmbedDim() != dec.Config().EmbedDim {
		panic(fmt.Sprintf("trainer: encoder width %d, decoder expects %d", enc.EmbedDim(), dec.Config().EmbedDim))
	}
	var params []*Tensor
	for _, p := range append(enc.Params(), dec.Params()...) {
		if !p.Buffer {
			params = append(params, p.Tensor)
		}
	}
	enc.SetTraining(true)
	return &Trainer{
		Encoder: enc,
		Decoder: dec,
		config:  cfg,
		params:  params,
		opt:     NewAdamOptimizer(params, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEpsilon, cfg.WeightDecay),
	}
}

// Params returns the tensors the trainer optimizes.
func (tr *Trainer) Params() []*Tensor { return tr.params }

// Step runs forward, backward and one Adam update on a batch and returns
// the loss before the update. lengths follow Decoder.Score.
func (tr *Trainer) Step(images *Tensor, captions [][]int, lengths []int) float64 {
	tr.opt.ZeroGrad(tr.params)

	features, encCache := tr.Encoder.ForwardWithCache(images)
	logits, decCache := tr.Decoder.ScoreWithCache(features, captions, lengths)
	targets := PackIDs(captions, lengths)

	loss := CrossEntropyLoss(logits, targets)
	dFeatures := tr.Decoder.Backward(decCache, CrossEntropyBackward(logits, targets))
	tr.Encoder.Backward(encCache, dFeatures)

	for _, p := range tr.params {
		if p.grad == nil {
			p.grad = make([]float64, len(p.data))
		}
	}
	if tr.config.GradientClipValue > 0 {
		clipGradients(tr.params, tr.config.GradientClipValue)
	}
	tr.opt.Step(tr.params, tr.config.LearningRate)

	tr.steps++
	slog.Debug("train step", "step", tr.steps, "loss", loss, "rows", len(targets))
	return loss
}
