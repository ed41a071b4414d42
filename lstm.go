package caption

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A stacked long short-term memory network, laid out exactly like PyTorch's
// nn.LSTM so weights can be exchanged with it:
//
//   gates = x W_ihᵀ + b_ih + h W_hhᵀ + b_hh        (4H wide, order i f g o)
//   i, f, o = σ(·)     g = tanh(·)
//   c' = f ⊙ c + i ⊙ g
//   h' = o ⊙ tanh(c')
//
// Two ways through it:
//
//   Step          one time step for every layer; used by greedy sampling,
//                 where the next input depends on the previous output.
//   ForwardPacked whole packed batch, layer by layer; used for scoring.
//                 Running the full sequence through layer 0 before layer 1
//                 gives the same numbers as interleaving and makes the
//                 backward pass a plain loop per layer.
//
// BackwardPacked is backpropagation through time over the cached steps.
//
// ===========================================================================

// lstmLayer holds one layer's parameters.
type lstmLayer struct {
	WeightIH *Tensor // (4H, in)
	WeightHH *Tensor // (4H, H)
	BiasIH   *Tensor // (4H)
	BiasHH   *Tensor // (4H)
}

// LSTM is a multi-layer LSTM.
type LSTM struct {
	InputSize  int
	HiddenSize int
	Layers     []*lstmLayer
}

// LSTMState is the per-layer hidden and cell state, each (batch, hidden).
type LSTMState struct {
	H []*Tensor
	C []*Tensor
}

// NewLSTM initializes every weight and bias from U(-1/√H, 1/√H).
func NewLSTM(src rand.Source, inputSize, hiddenSize, numLayers int) *LSTM {
	if numLayers <= 0 {
		panic(fmt.Sprintf("lstm: numLayers must be positive, got %d", numLayers))
	}
	bound := 1 / math.Sqrt(float64(hiddenSize))
	layers := make([]*lstmLayer, numLayers)
	for l := range layers {
		in := inputSize
		if l > 0 {
			in = hiddenSize
		}
		layers[l] = &lstmLayer{
			WeightIH: NewTensorUniform(src, -bound, bound, 4*hiddenSize, in),
			WeightHH: NewTensorUniform(src, -bound, bound, 4*hiddenSize, hiddenSize),
			BiasIH:   NewTensorUniform(src, -bound, bound, 4*hiddenSize),
			BiasHH:   NewTensorUniform(src, -bound, bound, 4*hiddenSize),
		}
	}
	return &LSTM{InputSize: inputSize, HiddenSize: hiddenSize, Layers: layers}
}

// ZeroState returns an all-zero state for a batch.
func (m *LSTM) ZeroState(batch int) *LSTMState {
	s := &LSTMState{
		H: make([]*Tensor, len(m.Layers)),
		C: make([]*Tensor, len(m.Layers)),
	}
	for l := range m.Layers {
		s.H[l] = NewTensor(batch, m.HiddenSize)
		s.C[l] = NewTensor(batch, m.HiddenSize)
	}
	return s
}

// lstmStep caches one cell update for the backward pass.
type lstmStep struct {
	x, hPrev, cPrev *Tensor
	gates           *Tensor // activated i f g o, (bs, 4H)
	tanhC           *Tensor // (bs, H)
}

// step runs one cell update for x (bs, in) from (hPrev, cPrev) (bs, H).
func (l *lstmLayer) step(x, hPrev, cPrev *Tensor) (h, c *Tensor, cache *lstmStep) {
	hidden := l.WeightHH.shape[1]
	bs := x.shape[0]

	gates := MatMulTransB(x, l.WeightIH)
	gates = Add(gates, MatMulTransB(hPrev, l.WeightHH))
	addBias(gates, l.BiasIH)
	addBias(gates, l.BiasHH)

	h = NewTensor(bs, hidden)
	c = NewTensor(bs, hidden)
	tanhC := NewTensor(bs, hidden)
	for r := 0; r < bs; r++ {
		g := gates.Row(r)
		for j := 0; j < hidden; j++ {
			ig := sigmoid(g[j])
			fg := sigmoid(g[hidden+j])
			gg := math.Tanh(g[2*hidden+j])
			og := sigmoid(g[3*hidden+j])
			g[j], g[hidden+j], g[2*hidden+j], g[3*hidden+j] = ig, fg, gg, og

			cv := fg*cPrev.data[r*hidden+j] + ig*gg
			tc := math.Tanh(cv)
			c.data[r*hidden+j] = cv
			tanhC.data[r*hidden+j] = tc
			h.data[r*hidden+j] = og * tc
		}
	}
	return h, c, &lstmStep{x: x, hPrev: hPrev, cPrev: cPrev, gates: gates, tanhC: tanhC}
}

// backwardStep turns (dh, dc) at the step's output into gradients for the
// step's inputs, accumulating parameter gradients on the way.
func (l *lstmLayer) backwardStep(s *lstmStep, dh, dc *Tensor) (dx, dhPrev, dcPrev *Tensor) {
	hidden := l.WeightHH.shape[1]
	bs := dh.shape[0]

	dGates := NewTensor(bs, 4*hidden)
	dcPrev = NewTensor(bs, hidden)
	for r := 0; r < bs; r++ {
		g := s.gates.Row(r)
		dg := dGates.Row(r)
		for j := 0; j < hidden; j++ {
			k := r*hidden + j
			ig, fg, gg, og := g[j], g[hidden+j], g[2*hidden+j], g[3*hidden+j]
			tc := s.tanhC.data[k]

			dcTotal := dc.data[k] + dh.data[k]*og*(1-tc*tc)
			dg[j] = dcTotal * gg * ig * (1 - ig)
			dg[hidden+j] = dcTotal * s.cPrev.data[k] * fg * (1 - fg)
			dg[2*hidden+j] = dcTotal * ig * (1 - gg*gg)
			dg[3*hidden+j] = dh.data[k] * tc * og * (1 - og)
			dcPrev.data[k] = dcTotal * fg
		}
	}

	l.WeightIH.AccumulateGrad(MatMulTransA(dGates, s.x))
	l.WeightHH.AccumulateGrad(MatMulTransA(dGates, s.hPrev))
	bias := sumRows(dGates)
	l.BiasIH.accumulate(bias)
	l.BiasHH.accumulate(bias)

	dx = MatMul(dGates, l.WeightIH)
	dhPrev = MatMul(dGates, l.WeightHH)
	return dx, dhPrev, dcPrev
}

// Step advances every layer by one time step. x is (batch, InputSize); the
// returned tensor is the top layer's hidden state. state is not modified.
func (m *LSTM) Step(x *Tensor, state *LSTMState) (*Tensor, *LSTMState) {
	if state == nil {
		state = m.ZeroState(x.shape[0])
	}
	next := &LSTMState{
		H: make([]*Tensor, len(m.Layers)),
		C: make([]*Tensor, len(m.Layers)),
	}
	input := x
	for l, layer := range m.Layers {
		h, c, _ := layer.step(input, state.H[l], state.C[l])
		next.H[l], next.C[l] = h, c
		input = h
	}
	return input, next
}

// lstmCache holds every layer's steps from ForwardPacked.
type lstmCache struct {
	sizes []int
	steps [][]*lstmStep // [layer][time]
}

func stepOffsets(sizes []int) []int {
	offsets := make([]int, len(sizes))
	off := 0
	for t, bs := range sizes {
		offsets[t] = off
		off += bs
	}
	return offsets
}

func (l *lstmLayer) forwardPacked(x *Tensor, sizes []int) (*Tensor, []*lstmStep) {
	hidden := l.WeightHH.shape[1]
	batch := sizes[0]
	h := NewTensor(batch, hidden)
	c := NewTensor(batch, hidden)
	out := NewTensor(x.shape[0], hidden)
	steps := make([]*lstmStep, len(sizes))

	for t, off := range stepOffsets(sizes) {
		bs := sizes[t]
		hn, cn, s := l.step(sliceRows(x, off, off+bs), sliceRows(h, 0, bs), sliceRows(c, 0, bs))
		copy(h.data[:bs*hidden], hn.data)
		copy(c.data[:bs*hidden], cn.data)
		copy(out.data[off*hidden:(off+bs)*hidden], hn.data)
		steps[t] = s
	}
	return out, steps
}

// ForwardPacked runs the packed batch from a zero state and returns the top
// layer's hidden state for every packed row, (rows, HiddenSize).
func (m *LSTM) ForwardPacked(p PackedSequence) (*Tensor, *lstmCache) {
	cache := &lstmCache{sizes: p.BatchSizes, steps: make([][]*lstmStep, len(m.Layers))}
	input := p.Data
	for l, layer := range m.Layers {
		input, cache.steps[l] = layer.forwardPacked(input, p.BatchSizes)
	}
	return input, cache
}

// BackwardPacked backpropagates dOut (rows, HiddenSize) through time and the
// layer stack, returning the gradient for the packed input rows.
func (m *LSTM) BackwardPacked(cache *lstmCache, dOut *Tensor) *Tensor {
	sizes := cache.sizes
	offsets := stepOffsets(sizes)
	batch := sizes[0]

	grad := dOut
	for l := len(m.Layers) - 1; l >= 0; l-- {
		layer := m.Layers[l]
		steps := cache.steps[l]
		dX := NewTensor(grad.shape[0], steps[0].x.shape[1])
		dh := NewTensor(batch, m.HiddenSize)
		dc := NewTensor(batch, m.HiddenSize)

		for t := len(sizes) - 1; t >= 0; t-- {
			bs, off := sizes[t], offsets[t]
			dht := sliceRows(dh, 0, bs)
			for r := 0; r < bs; r++ {
				row := dht.Row(r)
				for j, g := range grad.Row(off + r) {
					row[j] += g
				}
			}
			dx, dhPrev, dcPrev := layer.backwardStep(steps[t], dht, sliceRows(dc, 0, bs))
			copy(dX.data[off*dX.shape[1]:(off+bs)*dX.shape[1]], dx.data)
			copy(dh.data[:bs*m.HiddenSize], dhPrev.data)
			copy(dc.data[:bs*m.HiddenSize], dcPrev.data)
		}
		grad = dX
	}
	return grad
}

// Params returns the weights with PyTorch's nn.LSTM names.
func (m *LSTM) Params(prefix string) []NamedParam {
	var params []NamedParam
	for l, layer := range m.Layers {
		params = append(params,
			NamedParam{Name: fmt.Sprintf("%sweight_ih_l%d", prefix, l), Tensor: layer.WeightIH},
			NamedParam{Name: fmt.Sprintf("%sweight_hh_l%d", prefix, l), Tensor: layer.WeightHH},
			NamedParam{Name: fmt.Sprintf("%sbias_ih_l%d", prefix, l), Tensor: layer.BiasIH},
			NamedParam{Name: fmt.Sprintf("%sbias_hh_l%d", prefix, l), Tensor: layer.BiasHH},
		)
	}
	return params
}
