package caption

import "fmt"

// Embedding maps token ids to rows of a trainable (vocab, dim) table.
type Embedding struct {
	Weight *Tensor
}

// NewEmbedding wraps an already populated table.
func NewEmbedding(weight *Tensor) *Embedding {
	require2D("Embedding", weight)
	return &Embedding{Weight: weight}
}

// Dim returns the embedding width.
func (e *Embedding) Dim() int { return e.Weight.shape[1] }

// Len returns the number of rows.
func (e *Embedding) Len() int { return e.Weight.shape[0] }

// Lookup gathers one row per id into (len(ids), dim). Out-of-range ids panic.
func (e *Embedding) Lookup(ids []int) *Tensor {
	out := NewTensor(len(ids), e.Dim())
	for i, id := range ids {
		if id < 0 || id >= e.Len() {
			panic(fmt.Sprintf("embedding: id %d out of range [0,%d)", id, e.Len()))
		}
		copy(out.Row(i), e.Weight.Row(id))
	}
	return out
}

// Backward scatters gradOut rows back onto the rows they were gathered from.
// Repeated ids accumulate.
func (e *Embedding) Backward(ids []int, gradOut *Tensor) {
	if e.Weight.grad == nil {
		e.Weight.grad = make([]float64, len(e.Weight.data))
	}
	dim := e.Dim()
	for i, id := range ids {
		dst := e.Weight.grad[id*dim : (id+1)*dim]
		for j, g := range gradOut.Row(i) {
			dst[j] += g
		}
	}
}
