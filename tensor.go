package caption

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// RECOMMENDED READING:
//
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 6: Deep Feedforward Networks - backpropagation
//   Chapter 10: Sequence Modeling - recurrent nets, LSTM
//
// - gonum BLAS: the Gemm call below is the only place heavy arithmetic
//   happens outside of the convolution im2col buffers.

// Tensor is a dense row-major array of float64 values with an optional
// gradient buffer of the same size.
//
// Tensor is not safe for concurrent use.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64 // nil until a gradient is accumulated
}

// NewTensor creates a zero tensor. Shape errors are programmer bugs and panic.
func NewTensor(shape ...int) *Tensor {
	size := shapeSize(shape)
	return &Tensor{
		data:  make([]float64, size),
		shape: append([]int(nil), shape...),
	}
}

// NewTensorFrom wraps data (not copied) in a tensor of the given shape.
func NewTensorFrom(data []float64, shape ...int) *Tensor {
	if size := shapeSize(shape); size != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return &Tensor{
		data:  data,
		shape: append([]int(nil), shape...),
	}
}

// NewTensorNormal fills a tensor with samples from N(mu, sigma²).
func NewTensorNormal(src rand.Source, mu, sigma float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	dist := distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	for i := range t.data {
		t.data[i] = dist.Rand()
	}
	return t
}

// NewTensorUniform fills a tensor with samples from U(lo, hi).
func NewTensorUniform(src rand.Source, lo, hi float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	dist := distuv.Uniform{Min: lo, Max: hi, Src: src}
	for i := range t.data {
		t.data[i] = dist.Rand()
	}
	return t
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}
	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data exposes the underlying storage.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the gradient buffer, or nil if nothing was accumulated.
func (t *Tensor) Grad() []float64 { return t.grad }

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = value
}

// Row returns row i of a 2D tensor as a slice sharing storage.
func (t *Tensor) Row(i int) []float64 {
	if len(t.shape) != 2 {
		panic("tensor: Row requires a 2D tensor")
	}
	cols := t.shape[1]
	return t.data[i*cols : (i+1)*cols]
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx, stride := 0, 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}
	return idx
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g to the gradient buffer, allocating it on first use.
func (t *Tensor) AccumulateGrad(g *Tensor) {
	if len(g.data) != len(t.data) {
		panic(fmt.Sprintf("tensor: gradient shape %v does not match %v", g.shape, t.shape))
	}
	t.accumulate(g.data)
}

func (t *Tensor) accumulate(g []float64) {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	floats.Add(t.grad, g)
}

// Clone creates a deep copy of the values (the gradient is not copied).
func (t *Tensor) Clone() *Tensor {
	return NewTensorFrom(append([]float64(nil), t.data...), t.shape...)
}

// Reshape returns a view with a different shape sharing data and gradient.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if shapeSize(shape) != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{data: t.data, shape: append([]int(nil), shape...), grad: t.grad}
}

// String returns a short description for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

func general(t *Tensor) blas64.General {
	return blas64.General{Rows: t.shape[0], Cols: t.shape[1], Stride: t.shape[1], Data: t.data}
}

func require2D(op string, ts ...*Tensor) {
	for _, t := range ts {
		if len(t.shape) != 2 {
			panic(fmt.Sprintf("tensor: %s requires 2D tensors, got %v", op, t.shape))
		}
	}
}

// MatMul computes A @ B for A (M,K) and B (K,N).
func MatMul(a, b *Tensor) *Tensor {
	require2D("MatMul", a, b)
	if a.shape[1] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot multiply %v by %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[1])
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a), general(b), 0, general(out))
	return out
}

// MatMulTransB computes A @ Bᵀ for A (M,K) and B (N,K). This is the shape
// every PyTorch-layout weight (out,in) is applied with.
func MatMulTransB(a, b *Tensor) *Tensor {
	require2D("MatMulTransB", a, b)
	if a.shape[1] != b.shape[1] {
		panic(fmt.Sprintf("tensor: cannot multiply %v by transpose of %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape[0], b.shape[0])
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, general(a), general(b), 0, general(out))
	return out
}

// MatMulTransA computes Aᵀ @ B for A (K,M) and B (K,N).
func MatMulTransA(a, b *Tensor) *Tensor {
	require2D("MatMulTransA", a, b)
	if a.shape[0] != b.shape[0] {
		panic(fmt.Sprintf("tensor: cannot multiply transpose of %v by %v", a.shape, b.shape))
	}
	out := NewTensor(a.shape[1], b.shape[1])
	blas64.Gemm(blas.Trans, blas.NoTrans, 1, general(a), general(b), 0, general(out))
	return out
}

// Add performs element-wise addition.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}
	out := a.Clone()
	floats.Add(out.data, b.data)
	return out
}

// Scale multiplies all elements by a scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := a.Clone()
	floats.Scale(scalar, out.data)
	return out
}

// addBias adds bias (features,) to every row of x (rows, features) in place.
func addBias(x, bias *Tensor) {
	require2D("addBias", x)
	if x.shape[1] != bias.Size() {
		panic(fmt.Sprintf("addBias: dimension mismatch %d vs %d", x.shape[1], bias.Size()))
	}
	for i := 0; i < x.shape[0]; i++ {
		floats.Add(x.Row(i), bias.data)
	}
}

// sumRows returns the column sums of a 2D tensor, the gradient of addBias.
func sumRows(x *Tensor) []float64 {
	out := make([]float64, x.shape[1])
	for i := 0; i < x.shape[0]; i++ {
		floats.Add(out, x.Row(i))
	}
	return out
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Softmax applies a numerically stable softmax to each row.
func Softmax(x *Tensor) *Tensor {
	require2D("Softmax", x)
	out := x.Clone()
	for i := 0; i < x.shape[0]; i++ {
		row := out.Row(i)
		maxVal := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - maxVal)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
	return out
}

// argmaxRows returns the index of the largest value in every row. Ties go to
// the lowest index, so the result is deterministic.
func argmaxRows(x *Tensor) []int {
	require2D("argmaxRows", x)
	ids := make([]int, x.shape[0])
	for i := range ids {
		ids[i] = floats.MaxIdx(x.Row(i))
	}
	return ids
}

// sliceRows copies rows [from, to) of a 2D tensor.
func sliceRows(x *Tensor, from, to int) *Tensor {
	cols := x.shape[1]
	return NewTensorFrom(append([]float64(nil), x.data[from*cols:to*cols]...), to-from, cols)
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
