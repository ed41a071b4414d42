package caption

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// numericGrad checks analytic gradients of p against central differences of
// loss at up to n evenly spread indices.
func numericGrad(t *testing.T, name string, p *Tensor, loss func() float64, n int) {
	t.Helper()
	const eps = 1e-6

	if p.Grad() == nil {
		t.Fatalf("%s: no gradient accumulated", name)
	}
	step := max(1, p.Size()/n)
	for i := 0; i < p.Size(); i += step {
		orig := p.data[i]
		p.data[i] = orig + eps
		up := loss()
		p.data[i] = orig - eps
		down := loss()
		p.data[i] = orig

		want := (up - down) / (2 * eps)
		assert.InDelta(t, want, p.grad[i], 1e-5+1e-4*abs(want), "%s[%d]", name, i)
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// weightedSum is a scalar loss Σ w⊙y with a fixed weight pattern, so every
// output element gets a distinct gradient.
func weightedSum(y *Tensor) float64 {
	s := 0.0
	for i, v := range y.data {
		s += v * float64(i%7-3) / 3
	}
	return s
}

func weightedSumGrad(y *Tensor) *Tensor {
	g := NewTensor(y.shape...)
	for i := range g.data {
		g.data[i] = float64(i%7-3) / 3
	}
	return g
}

// fakeEmbedder returns a deterministic vector per word and records calls.
type fakeEmbedder struct {
	dim   int
	calls [][]string
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, pieces []string) ([][]float64, error) {
	f.calls = append(f.calls, pieces)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(pieces))
	for i, p := range pieces {
		v := make([]float64, f.dim)
		for j := range v {
			v[j] = float64(len(p)) + float64(j)/10
		}
		out[i] = v
	}
	return out, nil
}

var errEmbedder = errors.New("embedder unavailable")

// meanBackbone pools each channel of every image to its mean.
type meanBackbone struct{ channels int }

func (m meanBackbone) FeatureDim() int { return m.channels }

func (m meanBackbone) Features(images *Tensor) *Tensor {
	n, c := images.shape[0], images.shape[1]
	plane := images.shape[2] * images.shape[3]
	out := NewTensor(n, c)
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			sum := 0.0
			for _, v := range images.data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
				sum += v
			}
			out.data[i*c+ch] = sum / float64(plane)
		}
	}
	return out
}

// testVocab is the reserved tokens plus a few words.
func testVocab(words ...string) *Vocabulary {
	v := NewVocabulary()
	for _, w := range words {
		v.Add(w)
	}
	return v
}

// staticVectors returns word vectors of width dim for words.
func staticVectors(t *testing.T, dim int, words ...string) *WordVectors {
	t.Helper()
	m := make(map[string][]float64, len(words))
	for i, w := range words {
		v := make([]float64, dim)
		for j := range v {
			v[j] = float64(i+1) * 0.1 * float64(j%3-1)
		}
		m[w] = v
	}
	wv, err := NewWordVectors(dim, m)
	if err != nil {
		t.Fatal(err)
	}
	return wv
}
