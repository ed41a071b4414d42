package caption

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestConv2dForward(t *testing.T) {
	// 1 input channel 3x3, one 2x2 kernel of ones, stride 1, no padding.
	c := &Conv2d{Weight: NewTensorFrom([]float64{1, 1, 1, 1}, 1, 1, 2, 2), Stride: 1}
	x := NewTensorFrom([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 3, 3)
	y := c.Forward(x)
	require.Equal(t, []int{1, 2, 2}, y.Shape())
	assert.Equal(t, []float64{12, 16, 24, 28}, y.Data())

	// Padding 1, stride 2: corners see only the real pixels.
	c.Padding, c.Stride = 1, 2
	y = c.Forward(x)
	require.Equal(t, []int{1, 2, 2}, y.Shape())
	assert.Equal(t, []float64{1, 5, 11, 28}, y.Data())
}

func TestMaxPoolPaddingNeverWins(t *testing.T) {
	x := NewTensorFrom([]float64{-5, -4, -3, -2}, 1, 2, 2)
	y := maxPool2d(x, 3, 2, 1)
	require.Equal(t, []int{1, 1, 1}, y.Shape())
	assert.Equal(t, -2.0, y.Data()[0])
}

func TestBatchNorm2dAndPooling(t *testing.T) {
	bn := NewBatchNorm2d(2)
	bn.RunningMean.data[1] = 1
	bn.RunningVar.data[1] = 4 - 1e-5
	bn.Gamma.data[1] = 2

	x := NewTensorFrom([]float64{1, 2, 3, 4, 5, 5, 5, 5}, 2, 2, 2)
	bn.forwardInPlace(x)
	assert.InDelta(t, 4.0, x.At(1, 0, 0), 1e-9)

	pooled := globalAvgPool(x)
	assert.InDelta(t, 2.5/1.0000049999875, pooled[0], 1e-6)
	assert.InDelta(t, 4.0, pooled[1], 1e-9)
}

func TestResNetConfigForDepth(t *testing.T) {
	tests := []struct {
		depth      int
		bottleneck bool
		blocks     int
		features   int
	}{
		{18, false, 8, 512},
		{34, false, 16, 512},
		{50, true, 16, 2048},
		{101, true, 33, 2048},
		{152, true, 50, 2048},
	}
	for _, tt := range tests {
		cfg, err := ResNetConfigForDepth(tt.depth)
		require.NoError(t, err)
		assert.Equal(t, tt.bottleneck, cfg.Bottleneck, "depth %d", tt.depth)
		total := 0
		for _, n := range cfg.Layers {
			total += n
		}
		assert.Equal(t, tt.blocks, total, "depth %d", tt.depth)
		assert.Equal(t, tt.features, cfg.FeatureDim(), "depth %d", tt.depth)
	}

	_, err := ResNetConfigForDepth(42)
	assert.Error(t, err)
}

func TestResNetFeaturesShape(t *testing.T) {
	for _, bottleneck := range []bool{false, true} {
		cfg := ResNetConfig{Bottleneck: bottleneck, Layers: []int{1, 2}, Width: 4, InChannels: 3}
		net := NewResNet(rand.NewSource(1), cfg)
		images := NewTensorNormal(rand.NewSource(2), 0, 1, 2, 3, 32, 32)

		out := net.Features(images)
		require.Equal(t, []int{2, net.FeatureDim()}, out.Shape())

		// Pooled after ReLU, so every feature is non-negative.
		for _, v := range out.Data() {
			assert.GreaterOrEqual(t, v, 0.0)
		}
	}

	net := NewResNet(rand.NewSource(1), ResNetConfig{Layers: []int{1}, Width: 4, InChannels: 3})
	assert.Panics(t, func() { net.Features(NewTensor(1, 1, 8, 8)) })
}

func TestResNetNamedMatchesTorchvision(t *testing.T) {
	cfg, err := ResNetConfigForDepth(50)
	require.NoError(t, err)
	cfg.Width = 2 // keep the test small; names do not depend on width
	net := NewResNet(rand.NewSource(1), cfg)

	names := make(map[string][]int)
	for _, p := range net.named() {
		names[p.Name] = p.Tensor.Shape()
	}
	assert.Equal(t, []int{2, 3, 7, 7}, names["conv1.weight"])
	assert.Contains(t, names, "bn1.running_var")
	assert.Contains(t, names, "layer1.0.downsample.0.weight")
	assert.Contains(t, names, "layer1.0.downsample.1.running_mean")
	assert.Contains(t, names, "layer3.5.conv3.weight")
	assert.Contains(t, names, "layer4.2.bn3.bias")
	assert.NotContains(t, names, "layer1.1.downsample.0.weight")
	assert.NotContains(t, names, "fc.weight")

	// 1 stem conv + 3 per bottleneck + 4 downsamples, 5 tensors each with BN.
	assert.Len(t, names, (1+3*16+4)*5)
}

func TestLoadResNetMissingFile(t *testing.T) {
	_, err := LoadResNet("does-not-exist.pth", ResNetConfig{Layers: []int{1}, Width: 4, InChannels: 3})
	assert.Error(t, err)
}

func contiguousStride(size []int) []int {
	stride := make([]int, len(size))
	n := 1
	for i := len(size) - 1; i >= 0; i-- {
		stride[i] = n
		n *= size[i]
	}
	return stride
}

// torchTensor wraps values in the storage kind torch would produce, after a
// one-element prefix so the storage offset is exercised.
func torchTensor(kind string, data []float64, size ...int) *pytorch.Tensor {
	var src pytorch.StorageInterface
	switch kind {
	case "float":
		s := &pytorch.FloatStorage{Data: []float32{-1}}
		for _, v := range data {
			s.Data = append(s.Data, float32(v))
		}
		src = s
	case "half":
		s := &pytorch.HalfStorage{Data: []float32{-1}}
		for _, v := range data {
			s.Data = append(s.Data, float32(v))
		}
		src = s
	default:
		src = &pytorch.DoubleStorage{Data: append([]float64{-1}, data...)}
	}
	return &pytorch.Tensor{Source: src, StorageOffset: 1, Size: size, Stride: contiguousStride(size)}
}

func TestCopyTorchTensor(t *testing.T) {
	for _, kind := range []string{"float", "half", "double"} {
		t.Run(kind, func(t *testing.T) {
			dst := NewTensor(2, 2)
			require.NoError(t, copyTorchTensor(dst, torchTensor(kind, []float64{1, 2, 3, 4}, 2, 2)))
			assert.Equal(t, []float64{1, 2, 3, 4}, dst.Data())
		})
	}

	t.Run("row stride", func(t *testing.T) {
		src := &pytorch.Tensor{
			Source:        &pytorch.HalfStorage{Data: []float32{9, 1, 2, 3, 4}},
			StorageOffset: 1,
			Size:          []int{2, 2},
			Stride:        []int{2, 1},
		}
		dst := NewTensor(2, 2)
		require.NoError(t, copyTorchTensor(dst, src))
		assert.Equal(t, []float64{1, 2, 3, 4}, dst.Data())
	})

	t.Run("unit dims ignore stride", func(t *testing.T) {
		src := torchTensor("double", []float64{5, 6}, 1, 2)
		src.Stride = []int{7, 1}
		dst := NewTensor(1, 2)
		require.NoError(t, copyTorchTensor(dst, src))
		assert.Equal(t, []float64{5, 6}, dst.Data())
	})

	errs := []struct {
		name string
		src  *pytorch.Tensor
		want string
	}{
		{"shape", torchTensor("float", []float64{1, 2, 3, 4}, 4), "shape"},
		{"transposed", &pytorch.Tensor{
			Source: &pytorch.FloatStorage{Data: []float32{1, 2, 3, 4}},
			Size:   []int{2, 2},
			Stride: []int{1, 2},
		}, "non-contiguous"},
		{"short storage", &pytorch.Tensor{
			Source:        &pytorch.DoubleStorage{Data: []float64{1, 2, 3, 4}},
			StorageOffset: 2,
			Size:          []int{2, 2},
			Stride:        []int{2, 1},
		}, "storage holds 4"},
		{"storage kind", &pytorch.Tensor{
			Source: &pytorch.LongStorage{Data: []int64{1, 2, 3, 4}},
			Size:   []int{2, 2},
			Stride: []int{2, 1},
		}, "unsupported storage"},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			dst := NewTensor(2, 2)
			assert.ErrorContains(t, copyTorchTensor(dst, tt.src), tt.want)
		})
	}
}

// stateDict mirrors ref as a torchvision state_dict, leaving out skip.
func stateDict(ref *ResNet, skip string) *types.OrderedDict {
	dict := types.NewOrderedDict()
	kinds := []string{"float", "half", "double"}
	for i, p := range ref.named() {
		if p.Name == skip {
			continue
		}
		dict.Set(p.Name, torchTensor(kinds[i%len(kinds)], p.Tensor.Data(), p.Tensor.Shape()...))
	}
	dict.Set("fc.weight", torchTensor("float", make([]float64, 10*8), 10, 8))
	dict.Set("fc.bias", torchTensor("float", make([]float64, 10), 10))
	return dict
}

func TestLoadResNetDict(t *testing.T) {
	cfg := ResNetConfig{Layers: []int{1, 1}, Width: 4, InChannels: 3}
	ref := NewResNet(rand.NewSource(7), cfg)
	// Shift every value so BN parameters differ from their defaults, and
	// keep them exact in float32.
	for _, p := range ref.named() {
		for i, v := range p.Tensor.data {
			p.Tensor.data[i] = float64(float32(v + 0.01*float64(i+1)))
		}
	}

	net, err := loadResNetDict(stateDict(ref, ""), cfg)
	require.NoError(t, err)

	want, got := ref.named(), net.named()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Name, got[i].Name)
		if diff := cmp.Diff(want[i].Tensor.Data(), got[i].Tensor.Data()); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", want[i].Name, diff)
		}
	}

	images := NewTensorNormal(rand.NewSource(3), 0, 1, 1, 3, 16, 16)
	assert.Equal(t, ref.Features(images).Data(), net.Features(images).Data())
}

func TestLoadResNetDictErrors(t *testing.T) {
	cfg := ResNetConfig{Layers: []int{1, 1}, Width: 4, InChannels: 3}
	ref := NewResNet(rand.NewSource(7), cfg)

	tests := []struct {
		name string
		skip string
		edit func(d *types.OrderedDict)
		want string
	}{
		{"missing key", "layer2.0.downsample.0.weight", func(*types.OrderedDict) {}, "layer2.0.downsample.0.weight"},
		{"not a tensor", "", func(d *types.OrderedDict) {
			d.Set("bn1.weight", []float64{1, 2, 3, 4})
		}, "bn1.weight is []float64"},
		{"wrong shape", "", func(d *types.OrderedDict) {
			d.Set("conv1.weight", torchTensor("float", make([]float64, 4), 4))
		}, "conv1.weight: shape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dict := stateDict(ref, tt.skip)
			tt.edit(dict)
			_, err := loadResNetDict(dict, cfg)
			assert.ErrorIs(t, err, ErrMissingWeight)
			assert.ErrorContains(t, err, tt.want)
		})
	}

	t.Run("absent", func(t *testing.T) {
		dict := types.NewOrderedDict()
		dict.Set("conv1.weight", torchTensor("float", make([]float64, 4*3*7*7), 4, 3, 7, 7))
		_, err := loadResNetDict(dict, cfg)
		assert.ErrorIs(t, err, ErrMissingWeight)
		assert.ErrorContains(t, err, "bn1.weight")
	})
}
