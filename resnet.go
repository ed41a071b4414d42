package caption

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/nlpodyssey/gopickle/pytorch"
	"golang.org/x/exp/rand"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A ResNet feature extractor with torchvision's topology and parameter
// names, minus the classification head:
//
//   conv1 7x7/2 → bn1 → ReLU → maxpool 3x3/2
//   layer1 … layerN   (BasicBlock for depth 18/34, Bottleneck for 50/101/152)
//   global average pool  → (featureDim,)
//
// Stage s has Width·2^s planes and, except for the first stage, starts with a
// stride-2 block. Bottleneck blocks put the stride on the 3x3 conv (the
// torchvision "v1.5" variant) and expand to 4x planes.
//
// Only inference is supported. The backbone is frozen: no gradients, no
// batch statistics, so each image is independent and the batch fans out
// across CPU cores (see compute.go).
//
// PAPER: "Deep Residual Learning for Image Recognition", He et al. (2015)
// https://arxiv.org/abs/1512.03385
//
// ===========================================================================

// ErrMissingWeight indicates a checkpoint that lacks a required tensor or
// holds one of the wrong shape.
var ErrMissingWeight = errors.New("resnet: missing or mismatched weight")

// ResNetConfig describes the backbone topology.
type ResNetConfig struct {
	Bottleneck bool  // Bottleneck blocks (expansion 4) instead of BasicBlock
	Layers     []int // Blocks per stage
	Width      int   // Stem channels and first-stage planes (64 in torchvision)
	InChannels int   // Image channels
}

// ResNetConfigForDepth returns the torchvision configuration for depth
// 18, 34, 50, 101 or 152.
func ResNetConfigForDepth(depth int) (ResNetConfig, error) {
	cfg := ResNetConfig{Width: 64, InChannels: 3}
	switch depth {
	case 18:
		cfg.Layers = []int{2, 2, 2, 2}
	case 34:
		cfg.Layers = []int{3, 4, 6, 3}
	case 50:
		cfg.Bottleneck, cfg.Layers = true, []int{3, 4, 6, 3}
	case 101:
		cfg.Bottleneck, cfg.Layers = true, []int{3, 4, 23, 3}
	case 152:
		cfg.Bottleneck, cfg.Layers = true, []int{3, 8, 36, 3}
	default:
		return ResNetConfig{}, fmt.Errorf("resnet: unsupported depth %d", depth)
	}
	return cfg, nil
}

func (c ResNetConfig) expansion() int {
	if c.Bottleneck {
		return 4
	}
	return 1
}

// FeatureDim is the width of the pooled feature vector.
func (c ResNetConfig) FeatureDim() int {
	return c.Width << (len(c.Layers) - 1) * c.expansion()
}

type convBN struct {
	conv *Conv2d
	bn   *BatchNorm2d
}

func newConvBN(src rand.Source, in, out, kernel, stride, padding int) *convBN {
	// Kaiming normal, fan_out, as torchvision initializes convolutions.
	std := math.Sqrt(2 / float64(out*kernel*kernel))
	return &convBN{
		conv: &Conv2d{
			Weight:  NewTensorNormal(src, 0, std, out, in, kernel, kernel),
			Stride:  stride,
			Padding: padding,
		},
		bn: NewBatchNorm2d(out),
	}
}

func (cb *convBN) forward(x *Tensor) *Tensor {
	out := cb.conv.Forward(x)
	cb.bn.forwardInPlace(out)
	return out
}

type residualBlock struct {
	convs      []*convBN
	downsample *convBN
}

func (b *residualBlock) forward(x *Tensor) *Tensor {
	out := x
	for i, cb := range b.convs {
		out = cb.forward(out)
		if i < len(b.convs)-1 {
			reluInPlace(out)
		}
	}
	identity := x
	if b.downsample != nil {
		identity = b.downsample.forward(x)
	}
	for i, v := range identity.data {
		out.data[i] += v
	}
	reluInPlace(out)
	return out
}

// ResNet is a frozen convolutional feature extractor.
type ResNet struct {
	config ResNetConfig
	stem   *convBN
	stages [][]*residualBlock
}

// NewResNet builds a randomly initialized backbone.
func NewResNet(src rand.Source, cfg ResNetConfig) *ResNet {
	if len(cfg.Layers) == 0 || cfg.Width <= 0 {
		panic(fmt.Sprintf("resnet: invalid config %+v", cfg))
	}
	if cfg.InChannels == 0 {
		cfg.InChannels = 3
	}

	r := &ResNet{
		config: cfg,
		stem:   newConvBN(src, cfg.InChannels, cfg.Width, 7, 2, 3),
	}
	inplanes := cfg.Width
	exp := cfg.expansion()
	for s, blocks := range cfg.Layers {
		planes := cfg.Width << s
		stride := 1
		if s > 0 {
			stride = 2
		}
		stage := make([]*residualBlock, blocks)
		for i := range stage {
			blk := &residualBlock{}
			if cfg.Bottleneck {
				blk.convs = []*convBN{
					newConvBN(src, inplanes, planes, 1, 1, 0),
					newConvBN(src, planes, planes, 3, stride, 1),
					newConvBN(src, planes, planes*exp, 1, 1, 0),
				}
			} else {
				blk.convs = []*convBN{
					newConvBN(src, inplanes, planes, 3, stride, 1),
					newConvBN(src, planes, planes, 3, 1, 1),
				}
			}
			if stride != 1 || inplanes != planes*exp {
				blk.downsample = newConvBN(src, inplanes, planes*exp, 1, stride, 0)
			}
			stage[i] = blk
			inplanes = planes * exp
			stride = 1
		}
		r.stages = append(r.stages, stage)
	}
	return r
}

// FeatureDim returns the width of each feature vector.
func (r *ResNet) FeatureDim() int { return r.config.FeatureDim() }

// Features maps images (N, C, H, W) to pooled features (N, FeatureDim).
func (r *ResNet) Features(images *Tensor) *Tensor {
	if len(images.shape) != 4 || images.shape[1] != r.config.InChannels {
		panic(fmt.Sprintf("resnet: expected (N, %d, H, W) images, got %v", r.config.InChannels, images.shape))
	}
	n, c, h, w := images.shape[0], images.shape[1], images.shape[2], images.shape[3]
	out := NewTensor(n, r.FeatureDim())

	parallelRange(globalComputeConfig, n, func(i int) {
		x := NewTensorFrom(images.data[i*c*h*w:(i+1)*c*h*w], c, h, w)
		copy(out.Row(i), r.forwardOne(x))
	})
	return out
}

func (r *ResNet) forwardOne(x *Tensor) []float64 {
	x = r.stem.forward(x)
	reluInPlace(x)
	x = maxPool2d(x, 3, 2, 1)
	for _, stage := range r.stages {
		for _, blk := range stage {
			x = blk.forward(x)
		}
	}
	return globalAvgPool(x)
}

// named lists every tensor under its torchvision state_dict key.
func (r *ResNet) named() []NamedParam {
	params := []NamedParam{{Name: "conv1.weight", Tensor: r.stem.conv.Weight}}
	params = append(params, r.stem.bn.params("bn1.")...)
	for s, stage := range r.stages {
		for i, blk := range stage {
			prefix := fmt.Sprintf("layer%d.%d.", s+1, i)
			for k, cb := range blk.convs {
				params = append(params, NamedParam{Name: fmt.Sprintf("%sconv%d.weight", prefix, k+1), Tensor: cb.conv.Weight})
				params = append(params, cb.bn.params(fmt.Sprintf("%sbn%d.", prefix, k+1))...)
			}
			if blk.downsample != nil {
				params = append(params, NamedParam{Name: prefix + "downsample.0.weight", Tensor: blk.downsample.conv.Weight})
				params = append(params, blk.downsample.bn.params(prefix+"downsample.1.")...)
			}
		}
	}
	return params
}

// pickleMap is the lookup side of gopickle's Dict and OrderedDict.
type pickleMap interface {
	Get(key interface{}) (interface{}, bool)
}

// LoadResNet reads torchvision weights (a pickled state_dict) into a
// backbone of the given shape. fc.* entries are ignored.
func LoadResNet(path string, cfg ResNetConfig) (*ResNet, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("resnet: load %s: %w", path, err)
	}
	dict, ok := obj.(pickleMap)
	if !ok {
		return nil, fmt.Errorf("resnet: %s: expected a state_dict, got %T", path, obj)
	}

	r, err := loadResNetDict(dict, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded backbone", "path", path, "stages", len(cfg.Layers), "features", r.FeatureDim())
	return r, nil
}

// loadResNetDict fills a new backbone from state_dict entries. Keys the
// backbone does not name are ignored.
func loadResNetDict(dict pickleMap, cfg ResNetConfig) (*ResNet, error) {
	r := NewResNet(rand.NewSource(0), cfg)
	for _, p := range r.named() {
		v, ok := dict.Get(p.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingWeight, p.Name)
		}
		pt, ok := v.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T", ErrMissingWeight, p.Name, v)
		}
		if err := copyTorchTensor(p.Tensor, pt); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingWeight, p.Name, err)
		}
	}
	return r, nil
}

func copyTorchTensor(dst *Tensor, src *pytorch.Tensor) error {
	if !shapeEqual(dst.shape, src.Size) {
		return fmt.Errorf("shape %v, want %v", src.Size, dst.shape)
	}
	stride := 1
	for i := len(src.Size) - 1; i >= 0; i-- {
		if src.Size[i] > 1 && src.Stride[i] != stride {
			return fmt.Errorf("non-contiguous tensor (stride %v)", src.Stride)
		}
		stride *= src.Size[i]
	}

	switch s := src.Source.(type) {
	case *pytorch.FloatStorage:
		return copyStorage(dst.data, s.Data, src.StorageOffset)
	case *pytorch.HalfStorage:
		return copyStorage(dst.data, s.Data, src.StorageOffset)
	case *pytorch.DoubleStorage:
		return copyStorage(dst.data, s.Data, src.StorageOffset)
	default:
		return fmt.Errorf("unsupported storage %T", src.Source)
	}
}

func copyStorage[T float32 | float64](dst []float64, data []T, off int) error {
	if off < 0 || off+len(dst) > len(data) {
		return fmt.Errorf("storage holds %d values, need %d at offset %d", len(data), len(dst), off)
	}
	for i, v := range data[off : off+len(dst)] {
		dst[i] = float64(v)
	}
	return nil
}
