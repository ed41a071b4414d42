package caption

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageNet statistics the torchvision backbones were trained with.
var (
	ImageNetMean = [3]float64{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float64{0.229, 0.224, 0.225}
)

// LoadImage decodes a JPEG, PNG or WebP file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	defer f.Close()

	img, err := DecodeImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeImage decodes a JPEG, PNG or WebP stream.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("image: decode: %w", err)
	}
	return img, nil
}

// ImageTensor resizes img to size×size, composites it over white, and
// returns a normalized (3, size, size) tensor.
func ImageTensor(img image.Image, size int) *Tensor {
	if size <= 0 {
		panic(fmt.Sprintf("image: size must be positive, got %d", size))
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	out := NewTensor(3, size, size)
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := dst.RGBAAt(x, y)
			i := y*size + x
			for ch, v := range [3]uint8{px.R, px.G, px.B} {
				out.data[ch*plane+i] = (float64(v)/255 - ImageNetMean[ch]) / ImageNetStd[ch]
			}
		}
	}
	return out
}

// ImageBatch preprocesses imgs into a (N, 3, size, size) batch.
func ImageBatch(imgs []image.Image, size int) *Tensor {
	if len(imgs) == 0 {
		panic("image: empty batch")
	}
	out := NewTensor(len(imgs), 3, size, size)
	stride := 3 * size * size
	parallelRange(globalComputeConfig, len(imgs), func(i int) {
		copy(out.data[i*stride:(i+1)*stride], ImageTensor(imgs[i], size).data)
	})
	return out
}

// LoadImageBatch decodes every path and preprocesses them into a
// (N, 3, size, size) batch. Files are decoded concurrently.
func LoadImageBatch(paths []string, size int) (*Tensor, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("image: no paths")
	}
	imgs := make([]image.Image, len(paths))
	err := parallelFor(globalComputeConfig, len(paths), func(i int) error {
		img, err := LoadImage(paths[i])
		if err != nil {
			return err
		}
		imgs[i] = img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ImageBatch(imgs, size), nil
}
