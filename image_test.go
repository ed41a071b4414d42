package caption

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestImageTensorNormalizes(t *testing.T) {
	img := solidImage(10, 6, color.RGBA{R: 255, G: 0, B: 128, A: 255})
	x := ImageTensor(img, 4)
	require.Equal(t, []int{3, 4, 4}, x.Shape())

	want := [3]float64{
		(1 - ImageNetMean[0]) / ImageNetStd[0],
		(0 - ImageNetMean[1]) / ImageNetStd[1],
		(128.0/255 - ImageNetMean[2]) / ImageNetStd[2],
	}
	for ch := 0; ch < 3; ch++ {
		for i := 0; i < 16; i++ {
			assert.InDelta(t, want[ch], x.Data()[ch*16+i], 0.02, "channel %d", ch)
		}
	}
}

func TestImageTensorTransparentIsWhite(t *testing.T) {
	x := ImageTensor(image.NewRGBA(image.Rect(0, 0, 3, 3)), 2)
	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, (1-ImageNetMean[ch])/ImageNetStd[ch], x.At(ch, 1, 1), 0.02)
	}
}

func TestImageBatch(t *testing.T) {
	imgs := []image.Image{
		solidImage(5, 5, color.Black),
		solidImage(8, 3, color.White),
	}
	batch := ImageBatch(imgs, 4)
	require.Equal(t, []int{2, 3, 4, 4}, batch.Shape())

	second := ImageTensor(imgs[1], 4)
	assert.Equal(t, second.Data(), batch.Data()[3*16:])

	assert.Panics(t, func() { ImageBatch(nil, 4) })
}

func TestLoadImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(3, 2, color.White)))

	path := filepath.Join(t.TempDir(), "white.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	img, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())

	_, err = DecodeImage(strings.NewReader("not an image"))
	assert.ErrorIs(t, err, image.ErrFormat)

	_, err = LoadImage(filepath.Join(t.TempDir(), "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadImageBatch(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, c := range []color.Color{color.Black, color.White} {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, solidImage(4+i, 4, c)))
		path := filepath.Join(dir, fmt.Sprintf("%d.png", i))
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		paths = append(paths, path)
	}

	batch, err := LoadImageBatch(paths, 4)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3, 4, 4}, batch.Shape())
	assert.InDelta(t, (0-ImageNetMean[0])/ImageNetStd[0], batch.At(0, 0, 1, 1), 0.02)
	assert.InDelta(t, (1-ImageNetMean[0])/ImageNetStd[0], batch.At(1, 0, 1, 1), 0.02)

	_, err = LoadImageBatch(append(paths, filepath.Join(dir, "missing.png")), 4)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadImageBatch(nil, 4)
	assert.Error(t, err)
}
