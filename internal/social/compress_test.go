package social

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeImage(t *testing.T, encode func(*bytes.Buffer, image.Image), w, h int, noisy bool) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rng := rand.New(rand.NewSource(42))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if noisy {
				img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
			} else {
				img.Set(x, y, color.RGBA{200, 100, 50, 255})
			}
		}
	}
	var buf bytes.Buffer
	encode(&buf, img)
	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func TestCompressSmallImagePassesThrough(t *testing.T) {
	path := writeImage(t, func(buf *bytes.Buffer, img image.Image) {
		require.NoError(t, png.Encode(buf, img))
	}, 50, 50, false)

	original, err := os.ReadFile(path)
	require.NoError(t, err)

	data, contentType, err := compressImage(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
	assert.Equal(t, "image/png", contentType)
}

func TestCompressLargeImageFitsBudgetAndDimension(t *testing.T) {
	// Noisy PNG well over 1 MB that also exceeds the pixel bound.
	path := writeImage(t, func(buf *bytes.Buffer, img image.Image) {
		require.NoError(t, png.Encode(buf, img))
	}, 3000, 1500, true)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(maxBlobBytes))

	data, contentType, err := compressImage(path)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	assert.LessOrEqual(t, len(data), maxBlobBytes)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bounds := decoded.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), maxPixelDim)
	assert.LessOrEqual(t, bounds.Dy(), maxPixelDim)
}

func TestCompressMissingFile(t *testing.T) {
	_, _, err := compressImage(filepath.Join(t.TempDir(), "nope.jpg"))
	require.Error(t, err)
}
