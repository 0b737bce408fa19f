package social

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"os"

	"github.com/nfnt/resize"
)

const (
	// maxBlobBytes is Bluesky's blob upload ceiling.
	maxBlobBytes = 1_000_000
	// maxPixelDim bounds the longest side after downscaling.
	maxPixelDim = 2500
)

// compressImage loads the image at path and, when it exceeds the blob
// limit, downscales it so the longest side is at most 2500 px and
// re-encodes as JPEG, stepping quality down from 100 until the bytes fit
// (or quality reaches 0). Images already under the limit pass through
// untouched with their original content type.
func compressImage(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}

	if len(data) <= maxBlobBytes {
		return data, http.DetectContentType(data), nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	// Flatten to RGB; JPEG has no alpha channel.
	bounds := src.Bounds()
	rgb := image.NewRGBA(bounds)
	draw.Draw(rgb, bounds, src, bounds.Min, draw.Src)

	var scaled image.Image = rgb
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxPixelDim || h > maxPixelDim {
		if w >= h {
			scaled = resize.Resize(maxPixelDim, 0, rgb, resize.Lanczos3)
		} else {
			scaled = resize.Resize(0, maxPixelDim, rgb, resize.Lanczos3)
		}
	}

	var buf bytes.Buffer
	for quality := 100; quality >= 0; quality-- {
		buf.Reset()
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		if buf.Len() <= maxBlobBytes {
			return buf.Bytes(), "image/jpeg", nil
		}
	}
	// Quality bottomed out; ship the smallest rendering we produced.
	return buf.Bytes(), "image/jpeg", nil
}
