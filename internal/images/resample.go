// Package images provides the shared image-download cache and the
// deterministic resampler used to keep request payloads under budget.
package images

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// Base64Len returns the base64-encoded length of n raw bytes.
func Base64Len(n int) int {
	return (n + 2) / 3 * 4
}

// jpegQualityLadder is tried in order before any downscaling. The
// ladder and the scaler are pinned: resampled bytes must be a pure
// function of the input bytes or the prompt-cache prefix churns.
var jpegQualityLadder = []int{85, 70, 55, 40}

// downscaleFactor shrinks dimensions between encode attempts once the
// quality ladder alone cannot meet the budget.
const downscaleFactor = 0.75

// minDimension stops the downscale loop from degenerating.
const minDimension = 64

// ResampleToFit returns image bytes whose base64 encoding fits
// maxBase64. Images already under budget pass through untouched.
// Oversized images are re-encoded as JPEG down the quality ladder,
// then progressively downscaled. The returned mime type reflects the
// encoding of the returned bytes.
func ResampleToFit(data []byte, mimeType string, maxBase64 int) ([]byte, string, error) {
	if Base64Len(len(data)) <= maxBase64 {
		return data, mimeType, nil
	}

	src, err := decode(data, mimeType)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s image: %w", mimeType, err)
	}

	for _, quality := range jpegQualityLadder {
		encoded, err := encodeJPEG(src, quality)
		if err != nil {
			return nil, "", err
		}
		if Base64Len(len(encoded)) <= maxBase64 {
			return encoded, "image/jpeg", nil
		}
	}

	quality := jpegQualityLadder[len(jpegQualityLadder)-1]
	current := src
	for {
		bounds := current.Bounds()
		w := roundDim(float64(bounds.Dx()) * downscaleFactor)
		h := roundDim(float64(bounds.Dy()) * downscaleFactor)
		if w < minDimension || h < minDimension {
			return nil, "", fmt.Errorf("image cannot be resampled under %d base64 bytes", maxBase64)
		}
		scaled := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), current, bounds, draw.Over, nil)
		current = scaled

		encoded, err := encodeJPEG(current, quality)
		if err != nil {
			return nil, "", err
		}
		if Base64Len(len(encoded)) <= maxBase64 {
			return encoded, "image/jpeg", nil
		}
	}
}

// roundDim rounds down to an even dimension so repeated runs agree
// regardless of float formatting.
func roundDim(f float64) int {
	n := int(f)
	if n%2 == 1 {
		n--
	}
	return n
}

func decode(data []byte, mimeType string) (image.Image, error) {
	switch mimeType {
	case "image/jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		return png.Decode(bytes.NewReader(data))
	case "image/gif":
		return gif.Decode(bytes.NewReader(data))
	case "image/webp":
		return webp.Decode(bytes.NewReader(data))
	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		return img, err
	}
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
