// imageprocessor.go - Image preprocessing for better OCR accuracy

package processor

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
)

// PreprocessMode defines the level of image preprocessing
type PreprocessMode int

const (
	// FastMode: light enhancement, speed priority
	FastMode PreprocessMode = iota
	// BalancedMode: standard enhancement for general OCR
	BalancedMode
	// HighQualityMode: aggressive enhancement for small or faint text
	HighQualityMode
)

// ParsePreprocessMode reads "fast", "balanced" or "high" ("" means balanced).
func ParsePreprocessMode(s string) (PreprocessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "balanced":
		return BalancedMode, nil
	case "fast":
		return FastMode, nil
	case "high", "high-quality", "quality":
		return HighQualityMode, nil
	default:
		return BalancedMode, fmt.Errorf("unknown preprocess mode %q (supported: fast, balanced, high)", s)
	}
}

// defaultMaxDimension per mode, used when the caller passes maxDimension <= 0
func (m PreprocessMode) defaultMaxDimension() int {
	switch m {
	case FastMode:
		return 1500
	case HighQualityMode:
		return 2500
	default:
		return 2000
	}
}

// PreprocessImageBytes decodes an image, downsizes it to maxDimension on its
// longest side, applies contrast/sharpen/grayscale enhancement for the given
// mode and re-encodes it. PNG input stays PNG; everything else becomes JPEG.
// It returns the processed bytes and their MIME type.
func PreprocessImageBytes(data []byte, mimeType string, mode PreprocessMode, maxDimension int) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	if maxDimension <= 0 {
		maxDimension = mode.defaultMaxDimension()
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width > maxDimension || height > maxDimension {
		if width > height {
			img = imaging.Resize(img, maxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxDimension, imaging.Lanczos)
		}
	}

	switch mode {
	case FastMode:
		img = imaging.Sharpen(img, 1.5)
		img = imaging.AdjustContrast(img, 25)
		img = imaging.Grayscale(img)

	case BalancedMode:
		img = imaging.Sharpen(img, 2.5)
		img = imaging.AdjustContrast(img, 40)
		img = imaging.AdjustBrightness(img, 15)
		img = imaging.Grayscale(img)
		img = imaging.AdjustContrast(img, 30)
		img = imaging.AdjustGamma(img, 1.1)

	case HighQualityMode:
		img = imaging.Sharpen(img, 3.5)
		img = imaging.AdjustContrast(img, 50)
		img = imaging.AdjustBrightness(img, 20)
		img = imaging.Grayscale(img)
		img = imaging.AdjustContrast(img, 45)
		img = imaging.AdjustGamma(img, 1.2)
		// extra pass for small text
		img = imaging.Sharpen(img, 1.0)
	}

	var buf bytes.Buffer
	quality := 90
	if mode == HighQualityMode {
		quality = 98
	}

	outType := "image/jpeg"
	if mimeType == "image/png" {
		err = png.Encode(&buf, img)
		outType = "image/png"
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode processed image: %w", err)
	}

	return buf.Bytes(), outType, nil
}
