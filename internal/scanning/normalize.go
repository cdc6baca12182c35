package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"

	"github.com/disintegration/imaging"
)

// Default normalizer settings
const (
	DefaultImageBudget  = 2 << 20 // 2MB
	DefaultMaxDimension = 2048
	DefaultStartQuality = 85
	DefaultQualityStep  = 10
	DefaultMaxAttempts  = 5
)

// normalizableTypes are the encodings the normalizer will re-encode
var normalizableTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/heic": true,
	"image/heif": true,
}

// Normalizer shrinks oversized images toward a byte budget before they are
// sent to the extractor
type Normalizer struct {
	Budget       int
	MaxDimension int
	StartQuality int
	QualityStep  int
	MaxAttempts  int
}

// NewNormalizer creates a Normalizer with the default settings
func NewNormalizer() *Normalizer {
	return &Normalizer{
		Budget:       DefaultImageBudget,
		MaxDimension: DefaultMaxDimension,
		StartQuality: DefaultStartQuality,
		QualityStep:  DefaultQualityStep,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Normalize returns the image re-encoded as JPEG when it is over budget.
// It never fails: unsupported formats and encoding errors return the input unchanged.
func (n *Normalizer) Normalize(data []byte, contentType string) ([]byte, string) {
	mimeType := normalizeMimeType(contentType)
	if len(data) <= n.Budget {
		return data, mimeType
	}
	if !normalizableTypes[mimeType] && !isHEICFormat(data) {
		slog.Debug("Skipping normalization for unsupported format", "content_type", mimeType, "size", len(data))
		return data, mimeType
	}

	img, err := decodeImage(data, mimeType)
	if err != nil {
		slog.Warn("Image normalization failed, sending original", "content_type", mimeType, "size", len(data), "error", err)
		return data, mimeType
	}

	// Fit only scales down, never up
	img = flatten(imaging.Fit(img, n.MaxDimension, n.MaxDimension, imaging.Lanczos))

	var best []byte
	quality := n.StartQuality
	for attempt := 0; attempt < n.MaxAttempts; attempt++ {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			slog.Warn("Image normalization failed, sending original", "content_type", mimeType, "quality", quality, "error", err)
			return data, mimeType
		}
		if best == nil || buf.Len() < len(best) {
			best = buf.Bytes()
		}
		if buf.Len() <= n.Budget {
			break
		}
		quality = max(quality-n.QualityStep, 1)
	}

	if best == nil || len(best) >= len(data) {
		return data, mimeType
	}

	slog.Debug("Normalized image", "original_size", len(data), "size", len(best), "quality", quality)
	return best, "image/jpeg"
}

// flatten draws the image on a white background so transparent PNGs survive JPEG encoding
func flatten(img image.Image) image.Image {
	bounds := img.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), color.White)
	return imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
}
