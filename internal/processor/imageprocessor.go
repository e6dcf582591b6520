// imageprocessor.go - Image preprocessing for better extraction accuracy

package processor

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const jpegQuality = 90

// DetectMIME maps a filename extension to the MIME type sent to the
// extraction service. Unknown extensions are treated as JPEG.
func DetectMIME(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}

// PrepareImage resizes and enhances a scanned document before extraction.
// PDFs pass through untouched. maxDimension caps the longer side; 0 disables
// resizing. A document that cannot be decoded is returned as-is so a bad scan
// still reaches the extraction service.
func PrepareImage(data []byte, filename string, maxDimension int) ([]byte, string, error) {
	mimeType := DetectMIME(filename)
	if mimeType == "application/pdf" {
		return data, mimeType, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return data, mimeType, nil
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if maxDimension > 0 && (width > maxDimension || height > maxDimension) {
		if width > height {
			img = imaging.Resize(img, maxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxDimension, imaging.Lanczos)
		}
	}

	img = imaging.Sharpen(img, 2.5)
	img = imaging.AdjustContrast(img, 40)
	img = imaging.AdjustBrightness(img, 15)
	img = imaging.Grayscale(img)
	img = imaging.AdjustContrast(img, 30)
	img = imaging.AdjustGamma(img, 1.1)

	var buf bytes.Buffer
	switch mimeType {
	case "image/png":
		err = png.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
		mimeType = "image/jpeg"
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode processed image: %w", err)
	}
	return buf.Bytes(), mimeType, nil
}
