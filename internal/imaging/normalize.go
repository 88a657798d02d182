// Package imaging converts every supported upload format into the
// canonical encoding used for display, detection and storage.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"mime"
	"strings"

	"github.com/gen2brain/heic"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// Quality is the fixed JPEG quality of the canonical encoding.
const Quality = 85

// CanonicalMIME is the MIME type every normalized image carries.
const CanonicalMIME = "image/jpeg"

// Normalize decodes data according to its declared MIME type and re-encodes
// it as a baseline JPEG. The output is deterministic in visual content,
// not in bytes.
func Normalize(data []byte, declaredMIME string) ([]byte, error) {
	img, err := decode(data, declaredMIME)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(data []byte, declaredMIME string) (image.Image, error) {
	mt := canonicalType(declaredMIME)
	var (
		img image.Image
		err error
	)
	r := bytes.NewReader(data)
	switch mt {
	case "image/jpeg":
		img, err = jpeg.Decode(r)
	case "image/png":
		img, err = png.Decode(r)
	case "image/gif":
		img, err = gif.Decode(r)
	case "image/tiff":
		img, err = tiff.Decode(r)
	case "image/webp":
		img, err = webp.Decode(r)
	case "image/heic", "image/heif":
		img, err = heic.Decode(r)
	default:
		return nil, fmt.Errorf("no decoder for %q", declaredMIME)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", mt, err)
	}
	return img, nil
}

// canonicalType lower-cases the declared type and strips any parameters.
func canonicalType(declared string) string {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mt
}
