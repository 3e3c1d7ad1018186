package telegram

import (
	"bytes"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// sanitizeImageMaxDim bounds the longest edge before an image is handed
// to a vision model.
const sanitizeImageMaxDim = 2048

// sanitizeImage re-encodes a downloaded photo as a bounded JPEG: strips
// metadata, normalizes orientation, and caps dimensions so an oversized
// or malformed upload can't blow the vision request. Returns the path of
// the sanitized copy.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	if bounds.Dx() > sanitizeImageMaxDim || bounds.Dy() > sanitizeImageMaxDim {
		img = imaging.Fit(img, sanitizeImageMaxDim, sanitizeImageMaxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(filepath.Dir(path), base+"-clean.jpg")
	if err := os.WriteFile(out, buf.Bytes(), 0600); err != nil {
		return "", err
	}
	return out, nil
}
