package agent

import (
	"bytes"
	"encoding/base64"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// maxImageBytes is the safety limit for sending image files to a vision
// model (10MB). Larger files are downscaled rather than dropped.
const maxImageBytes = 10 * 1024 * 1024

// downscaleMaxDim bounds the longest edge when an image is re-encoded.
const downscaleMaxDim = 2048

// loadImages reads local image files and returns base64-encoded
// ImageContent slices. Oversized images are downscaled and re-encoded as
// JPEG; non-image files and unreadable files are skipped with a warning.
func loadImages(paths []string) []providers.ImageContent {
	if len(paths) == 0 {
		return nil
	}

	var images []providers.ImageContent
	for _, p := range paths {
		mime := inferImageMime(p)
		if mime == "" {
			continue
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("vision: failed to read image file", "path", p, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			shrunk, err := downscaleImage(p)
			if err != nil {
				slog.Warn("vision: image too large and downscale failed, skipping",
					"path", p, "size", len(data), "error", err)
				continue
			}
			slog.Info("vision: downscaled oversized image",
				"path", p, "original_bytes", len(data), "new_bytes", len(shrunk))
			data = shrunk
			mime = "image/jpeg"
		}

		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}

// downscaleImage re-encodes an image bounded to downscaleMaxDim on its
// longest edge, as JPEG quality 85.
func downscaleImage(path string) ([]byte, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	resized := imaging.Fit(img, downscaleMaxDim, downscaleMaxDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inferImageMime returns the MIME type for supported image extensions, or "" if not an image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}
