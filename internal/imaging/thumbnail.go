// Package imaging produces preview images for the annotate index.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/nfnt/resize"
)

// DefaultThumbnailWidth is the width previews are scaled to.
const DefaultThumbnailWidth = 320

// Size decodes the dimensions of a PNG without decoding its pixels.
func Size(data []byte) (width, height int, err error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode png config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// Thumbnail scales a PNG down to maxWidth, keeping the aspect ratio. Images
// already narrower than maxWidth are returned re-encoded at their size.
func Thumbnail(data []byte, maxWidth uint) ([]byte, error) {
	if maxWidth == 0 {
		maxWidth = DefaultThumbnailWidth
	}
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}

	var out image.Image = src
	bounds := src.Bounds()
	if uint(bounds.Dx()) > maxWidth {
		aspectRatio := float64(bounds.Dy()) / float64(bounds.Dx())
		height := uint(float64(maxWidth) * aspectRatio)
		if height == 0 {
			height = 1
		}
		out = resize.Resize(maxWidth, height, src, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
