package aidetect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Limits checked before any layer sees an image.
const (
	MinImageSide   = 8
	MaxImagePixels = 100_000_000 // refuses decompression bombs
)

// ImageInfo is what ValidateImage learned from the image header.
type ImageInfo struct {
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ValidateImage decodes only the image header and checks:
//   - a registered decoder (jpeg, png, gif, webp) recognises the bytes
//   - both sides are at least MinImageSide
//   - the pixel count stays under MaxImagePixels
//
// Failures wrap ErrInvalidImage.
func ValidateImage(data []byte) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	info := ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}

	if cfg.Width < MinImageSide || cfg.Height < MinImageSide {
		return info, fmt.Errorf("%w: %dx%d is smaller than %dpx", ErrInvalidImage, cfg.Width, cfg.Height, MinImageSide)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return info, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrInvalidImage, cfg.Width, cfg.Height, MaxImagePixels)
	}
	return info, nil
}
