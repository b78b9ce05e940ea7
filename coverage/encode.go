package coverage

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
)

// Format is an output image format.
type Format uint8

const (
	FormatPNG Format = iota
	FormatWebP
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		return FormatPNG, nil
	case ".webp":
		return FormatWebP, nil
	default:
		return 0, fmt.Errorf("coverage: unsupported image extension %q", ext)
	}
}

// Encode writes img to w in the given format. WebP output is lossless.
func Encode(w io.Writer, img image.Image, f Format) error {
	switch f {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatWebP:
		return nativewebp.Encode(w, img, nil)
	default:
		return fmt.Errorf("coverage: unsupported format %v", f)
	}
}

// Save writes img to path, choosing the format by extension.
func Save(path string, img image.Image) error {
	f, err := FormatFromPath(path)
	if err != nil {
		return err
	}
	file, err := os.Create(path) //nolint:gosec // path comes from the caller
	if err != nil {
		return fmt.Errorf("coverage: %w", err)
	}
	if err := Encode(file, img, f); err != nil {
		_ = file.Close()
		return fmt.Errorf("coverage: encode %s: %w", f, err)
	}
	return file.Close()
}
