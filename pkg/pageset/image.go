package pageset

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Format is the encoding of rendered page files.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

// ParseFormat accepts png, jpeg or jpg. Empty input is png.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported page format %q", s)
	}
}

// Ext is the file extension used for the format, without the dot.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return "png"
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJPEG {
		return "image/jpeg"
	}
	return "image/png"
}

// fitWidth scales src down so its width is at most maxWidth, keeping the
// aspect ratio. Images already narrow enough are returned untouched.
func fitWidth(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxWidth <= 0 || w <= maxWidth {
		return src
	}
	nh := int(math.Round(float64(h) * float64(maxWidth) / float64(w)))
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Src, nil)
	return dst
}

func writeImage(path string, img image.Image, format Format, quality int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	switch format {
	case FormatJPEG:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", format, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
