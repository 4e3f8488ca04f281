package galleri

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"

	// Image format decoders
	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedFormat is returned when a codec cannot encode to the requested format.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Meta is what a codec can tell about an image without decoding pixels.
type Meta struct {
	Width  int
	Height int
	// Orientation is the EXIF orientation (1-8), or 0 when absent.
	Orientation int
	Format      string
}

// Upright reports whether the stored pixels need no rotation.
func (m Meta) Upright() bool {
	return m.Orientation <= 1
}

// DisplaySize is the size once orientation is applied.
func (m Meta) DisplaySize() (int, int) {
	if m.Orientation >= 5 && m.Orientation <= 8 {
		return m.Height, m.Width
	}
	return m.Width, m.Height
}

// Codec decodes, transforms, and encodes in-memory images.
type Codec interface {
	Metadata(buf []byte) (Meta, error)
	Decode(buf []byte) (image.Image, error)
	AutoOrient(img image.Image, orientation int) image.Image
	// Fit scales img down to fit within maxW x maxH, preserving aspect ratio.
	// It never upscales; a zero bound is unconstrained.
	Fit(img image.Image, maxW, maxH int) image.Image
	Encode(img image.Image, format string, quality int) ([]byte, error)
}

// ImageCodec is the default Codec.
type ImageCodec struct{}

// Metadata reads dimensions and orientation.
func (ImageCodec) Metadata(buf []byte) (Meta, error) {
	ic, format, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return Meta{}, fmt.Errorf("decode config: %w", err)
	}

	return Meta{
		Width:       ic.Width,
		Height:      ic.Height,
		Orientation: orientation(buf),
		Format:      format,
	}, nil
}

func orientation(buf []byte) int {
	x, err := exif.Decode(bytes.NewReader(buf))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	o, err := tag.Int(0)
	if err != nil {
		return 0
	}
	return o
}

// Decode decodes buf as stored, without applying orientation.
func (ImageCodec) Decode(buf []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}

// AutoOrient applies the EXIF orientation transform so the result is upright.
func (ImageCodec) AutoOrient(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}

// Fit resizes with a Lanczos filter.
func (ImageCodec) Fit(img image.Image, maxW, maxH int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	x, y := fitDims(w, h, maxW, maxH)
	if x == w && y == h {
		return img
	}
	return transform.Resize(img, x, y, transform.Lanczos)
}

// Encode supports "jpeg" and "png".
func (ImageCodec) Encode(img image.Image, format string, quality int) ([]byte, error) {
	var enc imgio.Encoder
	switch format {
	case "jpeg":
		enc = imgio.JPEGEncoder(quality)
	case "png":
		enc = imgio.PNGEncoder()
	default:
		return nil, fmt.Errorf("encode %s: %w", format, ErrUnsupportedFormat)
	}

	var buf bytes.Buffer
	if err := enc(&buf, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// fitDims returns the largest dimensions within maxW x maxH with the aspect ratio of w x h.
func fitDims(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return w, h
	}

	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}

	x := max(1, int(math.Round(float64(w)*scale)))
	y := max(1, int(math.Round(float64(h)*scale)))
	return x, y
}

// formatForExt maps a file extension to a codec format name.
func formatForExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png":
		return "png"
	case ".webp":
		return "webp"
	}
	return ""
}
