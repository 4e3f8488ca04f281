package galleri

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"k8s.io/klog/v2"
)

const (
	ReaderGoexif   = "goexif"
	ReaderExiftool = "exiftool"
)

// Tag aliases, tried in order. Vendors disagree on where the lens lives.
var (
	cameraTags   = []string{"Model", "UniqueCameraModel"}
	lensTags     = []string{"LensModel", "Lens", "LensID"}
	isoTags      = []string{"ISOSpeedRatings", "ISO", "PhotographicSensitivity"}
	apertureTags = []string{"FNumber", "Aperture"}
	shutterTags  = []string{"ExposureTime", "ShutterSpeed"}
)

// TagReader loads tag name -> display value pairs from a raw file buffer.
type TagReader interface {
	ReadTags(buf []byte) (map[string]string, error)
}

// GoexifReader reads JPEG and TIFF EXIF segments in-process.
type GoexifReader struct{}

// ErrNoEXIF is returned by GoexifReader when buf carries no EXIF segment at all,
// as opposed to one that fails to parse.
var ErrNoEXIF = errors.New("no exif")

// ReadTags implements TagReader. Rationals are rendered as decimals.
func (GoexifReader) ReadTags(buf []byte) (map[string]string, error) {
	if !hasEXIF(buf) {
		return nil, ErrNoEXIF
	}

	x, err := exif.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("exif decode: %w", err)
	}

	w := tagWalker{tags: map[string]string{}}
	if err := x.Walk(w); err != nil {
		return nil, fmt.Errorf("exif walk: %w", err)
	}
	return w.tags, nil
}

// hasEXIF reports whether buf is a TIFF, or a JPEG with an EXIF APP1 segment.
// goexif reads nothing else.
func hasEXIF(buf []byte) bool {
	switch {
	case bytes.HasPrefix(buf, []byte("II*\x00")), bytes.HasPrefix(buf, []byte("MM\x00*")):
		return true
	case len(buf) >= 2 && buf[0] == 0xFF && buf[1] == markerSOI:
		return jpegEXIF(buf) != nil
	}
	return false
}

type tagWalker struct {
	tags map[string]string
}

func (w tagWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if v, ok := tagValue(tag); ok {
		w.tags[string(name)] = v
	}
	return nil
}

func tagValue(tag *tiff.Tag) (string, bool) {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(strings.TrimRight(s, "\x00")), true
	case tiff.IntVal:
		i, err := tag.Int64(0)
		if err != nil {
			return "", false
		}
		return strconv.FormatInt(i, 10), true
	case tiff.RatVal:
		num, den, err := tag.Rat2(0)
		if err != nil || den == 0 {
			return "", false
		}
		return strconv.FormatFloat(float64(num)/float64(den), 'f', -1, 64), true
	case tiff.FloatVal:
		f, err := tag.Float(0)
		if err != nil {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// Extract builds the EXIF summary for buf. On a reader failure it returns EmptyEXIF and the error.
func Extract(r TagReader, buf []byte) (EXIF, error) {
	tags, err := r.ReadTags(buf)
	if err != nil {
		return EmptyEXIF, err
	}

	for k, v := range tags {
		klog.V(2).Infof("%q=%v", k, v)
	}

	return summarize(tags), nil
}

func summarize(tags map[string]string) EXIF {
	e := EXIF{
		Camera:   firstTag(tags, cameraTags),
		Lens:     firstTag(tags, lensTags),
		ISO:      firstTag(tags, isoTags),
		Aperture: FormatAperture(firstTag(tags, apertureTags)),
		Shutter:  FormatShutter(firstTag(tags, shutterTags)),
	}
	if e.Camera == "" {
		e.Camera = UnknownCamera
	}
	if e.Lens == "" {
		e.Lens = UnknownLens
	}
	return e
}

func firstTag(tags map[string]string, names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(tags[n]); v != "" {
			return v
		}
	}
	return ""
}

// FormatShutter renders an exposure time as a display string: 0.008 -> "1/125".
func FormatShutter(v string) string {
	if v == "" || strings.Contains(v, "/") {
		return v
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f >= 1 || f <= 0 {
		return v
	}
	return fmt.Sprintf("1/%d", int64(math.Round(1/f)))
}

// FormatAperture renders an f-number as a display string: 2.8 -> "f/2.8".
func FormatAperture(v string) string {
	if v == "" || strings.HasPrefix(v, "f") || strings.HasPrefix(v, "F") {
		return v
	}
	return "f/" + v
}
