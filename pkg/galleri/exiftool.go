package galleri

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/barasher/go-exiftool"
	"k8s.io/klog/v2"
)

// preservedTags are copied onto rewritten originals.
var preservedTags = []string{
	"Make", "Model", "LensMake", "LensModel", "Lens",
	"FNumber", "ExposureTime", "ISO", "FocalLength",
	"DateTimeOriginal", "CreateDate", "OffsetTimeOriginal",
	"Artist", "Copyright", "ImageDescription", "Headline", "Keywords",
	"GPSLatitude", "GPSLatitudeRef", "GPSLongitude", "GPSLongitudeRef", "GPSAltitude",
}

// MetadataPreserver copies embedded metadata from one file onto another.
type MetadataPreserver interface {
	CopyTags(src string, dst string) error
}

// Exiftool wraps a long-running exiftool process. It is safe for concurrent use.
type Exiftool struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewExiftool starts exiftool. It fails when the binary is not installed.
func NewExiftool() (*Exiftool, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("exiftool: %w", err)
	}
	return &Exiftool{et: et}, nil
}

// Close stops the exiftool process.
func (e *Exiftool) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.et.Close()
}

func (e *Exiftool) extract(path string) (exiftool.FileMetadata, error) {
	e.mu.Lock()
	fis := e.et.ExtractMetadata(path)
	e.mu.Unlock()

	if len(fis) == 0 {
		return exiftool.FileMetadata{}, errors.New("no metadata returned")
	}
	fi := fis[0]
	if fi.Err != nil {
		return fi, fmt.Errorf("extract fail for %q: %w", path, fi.Err)
	}
	return fi, nil
}

// ReadTags implements TagReader by staging buf in a temp file.
func (e *Exiftool) ReadTags(buf []byte) (map[string]string, error) {
	f, err := os.CreateTemp("", "galleri-*.img")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("write temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp: %w", err)
	}

	fi, err := e.extract(f.Name())
	if err != nil {
		return nil, err
	}

	tags := map[string]string{}
	for k, v := range fi.Fields {
		tags[k] = fmt.Sprint(v)
	}
	return tags, nil
}

// CopyTags implements MetadataPreserver. The copy is marked upright, since
// rewritten originals have their rotation baked into the pixels.
func (e *Exiftool) CopyTags(src string, dst string) error {
	fi, err := e.extract(src)
	if err != nil {
		return err
	}

	out := exiftool.FileMetadata{File: dst, Fields: map[string]interface{}{}}
	for _, k := range preservedTags {
		if v, ok := fi.Fields[k]; ok {
			out.Fields[k] = v
		}
	}
	out.SetString("Orientation", "Horizontal (normal)")

	fms := []exiftool.FileMetadata{out}
	e.mu.Lock()
	e.et.WriteMetadata(fms)
	e.mu.Unlock()

	if err := os.Remove(dst + "_original"); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("unable to remove exiftool backup of %s: %v", dst, err)
	}

	if fms[0].Err != nil {
		return fmt.Errorf("write metadata for %s: %w", dst, fms[0].Err)
	}
	return nil
}
