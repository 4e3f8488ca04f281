package galleri

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, testImage(w, h), &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, bs []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bs, 0o644))
}

const (
	tiffASCII    = 2
	tiffShort    = 3
	tiffLong     = 4
	tiffRational = 5
)

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func asciiEntry(tag uint16, s string) ifdEntry {
	return ifdEntry{tag: tag, typ: tiffASCII, count: uint32(len(s) + 1), data: append([]byte(s), 0)}
}

func shortEntry(tag uint16, v uint16) ifdEntry {
	return ifdEntry{tag: tag, typ: tiffShort, count: 1, data: binary.LittleEndian.AppendUint16(nil, v)}
}

func longEntry(tag uint16, v uint32) ifdEntry {
	return ifdEntry{tag: tag, typ: tiffLong, count: 1, data: binary.LittleEndian.AppendUint32(nil, v)}
}

func ratEntry(tag uint16, num, den uint32) ifdEntry {
	d := binary.LittleEndian.AppendUint32(nil, num)
	return ifdEntry{tag: tag, typ: tiffRational, count: 1, data: binary.LittleEndian.AppendUint32(d, den)}
}

// encodeIFD lays out a little-endian IFD at offset base, with out-of-line values after it.
func encodeIFD(base int, entries []ifdEntry) []byte {
	le := binary.LittleEndian
	head := 2 + 12*len(entries) + 4

	dir := le.AppendUint16(nil, uint16(len(entries)))
	var data []byte
	for _, e := range entries {
		dir = le.AppendUint16(dir, e.tag)
		dir = le.AppendUint16(dir, e.typ)
		dir = le.AppendUint32(dir, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			dir = append(dir, v...)
			continue
		}
		dir = le.AppendUint32(dir, uint32(base+head+len(data)))
		data = append(data, e.data...)
		if len(data)%2 == 1 {
			data = append(data, 0)
		}
	}
	dir = le.AppendUint32(dir, 0)
	return append(dir, data...)
}

type testTags struct {
	model       string
	lens        string
	orientation uint16
}

// exifSegment builds a JPEG APP1 segment with IFD0 and an Exif sub-IFD.
func exifSegment(tt testTags) []byte {
	sub := []ifdEntry{
		ratEntry(0x829A, 1, 125), // ExposureTime
		ratEntry(0x829D, 28, 10), // FNumber
		shortEntry(0x8827, 200),  // ISOSpeedRatings
		asciiEntry(0xA434, tt.lens),
	}

	ifd0 := func(exifOffset uint32) []ifdEntry {
		return []ifdEntry{
			asciiEntry(0x0110, tt.model),
			shortEntry(0x0112, tt.orientation),
			longEntry(0x8769, exifOffset),
		}
	}

	first := encodeIFD(8, ifd0(0))
	exifOffset := 8 + len(first)
	first = encodeIFD(8, ifd0(uint32(exifOffset)))

	tiff := []byte("II")
	tiff = binary.LittleEndian.AppendUint16(tiff, 42)
	tiff = binary.LittleEndian.AppendUint32(tiff, 8)
	tiff = append(tiff, first...)
	tiff = append(tiff, encodeIFD(exifOffset, sub)...)

	payload := append([]byte("Exif\x00\x00"), tiff...)
	seg := []byte{0xFF, markerAPP1}
	seg = binary.BigEndian.AppendUint16(seg, uint16(len(payload)+2))
	return append(seg, payload...)
}

// jpegWithEXIF returns a w x h JPEG carrying the given tags.
func jpegWithEXIF(t *testing.T, w, h int, tt testTags) []byte {
	t.Helper()
	return withSegment(jpegBytes(t, w, h), exifSegment(tt))
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConfig()
	c.PhotosDir = filepath.Join(dir, "photos")
	c.ThumbnailsDir = filepath.Join(dir, "thumbnails")
	c.ManifestPath = filepath.Join(dir, "src", "photos.json")
	return c
}
