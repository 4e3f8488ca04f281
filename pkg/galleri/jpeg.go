package galleri

import (
	"bytes"
	"encoding/binary"
)

const (
	markerSOI  = 0xD8
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerAPP1 = 0xE1

	tagOrientation = 0x0112
	typeShort      = 3
)

var exifHeader = []byte("Exif\x00\x00")

// jpegEXIF returns a copy of the EXIF APP1 segment of a JPEG, marker included, or nil.
func jpegEXIF(buf []byte) []byte {
	if len(buf) < 4 || buf[0] != 0xFF || buf[1] != markerSOI {
		return nil
	}

	i := 2
	for i+4 <= len(buf) {
		if buf[i] != 0xFF {
			return nil
		}
		marker := buf[i+1]
		switch {
		case marker == 0xFF:
			i++
			continue
		case marker == markerEOI || marker == markerSOS:
			return nil
		case marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			i += 2
			continue
		}

		n := int(binary.BigEndian.Uint16(buf[i+2:]))
		end := i + 2 + n
		if n < 2 || end > len(buf) {
			return nil
		}
		if marker == markerAPP1 && bytes.HasPrefix(buf[i+4:end], exifHeader) {
			return bytes.Clone(buf[i:end])
		}
		i = end
	}
	return nil
}

// setUpright rewrites the IFD0 orientation of an APP1 segment to 1, in place.
func setUpright(seg []byte) {
	start := 4 + len(exifHeader)
	if len(seg) < start+8 {
		return
	}
	t := seg[start:]

	var order binary.ByteOrder
	switch string(t[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return
	}
	if order.Uint16(t[2:]) != 42 {
		return
	}

	ifd := int(order.Uint32(t[4:]))
	if ifd+2 > len(t) {
		return
	}
	count := int(order.Uint16(t[ifd:]))
	for k := 0; k < count; k++ {
		e := ifd + 2 + 12*k
		if e+12 > len(t) {
			return
		}
		if order.Uint16(t[e:]) == tagOrientation && order.Uint16(t[e+2:]) == typeShort {
			order.PutUint16(t[e+8:], 1)
			return
		}
	}
}

// withSegment inserts seg directly after the SOI marker of a JPEG.
func withSegment(jpg []byte, seg []byte) []byte {
	if len(seg) == 0 || len(jpg) < 2 || jpg[0] != 0xFF || jpg[1] != markerSOI {
		return jpg
	}
	out := make([]byte, 0, len(jpg)+len(seg))
	out = append(out, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}
