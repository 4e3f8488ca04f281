package galleri

import (
	"path"
	"strings"
	"time"
)

const (
	UnknownCamera = "Unknown Camera"
	UnknownLens   = "Unknown Lens"
)

// EXIF is the camera summary shown in the lightbox.
type EXIF struct {
	Camera   string `json:"camera"`
	Lens     string `json:"lens"`
	ISO      string `json:"iso"`
	Aperture string `json:"aperture"`
	Shutter  string `json:"shutter"`
}

// EmptyEXIF is used when no tags could be read.
var EmptyEXIF = EXIF{Camera: UnknownCamera, Lens: UnknownLens}

// Photo is one manifest entry.
type Photo struct {
	ID        int    `json:"id"`
	Src       string `json:"src"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Title     string `json:"title"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Category  string `json:"category"`
	EXIF      EXIF   `json:"exif"`
}

// BaseName is the key used to match entries across runs: the file name without extension.
func (p Photo) BaseName() string {
	return baseName(p.Src)
}

// File is an image found under the photo root.
type File struct {
	Path     string
	RelPath  string
	Category string
	ModTime  time.Time
	// Thumb overrides the thumbnail path, relative to the thumbnails root.
	// It is set by ResolveThumbnails when two photos would share a thumbnail.
	Thumb string
}

func baseName(p string) string {
	b := path.Base(strings.ReplaceAll(p, `\`, "/"))
	return strings.TrimSuffix(b, path.Ext(b))
}
