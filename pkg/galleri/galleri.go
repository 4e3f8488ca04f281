// Package galleri builds the photo manifest and thumbnails for a static gallery site.
package galleri

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Config holds configuration for a gallery build.
type Config struct {
	// PhotosDir is the root of the photo tree; top-level subdirectories are categories.
	PhotosDir string `json:"photos_dir"`
	// ThumbnailsDir mirrors PhotosDir with one JPEG thumbnail per photo.
	ThumbnailsDir string `json:"thumbnails_dir"`
	// ManifestPath is where the JSON manifest is written.
	ManifestPath string `json:"manifest_path"`

	// PhotosURL and ThumbnailsURL are the site-relative prefixes used in the manifest.
	PhotosURL     string `json:"photos_url"`
	ThumbnailsURL string `json:"thumbnails_url"`

	ThumbnailWidth   int `json:"thumbnail_width"`
	ThumbnailQuality int `json:"thumbnail_quality"`
	SourceQuality    int `json:"source_quality"`

	// MaxDimension is the size ceiling for normalized sources, in pixels.
	MaxDimension int `json:"max_dimension"`
	Concurrency  int `json:"concurrency"`

	// NormalizeSources rotates and downscales originals in place.
	NormalizeSources bool `json:"normalize_sources"`
	// BackupDir receives a copy of each original before it is first rewritten.
	BackupDir string `json:"backup_dir,omitempty"`
	// PreserveMetadata copies EXIF tags onto rewritten originals (requires exiftool).
	PreserveMetadata bool `json:"preserve_metadata"`

	// Incremental merges into the previous manifest instead of renumbering.
	Incremental bool `json:"incremental"`
	// Prune drops manifest entries whose file is gone. Only used with Incremental.
	Prune bool `json:"prune"`

	// EXIFReader is "goexif" or "exiftool".
	EXIFReader string `json:"exif_reader"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PhotosDir:        "public/photos",
		ThumbnailsDir:    "public/thumbnails",
		ManifestPath:     "src/photos.json",
		PhotosURL:        "/photos",
		ThumbnailsURL:    "/thumbnails",
		ThumbnailWidth:   600,
		ThumbnailQuality: 80,
		SourceQuality:    90,
		MaxDimension:     2500,
		Concurrency:      4,
		PreserveMetadata: true,
		Incremental:      true,
		EXIFReader:       ReaderGoexif,
	}
}

// LoadConfig overlays the JSON file at path onto DefaultConfig.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(bs, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.PhotosDir == "":
		return errors.New("photos dir is required")
	case c.ThumbnailsDir == "":
		return errors.New("thumbnails dir is required")
	case c.ManifestPath == "":
		return errors.New("manifest path is required")
	case c.ThumbnailWidth <= 0:
		return fmt.Errorf("thumbnail width must be positive, got %d", c.ThumbnailWidth)
	case c.MaxDimension <= 0:
		return fmt.Errorf("max dimension must be positive, got %d", c.MaxDimension)
	case c.Concurrency <= 0:
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	case c.ThumbnailQuality < 1 || c.ThumbnailQuality > 100:
		return fmt.Errorf("thumbnail quality must be within 1..100, got %d", c.ThumbnailQuality)
	case c.SourceQuality < 1 || c.SourceQuality > 100:
		return fmt.Errorf("source quality must be within 1..100, got %d", c.SourceQuality)
	}

	switch c.EXIFReader {
	case ReaderGoexif, ReaderExiftool:
	default:
		return fmt.Errorf("unknown exif reader %q", c.EXIFReader)
	}
	return nil
}
