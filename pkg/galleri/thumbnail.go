package galleri

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/otiai10/copy"
	"k8s.io/klog/v2"
)

// Optimizer keeps originals upright and bounded, and thumbnails fresh.
type Optimizer struct {
	c        *Config
	codec    Codec
	preserve MetadataPreserver
}

// NewOptimizer returns an Optimizer. preserve may be nil.
func NewOptimizer(c *Config, codec Codec, preserve MetadataPreserver) *Optimizer {
	return &Optimizer{c: c, codec: codec, preserve: preserve}
}

// Normalize rotates and downscales the original at f.Path when needed, rewriting it in place.
// It returns the buffer to continue with and whether the original was rewritten.
// On error the returned buffer is buf, unmodified.
func (o *Optimizer) Normalize(f File, buf []byte) ([]byte, bool, error) {
	if !o.c.NormalizeSources {
		return buf, false, nil
	}

	m, err := o.codec.Metadata(buf)
	if err != nil {
		return buf, false, fmt.Errorf("metadata: %w", err)
	}

	needsRotation := !m.Upright()
	isTooLarge := m.Width > o.c.MaxDimension || m.Height > o.c.MaxDimension
	if !needsRotation && !isTooLarge {
		return buf, false, nil
	}
	klog.V(1).Infof("normalizing %s: %dx%d orientation=%d", f.RelPath, m.Width, m.Height, m.Orientation)

	img, err := o.codec.Decode(buf)
	if err != nil {
		return buf, false, err
	}
	img = o.codec.AutoOrient(img, m.Orientation)
	if isTooLarge {
		img = o.codec.Fit(img, o.c.MaxDimension, o.c.MaxDimension)
	}

	format := m.Format
	if format == "" {
		format = formatForExt(f.Path)
	}

	out, err := o.codec.Encode(img, format, o.c.SourceQuality)
	if err != nil {
		return buf, false, err
	}

	if o.c.PreserveMetadata && format == "jpeg" {
		if seg := jpegEXIF(buf); seg != nil {
			setUpright(seg)
			out = withSegment(out, seg)
		}
	}

	if err := o.backup(f); err != nil {
		return buf, false, fmt.Errorf("backup: %w", err)
	}

	if err := o.replace(f, out, format); err != nil {
		return buf, false, err
	}

	klog.Infof("normalized %s", f.RelPath)
	return out, true, nil
}

// backup copies the original under BackupDir, once.
func (o *Optimizer) backup(f File) error {
	if o.c.BackupDir == "" {
		return nil
	}

	dest := filepath.Join(o.c.BackupDir, filepath.FromSlash(f.RelPath))
	if _, err := os.Stat(dest); err == nil {
		klog.V(1).Infof("%s already backed up", f.RelPath)
		return nil
	}
	return copy.Copy(f.Path, dest)
}

// replace swaps the original for out via a temp file in the same directory.
func (o *Optimizer) replace(f File, out []byte, format string) error {
	tmp, err := writeTemp(filepath.Dir(f.Path), "."+filepath.Base(f.Path)+".temp.*", out)
	if err != nil {
		return err
	}

	if o.c.PreserveMetadata && o.preserve != nil && format != "jpeg" {
		if err := o.preserve.CopyTags(f.Path, tmp); err != nil {
			klog.Warningf("unable to preserve metadata for %s: %v", f.RelPath, err)
		}
	}

	if err := os.Rename(tmp, f.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ThumbnailPath is where the thumbnail for f lives on disk.
func (o *Optimizer) ThumbnailPath(f File) string {
	return filepath.Join(o.c.ThumbnailsDir, filepath.FromSlash(thumbRelPath(f)))
}

// ThumbnailURL is the site-relative URL of the thumbnail for f.
func (o *Optimizer) ThumbnailURL(f File) string {
	return path.Join(o.c.ThumbnailsURL, thumbRelPath(f))
}

func thumbRelPath(f File) string {
	if f.Thumb != "" {
		return f.Thumb
	}
	return defaultThumb(f.RelPath)
}

func defaultThumb(rel string) string {
	return path.Join(path.Dir(rel), baseName(rel)+".jpg")
}

// ResolveThumbnails gives every file its own thumbnail path. Files whose default
// thumbnail is already taken by an earlier file, such as a.png next to a.jpg,
// keep their extension in the name (a.png.jpg). Earlier files win, so results
// are stable for a sorted scan. The input is not modified.
func ResolveThumbnails(files []File) []File {
	out := slices.Clone(files)
	taken := map[string]bool{}
	for _, f := range out {
		taken[defaultThumb(f.RelPath)] = true
	}

	owner := map[string]bool{}
	for i, f := range out {
		want := defaultThumb(f.RelPath)
		if !owner[want] {
			owner[want] = true
			continue
		}

		alt := f.RelPath + ".jpg"
		for n := 2; taken[alt] || owner[alt]; n++ {
			alt = fmt.Sprintf("%s-%d.jpg", f.RelPath, n)
		}
		owner[alt] = true
		out[i].Thumb = alt
		klog.Warningf("%s shares a thumbnail name with another photo, using %s", f.RelPath, alt)
	}
	return out
}

// Stale reports whether dst is missing or older than src.
func Stale(src string, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}

	dstInfo, err := os.Stat(dst)
	if errors.Is(err, fs.ErrNotExist) {
		klog.V(1).Infof("updating %s: does not exist", dst)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}

	if srcInfo.ModTime().After(dstInfo.ModTime()) {
		klog.V(1).Infof("updating %s: source newer", dst)
		return true, nil
	}
	return false, nil
}

// Thumbnail regenerates the thumbnail for f from buf when it is stale.
// It reports whether a new thumbnail was written. On failure any previous thumbnail is left alone.
func (o *Optimizer) Thumbnail(f File, buf []byte) (bool, error) {
	dest := o.ThumbnailPath(f)

	stale, err := Stale(f.Path, dest)
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}

	m, err := o.codec.Metadata(buf)
	if err != nil {
		return false, fmt.Errorf("metadata: %w", err)
	}

	img, err := o.codec.Decode(buf)
	if err != nil {
		return false, err
	}
	img = o.codec.AutoOrient(img, m.Orientation)
	img = o.codec.Fit(img, o.c.ThumbnailWidth, 0)

	out, err := o.codec.Encode(img, "jpeg", o.c.ThumbnailQuality)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := writeTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".temp.*", out)
	if err != nil {
		return false, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("rename: %w", err)
	}

	klog.V(1).Infof("created thumb %s (%dx%d)", dest, img.Bounds().Dx(), img.Bounds().Dy())
	return true, nil
}

// writeTemp writes bs to a new file in dir and returns its path.
func writeTemp(dir string, pattern string, bs []byte) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}

	if _, err := f.Write(bs); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("chmod: %w", err)
	}
	return f.Name(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
