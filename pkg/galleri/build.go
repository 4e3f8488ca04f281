package galleri

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"k8s.io/klog/v2"
)

// Pipeline turns a photo tree into a manifest.
type Pipeline struct {
	c        *Config
	codec    Codec
	reader   TagReader
	opt      *Optimizer
	metrics  *Metrics
	progress func(done, total int)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithCodec replaces the default ImageCodec.
func WithCodec(codec Codec) Option {
	return func(p *Pipeline) { p.codec = codec }
}

// WithTagReader replaces the default GoexifReader.
func WithTagReader(r TagReader) Option {
	return func(p *Pipeline) { p.reader = r }
}

// WithPreserver sets the metadata preserver used for rewritten non-JPEG originals.
func WithPreserver(mp MetadataPreserver) Option {
	return func(p *Pipeline) { p.opt.preserve = mp }
}

// WithMetrics records into m instead of a private Metrics.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithProgress replaces the default progress logger. fn is called from the
// worker goroutines, so it must be safe for concurrent use and must not block.
func WithProgress(fn func(done, total int)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New returns a Pipeline for c.
func New(c *Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		c:        c,
		codec:    ImageCodec{},
		reader:   GoexifReader{},
		metrics:  NewMetrics(),
		progress: logProgress,
	}
	p.opt = NewOptimizer(c, p.codec, nil)

	for _, o := range opts {
		o(p)
	}
	p.opt.codec = p.codec
	return p
}

// Metrics returns the metrics the pipeline records into.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Result summarizes a build.
type Result struct {
	Photos   []Photo
	Found    int
	Degraded int
	Skipped  []string
	Written  bool
	Duration time.Duration
	// RootMissing is set when the photo directory did not exist.
	RootMissing bool
}

type outcome struct {
	file     File
	photo    Photo
	skipped  bool
	degraded bool
}

// Build scans, processes, merges, and writes the manifest.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		p.metrics.duration.Set(time.Since(start).Seconds())
	}()
	klog.Infof("build: %s -> %s", p.c.PhotosDir, p.c.ManifestPath)

	var previous []Photo
	if p.c.Incremental {
		var err error
		previous, err = LoadManifest(p.c.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
		klog.Infof("loaded %d existing photo entries", len(previous))
	}

	files, err := Scan(p.c.PhotosDir)
	if errors.Is(err, fs.ErrNotExist) {
		klog.Warningf("photo directory %s does not exist: treating as empty", p.c.PhotosDir)
		if p.c.Incremental {
			return &Result{Photos: previous, RootMissing: true, Duration: time.Since(start)}, nil
		}
		files = nil
	} else if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	klog.Infof("found %d image files to process", len(files))
	files = ResolveThumbnails(files)

	outcomes, err := RunBatches(ctx, files, p.c.Concurrency, p.processFile, p.progress)
	if err != nil {
		return nil, fmt.Errorf("process: %w", err)
	}

	r := &Result{Found: len(files)}
	discovered := []Photo{}
	keep := map[string]bool{}
	for _, o := range outcomes {
		if o.skipped {
			r.Skipped = append(r.Skipped, o.file.RelPath)
			keep[baseName(o.file.RelPath)] = true
			continue
		}
		if o.degraded {
			r.Degraded++
		}
		discovered = append(discovered, o.photo)
	}

	r.Photos = Merge(previous, discovered, MergeOptions{Prune: p.c.Prune, Keep: keep})

	if err := WriteManifest(p.c.ManifestPath, r.Photos); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	r.Written = true
	r.Duration = time.Since(start)

	klog.Infof("generated gallery with %d photos (%d degraded, %d skipped) in %s",
		len(r.Photos), r.Degraded, len(r.Skipped), r.Duration.Round(time.Millisecond))
	return r, nil
}

// processFile runs one photo through the pipeline. Failures after the file has been
// read degrade the record instead of dropping it.
func (p *Pipeline) processFile(_ context.Context, f File) outcome {
	klog.V(1).Infof("processing %s", f.RelPath)
	o := outcome{file: f}

	buf, err := os.ReadFile(f.Path)
	if err != nil {
		klog.Warningf("skipping %s: %v", f.RelPath, err)
		p.metrics.files.WithLabelValues("skipped").Inc()
		o.skipped = true
		return o
	}

	// Tags come from the original bytes, before any rewrite can drop them.
	// A photo without EXIF is still a complete record.
	ex, err := Extract(p.reader, buf)
	switch {
	case errors.Is(err, ErrNoEXIF):
		klog.V(1).Infof("%s has no EXIF", f.RelPath)
	case err != nil:
		klog.Warningf("could not read EXIF from %s: %v", f.RelPath, err)
	}

	buf, rewritten, err := p.opt.Normalize(f, buf)
	if err != nil {
		klog.Warningf("could not normalize %s, keeping original: %v", f.RelPath, err)
		o.degraded = true
	}
	if rewritten {
		p.metrics.normalized.Inc()
	}

	generated, err := p.opt.Thumbnail(f, buf)
	switch {
	case err != nil:
		klog.Warningf("could not create thumbnail for %s: %v", f.RelPath, err)
		p.metrics.thumbnails.WithLabelValues("failed").Inc()
		o.degraded = true
	case generated:
		p.metrics.thumbnails.WithLabelValues("generated").Inc()
	default:
		p.metrics.thumbnails.WithLabelValues("fresh").Inc()
	}

	o.photo = Photo{
		Src:      path.Join(p.c.PhotosURL, f.RelPath),
		Title:    Title(f.RelPath),
		Category: f.Category,
		EXIF:     ex,
	}
	if exists(p.opt.ThumbnailPath(f)) {
		o.photo.Thumbnail = p.opt.ThumbnailURL(f)
	}

	m, err := p.codec.Metadata(buf)
	if err != nil {
		klog.Warningf("could not read dimensions of %s: %v", f.RelPath, err)
		o.degraded = true
	} else {
		o.photo.Width, o.photo.Height = m.DisplaySize()
	}

	if o.degraded {
		p.metrics.files.WithLabelValues("degraded").Inc()
	} else {
		p.metrics.files.WithLabelValues("ok").Inc()
	}
	return o
}

func logProgress(done, total int) {
	klog.Infof("processed %d/%d", done, total)
}
