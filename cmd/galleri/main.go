// galleri generates the photo manifest and thumbnails for a static gallery site.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"

	"github.com/tstromberg/galleri/pkg/galleri"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file")
	photosDir   = flag.String("photos", "", "Location of photo directory (overrides config)")
	thumbsDir   = flag.String("thumbnails", "", "Location of thumbnail directory (overrides config)")
	manifest    = flag.String("manifest", "", "Path of manifest to write (overrides config)")
	concurrency = flag.Int("concurrency", 0, "Number of photos to process at once (overrides config)")
	normalize   = flag.Bool("normalize", false, "rotate and downscale originals in place")
	full        = flag.Bool("full", false, "discard the previous manifest and renumber")
	prune       = flag.Bool("prune", false, "drop manifest entries whose file is gone")
	backupDir   = flag.String("backup", "", "copy originals here before rewriting them")
	exifReader  = flag.String("exif-reader", "", "EXIF reader: goexif or exiftool (overrides config)")
	metricsFile = flag.String("metrics-file", "", "write build metrics to this textfile")
	listen      = flag.Bool("listen", false, "serve the site via HTTP")
	addr        = flag.String("addr", "localhost:12800", "host:port to bind to in listen mode")
	siteDir     = flag.String("site", "", "directory to serve in listen mode (default: parent of photo directory)")
	watchFlag   = flag.Bool("watch", false, "watch for changes to the photo directory and rebuild")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	c, err := config()
	if err != nil {
		klog.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []galleri.Option{}
	if c.EXIFReader == galleri.ReaderExiftool || (c.NormalizeSources && c.PreserveMetadata) {
		et, err := galleri.NewExiftool()
		switch {
		case err == nil:
			defer et.Close()
			opts = append(opts, galleri.WithPreserver(et))
			if c.EXIFReader == galleri.ReaderExiftool {
				opts = append(opts, galleri.WithTagReader(et))
			}
		case c.EXIFReader == galleri.ReaderExiftool:
			klog.Exitf("exif reader %q unavailable: %v", c.EXIFReader, err)
		default:
			klog.Warningf("exiftool unavailable, PNG metadata will not be preserved: %v", err)
		}
	}

	p := galleri.New(c, opts...)
	if err := build(ctx, p); err != nil {
		klog.Exitf("build failed: %v", err)
	}

	var wg sync.WaitGroup
	if *watchFlag {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watch(ctx, c, p); err != nil {
				klog.Exitf("watch failed: %v", err)
			}
		}()
	}

	if *listen {
		dir := *siteDir
		if dir == "" {
			dir = filepath.Dir(filepath.Clean(c.PhotosDir))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(ctx, galleri.SiteHandler(dir, p.Metrics()), dir, *addr)
		}()
	}

	wg.Wait()
}

// config layers flags over the config file over defaults.
func config() (*galleri.Config, error) {
	c, err := galleri.LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if *photosDir != "" {
		c.PhotosDir = *photosDir
	}
	if *thumbsDir != "" {
		c.ThumbnailsDir = *thumbsDir
	}
	if *manifest != "" {
		c.ManifestPath = *manifest
	}
	if *concurrency > 0 {
		c.Concurrency = *concurrency
	}
	if *backupDir != "" {
		c.BackupDir = *backupDir
	}
	if *exifReader != "" {
		c.EXIFReader = *exifReader
	}
	if set["normalize"] {
		c.NormalizeSources = *normalize
	}
	if set["full"] {
		c.Incremental = !*full
	}
	if set["prune"] {
		c.Prune = *prune
	}

	return c, c.Validate()
}

func build(ctx context.Context, p *galleri.Pipeline) error {
	r, err := p.Build(ctx)
	if err != nil {
		return err
	}

	for _, s := range r.Skipped {
		klog.Warningf("skipped: %s", s)
	}

	if *metricsFile != "" {
		if err := p.Metrics().WriteTextfile(*metricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

// serve serves a static web directory via HTTP
func serve(ctx context.Context, h http.Handler, path string, addr string) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	klog.Infof("Serving %s on http://%s/ ...", path, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		klog.Exitf("listen failed: %v", err)
	}
}

// watch rebuilds whenever the photo directory changes
func watch(ctx context.Context, c *galleri.Config, p *galleri.Pipeline) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dirs, err := watchDirs(c.PhotosDir)
	if err != nil {
		return err
	}
	klog.Infof("watching %d dirs ...", len(dirs))
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			return fmt.Errorf("watch %s: %w", d, err)
		}
	}

	// Coalesce bursts, such as a folder of photos being copied in.
	var timer *time.Timer
	rebuild := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.Contains(filepath.Base(event.Name), ".temp.") {
				continue
			}
			klog.V(1).Infof("event: %s", event)

			if event.Has(fsnotify.Create) {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := w.Add(event.Name); err != nil {
						klog.Warningf("unable to watch %s: %v", event.Name, err)
					}
				}
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(time.Second, func() {
					select {
					case rebuild <- struct{}{}:
					default:
					}
				})
			}
		case <-rebuild:
			klog.Infof("change detected, rebuilding ...")
			if err := build(ctx, p); err != nil {
				klog.Errorf("rebuild failed: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("watch error: %v", err)
		}
	}
}

// watchDirs lists root and every non-hidden directory below it.
func watchDirs(root string) ([]string, error) {
	dirs := []string{}
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				return nil
			}
			if path != filepath.Clean(root) && strings.HasPrefix(de.Name(), ".") {
				return godirwalk.SkipThis
			}
			dirs = append(dirs, path)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return dirs, nil
}
