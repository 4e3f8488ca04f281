package galleri

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCodec reports fixed metadata and delegates pixel work to ImageCodec.
type stubCodec struct {
	meta    Meta
	metaErr error
}

func (s stubCodec) Metadata([]byte) (Meta, error) { return s.meta, s.metaErr }

func (s stubCodec) Decode([]byte) (image.Image, error) {
	return testImage(s.meta.Width, s.meta.Height), nil
}

func (stubCodec) AutoOrient(img image.Image, o int) image.Image {
	return ImageCodec{}.AutoOrient(img, o)
}

func (stubCodec) Fit(img image.Image, maxW, maxH int) image.Image {
	return ImageCodec{}.Fit(img, maxW, maxH)
}

func (stubCodec) Encode(img image.Image, format string, quality int) ([]byte, error) {
	return ImageCodec{}.Encode(img, format, quality)
}

// countingCodec tracks how many decodes run at once.
type countingCodec struct {
	ImageCodec
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (c *countingCodec) Decode(buf []byte) (image.Image, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return c.ImageCodec.Decode(buf)
}

func readManifest(t *testing.T, c *Config) []byte {
	t.Helper()
	bs, err := os.ReadFile(c.ManifestPath)
	require.NoError(t, err)
	return bs
}

func TestBuild(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "travel", "a-b_c.jpg"),
		jpegWithEXIF(t, 64, 32, testTags{model: "Body", lens: "Glass", orientation: 1}))
	writeFile(t, filepath.Join(c.PhotosDir, "b.png"), pngBytes(t, 20, 40))
	writeFile(t, filepath.Join(c.PhotosDir, "notes.txt"), []byte("not a photo"))

	p := New(c, WithProgress(func(int, int) {}))
	r, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Written)
	assert.Equal(t, 2, r.Found)
	assert.Zero(t, r.Degraded)
	assert.Empty(t, r.Skipped)

	require.Len(t, r.Photos, 2)
	assert.Equal(t, Photo{
		ID:        1,
		Src:       "/photos/b.png",
		Thumbnail: "/thumbnails/b.jpg",
		Title:     "b",
		Width:     20,
		Height:    40,
		Category:  "General",
		EXIF:      EmptyEXIF,
	}, r.Photos[0])
	assert.Equal(t, Photo{
		ID:        2,
		Src:       "/photos/travel/a-b_c.jpg",
		Thumbnail: "/thumbnails/travel/a-b_c.jpg",
		Title:     "a b c",
		Width:     64,
		Height:    32,
		Category:  "Travel",
		EXIF:      EXIF{Camera: "Body", Lens: "Glass", ISO: "200", Aperture: "f/2.8", Shutter: "1/125"},
	}, r.Photos[1])

	assert.FileExists(t, filepath.Join(c.ThumbnailsDir, "b.jpg"))
	assert.FileExists(t, filepath.Join(c.ThumbnailsDir, "travel", "a-b_c.jpg"))

	loaded, err := LoadManifest(c.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, r.Photos, loaded)

	m := p.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.files.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.thumbnails.WithLabelValues("generated")))
	assert.Zero(t, testutil.ToFloat64(m.normalized))
}

func TestBuildIdempotent(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "a.jpg"), jpegBytes(t, 32, 32))
	writeFile(t, filepath.Join(c.PhotosDir, "travel", "b.jpg"), jpegBytes(t, 32, 16))

	_, err := New(c).Build(context.Background())
	require.NoError(t, err)
	before := readManifest(t, c)
	thumb := filepath.Join(c.ThumbnailsDir, "travel", "b.jpg")
	st, err := os.Stat(thumb)
	require.NoError(t, err)

	p := New(c)
	_, err = p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(readManifest(t, c)))

	st2, err := os.Stat(thumb)
	require.NoError(t, err)
	assert.Equal(t, st.ModTime(), st2.ModTime())
	assert.Equal(t, 2.0, testutil.ToFloat64(p.Metrics().thumbnails.WithLabelValues("fresh")))
}

func TestBuildIncremental(t *testing.T) {
	c := testConfig(t)
	for _, name := range []string{"b.jpg", "c.jpg", "d.jpg"} {
		writeFile(t, filepath.Join(c.PhotosDir, name), jpegBytes(t, 8, 8))
	}
	_, err := New(c).Build(context.Background())
	require.NoError(t, err)

	writeFile(t, filepath.Join(c.PhotosDir, "a.jpg"), jpegBytes(t, 8, 8))
	require.NoError(t, os.Remove(filepath.Join(c.PhotosDir, "c.jpg")))

	r, err := New(c).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 4, "b": 1, "c": 2, "d": 3}, ids(r.Photos), "missing files are retained by default")

	c.Prune = true
	r, err = New(c).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 4, "b": 1, "d": 3}, ids(r.Photos))

	c.Incremental = false
	r, err = New(c).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2, "d": 3}, ids(r.Photos), "a full rebuild renumbers in scan order")
}

func TestBuildDegrades(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "broken.jpg"), []byte("not really a jpeg"))
	writeFile(t, filepath.Join(c.PhotosDir, "fine.jpg"), jpegBytes(t, 16, 16))

	p := New(c)
	r, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Degraded)

	require.Len(t, r.Photos, 2)
	broken := r.Photos[0]
	assert.Equal(t, "/photos/broken.jpg", broken.Src)
	assert.Empty(t, broken.Thumbnail)
	assert.Zero(t, broken.Width)
	assert.Zero(t, broken.Height)
	assert.Equal(t, EmptyEXIF, broken.EXIF)

	assert.Equal(t, 16, r.Photos[1].Width)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().files.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().thumbnails.WithLabelValues("failed")))
}

func TestBuildMetadataFailure(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "a.jpg"), jpegBytes(t, 16, 16))

	r, err := New(c, WithCodec(stubCodec{metaErr: errors.New("no dimensions")})).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Photos, 1)
	assert.Equal(t, 1, r.Degraded)
	assert.Zero(t, r.Photos[0].Width)
}

func TestBuildBoundedConcurrency(t *testing.T) {
	c := testConfig(t)
	c.Concurrency = 4
	for i := 0; i < 10; i++ {
		writeFile(t, filepath.Join(c.PhotosDir, string(rune('a'+i))+".jpg"), jpegBytes(t, 8, 8))
	}

	codec := &countingCodec{}
	var calls atomic.Int32
	r, err := New(c, WithCodec(codec), WithProgress(func(_, total int) {
		assert.Equal(t, 10, total)
		calls.Add(1)
	})).Build(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Photos, 10)
	assert.LessOrEqual(t, codec.peak.Load(), int32(4))
	assert.Equal(t, int32(10), calls.Load())
}

func TestBuildMissingRoot(t *testing.T) {
	c := testConfig(t)

	c.Incremental = false
	r, err := New(c).Build(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Written)
	assert.Equal(t, "[]\n", string(readManifest(t, c)))

	require.NoError(t, WriteManifest(c.ManifestPath, []Photo{photo("kept.jpg")}))
	before := readManifest(t, c)

	c.Incremental = true
	r, err = New(c).Build(context.Background())
	require.NoError(t, err)
	assert.True(t, r.RootMissing)
	assert.False(t, r.Written)
	assert.Len(t, r.Photos, 1)
	assert.Equal(t, before, readManifest(t, c))
}

func TestBuildRootNotDirectory(t *testing.T) {
	c := testConfig(t)
	writeFile(t, c.PhotosDir, []byte("x"))
	_, err := New(c).Build(context.Background())
	assert.Error(t, err)
}

func TestBuildCorruptManifest(t *testing.T) {
	c := testConfig(t)
	require.NoError(t, os.MkdirAll(c.PhotosDir, 0o755))
	writeFile(t, c.ManifestPath, []byte("{"))
	_, err := New(c).Build(context.Background())
	assert.Error(t, err)
}

func TestBuildNormalizes(t *testing.T) {
	c := testConfig(t)
	c.NormalizeSources = true
	writeFile(t, filepath.Join(c.PhotosDir, "side.jpg"),
		jpegWithEXIF(t, 48, 24, testTags{model: "Body", lens: "Glass", orientation: 6}))

	p := New(c)
	r, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Photos, 1)
	assert.Equal(t, 24, r.Photos[0].Width)
	assert.Equal(t, 48, r.Photos[0].Height)
	assert.Equal(t, "Body", r.Photos[0].EXIF.Camera)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().normalized))
}

func TestBuildReportsRotatedSizeWithoutNormalizing(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "side.jpg"),
		jpegWithEXIF(t, 48, 24, testTags{model: "Body", lens: "Glass", orientation: 8}))

	r, err := New(c).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Photos, 1)
	assert.Equal(t, 24, r.Photos[0].Width)
	assert.Equal(t, 48, r.Photos[0].Height)
}

func TestMetricsTextfile(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "a.jpg"), jpegBytes(t, 8, 8))
	p := New(c)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "galleri.prom")
	require.NoError(t, p.Metrics().WriteTextfile(path))
	bs, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(bs), `galleri_files_total{result="ok"} 1`)
	assert.Contains(t, string(bs), "galleri_build_duration_seconds")
}

func TestBuildSharedBaseNameThumbnails(t *testing.T) {
	c := testConfig(t)
	writeFile(t, filepath.Join(c.PhotosDir, "a.jpg"), jpegBytes(t, 64, 32))
	writeFile(t, filepath.Join(c.PhotosDir, "a.png"), pngBytes(t, 20, 80))

	r, err := New(c).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Photos, 2)

	thumbs := map[string]string{}
	for _, p := range r.Photos {
		thumbs[p.Src] = p.Thumbnail
	}
	assert.Equal(t, map[string]string{
		"/photos/a.jpg": "/thumbnails/a.jpg",
		"/photos/a.png": "/thumbnails/a.png.jpg",
	}, thumbs)

	for name, want := range map[string][2]int{"a.jpg": {64, 32}, "a.png.jpg": {20, 80}} {
		bs, err := os.ReadFile(filepath.Join(c.ThumbnailsDir, name))
		require.NoError(t, err)
		m, err := ImageCodec{}.Metadata(bs)
		require.NoError(t, err)
		assert.Equal(t, want, [2]int{m.Width, m.Height}, name)
	}

	before := readManifest(t, c)
	_, err = New(c).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(readManifest(t, c)))
}
