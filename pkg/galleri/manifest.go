package galleri

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"k8s.io/klog/v2"
)

// MergeOptions controls how Merge treats entries that were not rediscovered.
type MergeOptions struct {
	// Prune drops previous entries that no discovered photo claimed.
	Prune bool
	// Keep lists base names that survive pruning, for files that exist but failed this run.
	Keep map[string]bool
}

// Merge folds freshly discovered photos into a previous manifest.
//
// A discovered photo first claims the previous entry with the same src. Failing
// that, it claims the lowest-id unclaimed previous entry with the same base name,
// which covers moved or re-encoded files. A claimed entry keeps its id and title
// and has everything else refreshed. Unmatched photos get ids above the previous
// maximum, in discovery order. With no previous manifest this numbers discovered
// photos 1..N. The inputs are not modified.
func Merge(previous []Photo, discovered []Photo, opts MergeOptions) []Photo {
	prev := slices.Clone(previous)
	slices.SortStableFunc(prev, byID)

	maxID := 0
	bySrc := map[string][]int{}
	byName := map[string][]int{}
	for i, p := range prev {
		bySrc[p.Src] = append(bySrc[p.Src], i)
		byName[p.BaseName()] = append(byName[p.BaseName()], i)
		maxID = max(maxID, p.ID)
	}

	claimed := make([]bool, len(prev))
	claim := func(queue map[string][]int, key string) int {
		for len(queue[key]) > 0 {
			i := queue[key][0]
			queue[key] = queue[key][1:]
			if !claimed[i] {
				claimed[i] = true
				return i
			}
		}
		return -1
	}

	matched := make([]bool, len(discovered))
	for j, d := range discovered {
		if i := claim(bySrc, d.Src); i >= 0 {
			prev[i] = refresh(prev[i], d)
			matched[j] = true
		}
	}

	added := []Photo{}
	for j, d := range discovered {
		if matched[j] {
			continue
		}
		name := d.BaseName()
		if i := claim(byName, name); i >= 0 {
			prev[i] = refresh(prev[i], d)
			continue
		}

		maxID++
		d.ID = maxID
		klog.V(1).Infof("adding new entry for %s with ID %d", name, d.ID)
		added = append(added, d)
	}

	out := make([]Photo, 0, len(prev)+len(added))
	for i, p := range prev {
		if !claimed[i] && opts.Prune && !opts.Keep[p.BaseName()] {
			klog.Infof("pruning %s (ID %d): file no longer exists", p.Src, p.ID)
			continue
		}
		out = append(out, p)
	}
	out = append(out, added...)

	slices.SortStableFunc(out, byID)
	return out
}

func refresh(p Photo, d Photo) Photo {
	p.Src = d.Src
	p.Thumbnail = d.Thumbnail
	p.Width = d.Width
	p.Height = d.Height
	p.Category = d.Category
	p.EXIF = d.EXIF
	if p.Title == "" {
		p.Title = d.Title
	}
	return p
}

func byID(a, b Photo) int {
	return cmp.Compare(a.ID, b.ID)
}

// LoadManifest reads a manifest. A missing file is an empty manifest.
func LoadManifest(path string) ([]Photo, error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var ps []Photo
	if err := json.Unmarshal(bs, &ps); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return ps, nil
}

// EncodeManifest renders photos, sorted by id, as indented JSON.
func EncodeManifest(photos []Photo) ([]byte, error) {
	ps := slices.Clone(photos)
	if ps == nil {
		ps = []Photo{}
	}
	slices.SortStableFunc(ps, byID)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ps); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteManifest atomically replaces the manifest at path.
func WriteManifest(path string, photos []Photo) error {
	bs, err := EncodeManifest(photos)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := writeTemp(dir, "."+filepath.Base(path)+".temp.*", bs)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}

	klog.Infof("wrote %d photos to %s", len(photos), path)
	return nil
}
