package galleri

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"k8s.io/klog/v2"
)

// DefaultCategory is used for photos directly under the root.
const DefaultCategory = "General"

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

var errStopWalk = errors.New("stop walk")

// IsImage reports whether name has an allowed image extension.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Files lazily walks root depth-first, yielding every image below it.
// Entries within a directory are visited in lexical order.
func Files(root string) iter.Seq2[File, error] {
	root = filepath.Clean(root)
	return func(yield func(File, error) bool) {
		st, err := os.Stat(root)
		if err != nil {
			yield(File{}, fmt.Errorf("stat root: %w", err))
			return
		}
		if !st.IsDir() {
			yield(File{}, fmt.Errorf("root %s is not a directory", root))
			return
		}

		stopped := false
		err = godirwalk.Walk(root, &godirwalk.Options{
			Callback: func(path string, de *godirwalk.Dirent) error {
				if path == root {
					return nil
				}

				name := filepath.Base(path)
				if name[0] == '.' || strings.Contains(name, ".temp.") {
					if de.IsDir() {
						return godirwalk.SkipThis
					}
					return nil
				}

				if de.IsDir() || !de.IsRegular() || !IsImage(name) {
					return nil
				}

				f, err := newFile(root, path)
				if err != nil {
					klog.V(1).Infof("skipping %s: %v", path, err)
					return nil
				}

				if !yield(f, nil) {
					stopped = true
					return errStopWalk
				}
				return nil
			},
			ErrorCallback: func(path string, err error) godirwalk.ErrorAction {
				if path == root || errors.Is(err, errStopWalk) {
					return godirwalk.Halt
				}
				klog.V(1).Infof("skipping unreadable %s: %v", path, err)
				return godirwalk.SkipNode
			},
		})

		if err != nil && !stopped {
			yield(File{}, fmt.Errorf("walk %s: %w", root, err))
		}
	}
}

// Scan returns every image below root.
func Scan(root string) ([]File, error) {
	found := []File{}
	for f, err := range Files(root) {
		if err != nil {
			return nil, err
		}
		found = append(found, f)
	}
	return found, nil
}

func newFile(root string, path string) (File, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return File{}, fmt.Errorf("rel: %w", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat: %w", err)
	}

	rel = filepath.ToSlash(rel)
	return File{
		Path:     path,
		RelPath:  rel,
		Category: Category(rel),
		ModTime:  fi.ModTime(),
	}, nil
}

// Category returns the capitalized top-level directory of a slash-separated relative path.
func Category(rel string) string {
	top, _, found := strings.Cut(filepath.ToSlash(rel), "/")
	if !found || top == "" {
		return DefaultCategory
	}

	r, size := utf8.DecodeRuneInString(top)
	return string(unicode.ToUpper(r)) + top[size:]
}

// Title derives a display title from a file name.
func Title(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.NewReplacer("-", " ", "_", " ").Replace(base)
}
