package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var fitsExts = map[string]struct{}{
	".fits":    {},
	".fit":     {},
	".fts":     {},
	".fits.fz": {},
	".fz":      {},
}

var headerExts = map[string]struct{}{
	".json": {},
}

func ext(path string) string {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".fits.fz") {
		return ".fits.fz"
	}
	return filepath.Ext(name)
}

// IsFITSFile checks if a file is a FITS image, compressed or not.
func IsFITSFile(path string) bool {
	_, ok := fitsExts[ext(path)]
	return ok
}

// IsHeaderFile checks if a file holds header records as JSON.
func IsHeaderFile(path string) bool {
	_, ok := headerExts[ext(path)]
	return ok
}

// ListRawFiles returns all FITS and header files under root, sorted.
func ListRawFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFITSFile(path) || IsHeaderFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// Expand replaces directories in paths by the raw files below them. Plain
// files are kept as given.
func Expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		files, err := ListRawFiles(p)
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
