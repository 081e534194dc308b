package storage

import (
	"os"
	"path/filepath"
	"strings"
)

// Usage is the on-disk footprint reported by the status endpoint.
type Usage struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// DiskUsage sums the regular files under each path. A path may be a file or
// a directory (walked recursively). Missing paths are skipped.
func DiskUsage(paths ...string) (Usage, error) {
	var u Usage
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := walk(p, func(_ string, info os.FileInfo) {
			u.Files++
			u.Bytes += info.Size()
		}); err != nil {
			return Usage{}, err
		}
	}
	return u, nil
}

// DatasetUsage sums the asset files in dir that belong to dataset id (<id>.*).
func DatasetUsage(dir, id string) (Usage, error) {
	var u Usage
	err := walk(dir, func(path string, info os.FileInfo) {
		if strings.HasPrefix(filepath.Base(path), id+".") {
			u.Files++
			u.Bytes += info.Size()
		}
	})
	return u, err
}

func walk(root string, fn func(path string, info os.FileInfo)) error {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info != nil && info.Mode().IsRegular() {
			fn(path, info)
		}
		return nil
	})
}
