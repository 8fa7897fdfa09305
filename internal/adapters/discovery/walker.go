// Package discovery finds analyzer inputs on the local filesystem.
package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
)

// Walker lists regular files below a root in lexical order.
type Walker struct {
	fsys func(root string) fs.FS
}

func NewWalker() *Walker {
	return &Walker{fsys: os.DirFS}
}

// Discover returns the slash separated paths, relative to root, of every
// regular file whose relative path matches pattern. Hidden directories
// are skipped.
func (w *Walker) Discover(ctx context.Context, root string, pattern *regexp.Regexp) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input root %s is not a directory", root)
	}

	var found []string
	err = fs.WalkDir(w.fsys(root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && d.Name()[0] == '.' {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if pattern == nil || pattern.MatchString(p) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", filepath.Clean(root), err)
	}
	return found, nil
}
