package watch

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Excluded reports whether path, or any of its ancestors below root,
// matches one of the glob patterns. Patterns are matched against the full
// path and the base name, so "/home/*/.cache" excludes everything below
// each user's cache directory and "*.swp" excludes swap files anywhere.
func Excluded(root, path string, patterns []string) bool {
	if len(patterns) == 0 {
		return false
	}
	root = filepath.Clean(root)
	for p := filepath.Clean(path); p != root; {
		for _, pat := range patterns {
			if ok, _ := filepath.Match(pat, p); ok {
				return true
			}
			if ok, _ := filepath.Match(pat, filepath.Base(p)); ok {
				return true
			}
		}
		parent := filepath.Dir(p)
		if parent == p {
			break
		}
		p = parent
	}
	return false
}

// Walk calls fn for every regular file of a monitored path that is not
// excluded. Non-recursive paths only visit their top level. Unreadable
// entries are skipped; a non-nil error from fn stops the walk.
func Walk(ctx context.Context, mp model.MonitoredPath, fn func(path string) error) error {
	root := filepath.Clean(mp.Path)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if Excluded(root, path, mp.Exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !mp.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
}

// walkDirs calls fn for every directory of a monitored path subtree that is
// not excluded, starting with dir itself.
func walkDirs(dir string, mp model.MonitoredPath, fn func(dir string)) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if Excluded(mp.Path, path, mp.Exclude) {
			return filepath.SkipDir
		}
		fn(path)
		if !mp.Recursive && filepath.Clean(path) == filepath.Clean(mp.Path) {
			return filepath.SkipDir
		}
		return nil
	})
}
