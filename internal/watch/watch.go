// Package watch turns filesystem notifications for the monitored paths into
// raw events.
package watch

import (
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Error codes.
const (
	ErrCodeWatchUnavailable = "DLP_WATCH_UNAVAILABLE"
	ErrCodeWatchFailed      = "DLP_WATCH_FAILED"
)

// retryDefault is how often missing monitored roots are re-added.
const retryDefault = 30 * time.Second

// Watcher subscribes to every directory of the monitored paths and emits
// normalized raw events. Subscriptions follow the tree as directories come
// and go.
type Watcher struct {
	roots []model.MonitoredPath
	log   *slog.Logger
	retry time.Duration

	mu      sync.Mutex
	watched map[string]int // directory -> index into roots
	missing map[int]bool   // roots that could not be subscribed

	failures atomic.Int64
	overflow atomic.Int64
}

// New creates a watcher for the monitored paths.
func New(roots []model.MonitoredPath, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cleaned := make([]model.MonitoredPath, len(roots))
	for i, r := range roots {
		r.Path = filepath.Clean(r.Path)
		cleaned[i] = r
	}
	return &Watcher{
		roots:   cleaned,
		log:     logger.With("component", "watch"),
		retry:   retryDefault,
		watched: make(map[string]int),
		missing: make(map[int]bool),
	}
}

// SetRetryInterval changes how often missing roots are retried.
func (w *Watcher) SetRetryInterval(d time.Duration) {
	if d > 0 {
		w.retry = d
	}
}

// Roots returns the monitored paths.
func (w *Watcher) Roots() []model.MonitoredPath { return w.roots }

// Watched returns the subscribed directories, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.watched))
	for d := range w.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Failures returns the number of subscriptions that could not be created.
func (w *Watcher) Failures() int64 { return w.failures.Load() }

// Overflows returns the number of kernel queue overflows seen.
func (w *Watcher) Overflows() int64 { return w.overflow.Load() }

// Run watches until ctx is cancelled. Only failing to create the
// notification backend is fatal; per-directory failures are logged and
// skipped.
func (w *Watcher) Run(ctx context.Context, emit func(model.RawEvent)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, ErrCodeWatchUnavailable, "create filesystem watcher")
	}
	defer func() { _ = fsw.Close() }()

	for i := range w.roots {
		w.addTree(fsw, w.roots[i].Path, i, nil)
	}

	ticker := time.NewTicker(w.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			w.retryMissing(fsw, emit)

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(fsw, ev, emit)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.handleError(err, emit)
		}
	}
}

// handleError deals with an error from the notification backend. An
// overflow means events were lost somewhere, so every root is rescanned.
func (w *Watcher) handleError(err error, emit func(model.RawEvent)) {
	if !goerrors.Is(err, fsnotify.ErrEventOverflow) {
		w.log.Warn("watch error", "error", err)
		return
	}
	w.overflow.Add(1)
	w.log.Warn("event queue overflow, rescanning monitored paths")
	now := timecache.CachedTime()
	for _, r := range w.roots {
		emit(model.RawEvent{Path: r.Path, Kind: model.Rescan, Time: now})
	}
}

// handle normalizes one notification.
func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event, emit func(model.RawEvent)) {
	path := filepath.Clean(ev.Name)
	idx, ok := w.rootFor(path)
	if !ok {
		return
	}
	root := w.roots[idx]
	if Excluded(root.Path, path, root.Exclude) {
		return
	}
	now := timecache.CachedTime()

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if w.drop(fsw, path) {
			w.log.Info("watched directory gone", "path", path)
			if path == root.Path {
				w.markMissing(idx)
			}
			return
		}
		kind := model.Deleted
		if ev.Has(fsnotify.Rename) {
			kind = model.MovedFrom
		}
		emit(model.RawEvent{Path: path, Kind: kind, Time: now})

	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Gone already; a Remove follows.
			return
		}
		if info.IsDir() {
			if !root.Recursive {
				return
			}
			w.addTree(fsw, path, idx, func(file string) {
				emit(model.RawEvent{Path: file, Kind: model.Created, Time: now})
			})
			return
		}
		if !info.Mode().IsRegular() {
			return
		}
		raw := model.RawEvent{Path: path, Kind: model.Created, Time: now}
		if src, ok := renameSource(ev); ok {
			raw.Kind, raw.From = model.MovedTo, src
		}
		emit(raw)

	case ev.Has(fsnotify.Write):
		emit(model.RawEvent{Path: path, Kind: model.Modified, Time: now})
	}
}

// renameSource returns the old name of a Create that completes a rename.
// The inotify backend links both halves by move cookie but exposes the
// link only through Event.String, as `Op "new" ← "old"`. A Create with no
// link (source outside every watched directory, or a backend without
// cookies) is a plain creation.
func renameSource(ev fsnotify.Event) (string, bool) {
	s := ev.String()
	prefix := fmt.Sprintf("%-13s %q ← ", ev.Op.String(), ev.Name)
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	src, err := strconv.Unquote(s[len(prefix):])
	if err != nil || src == "" {
		return "", false
	}
	return filepath.Clean(src), true
}

// rootFor finds the monitored root covering path through its parent
// directory's subscription, or its own for a watched directory.
func (w *Watcher) rootFor(path string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx, ok := w.watched[filepath.Dir(path)]; ok {
		return idx, true
	}
	idx, ok := w.watched[path]
	return idx, ok
}

// addTree subscribes dir and, for recursive roots, every directory below
// it. onFile, when set, receives files already present in the new subtree.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, idx int, onFile func(string)) {
	root := w.roots[idx]
	walkDirs(dir, root, func(d string) {
		w.mu.Lock()
		_, seen := w.watched[d]
		w.mu.Unlock()
		if seen {
			return
		}
		if err := fsw.Add(d); err != nil {
			w.failures.Add(1)
			werr := errors.Wrap(err, ErrCodeWatchFailed, "subscribe directory").
				WithContext("path", d)
			w.log.Warn("cannot watch directory", "path", d, "error", werr)
			if d == root.Path {
				w.markMissing(idx)
			}
			return
		}
		w.mu.Lock()
		w.watched[d] = idx
		if d == root.Path {
			delete(w.missing, idx)
		}
		w.mu.Unlock()
	})

	w.mu.Lock()
	_, rootWatched := w.watched[root.Path]
	w.mu.Unlock()
	if dir == root.Path && !rootWatched {
		w.markMissing(idx)
	}

	if onFile == nil {
		return
	}
	sub := root
	sub.Path = dir
	_ = Walk(context.Background(), sub, func(path string) error {
		if !Excluded(root.Path, path, root.Exclude) {
			onFile(path)
		}
		return nil
	})
}

// drop removes the subscription for dir and all of its descendants. It
// reports whether dir was being watched.
func (w *Watcher) drop(fsw *fsnotify.Watcher, dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watched[dir]; !ok {
		return false
	}
	prefix := dir + string(filepath.Separator)
	for d := range w.watched {
		if d == dir || strings.HasPrefix(d, prefix) {
			_ = fsw.Remove(d)
			delete(w.watched, d)
		}
	}
	return true
}

func (w *Watcher) markMissing(idx int) {
	w.mu.Lock()
	w.missing[idx] = true
	w.mu.Unlock()
}

// retryMissing re-adds roots that were absent, requesting a rescan for
// each one that came back.
func (w *Watcher) retryMissing(fsw *fsnotify.Watcher, emit func(model.RawEvent)) {
	w.mu.Lock()
	var idxs []int
	for i := range w.missing {
		idxs = append(idxs, i)
	}
	w.mu.Unlock()

	for _, i := range idxs {
		root := w.roots[i]
		if info, err := os.Stat(root.Path); err != nil || !info.IsDir() {
			continue
		}
		w.addTree(fsw, root.Path, i, nil)
		w.mu.Lock()
		_, ok := w.watched[root.Path]
		w.mu.Unlock()
		if ok {
			w.log.Info("monitored path available again", "path", root.Path)
			emit(model.RawEvent{Path: root.Path, Kind: model.Rescan, Time: timecache.CachedTime()})
		}
	}
}
