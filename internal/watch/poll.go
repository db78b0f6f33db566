package watch

import (
	"context"
	"os"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// pollDefault is the default polling interval when notifications are
// unavailable.
const pollDefault = 5 * time.Second

type fileStamp struct {
	size  int64
	mtime time.Time
}

// Source produces raw events until its context is cancelled. Both Watcher
// and PollWatcher implement it.
type Source interface {
	Run(ctx context.Context, emit func(model.RawEvent)) error
}

// PollWatcher detects changes by periodically walking the monitored paths.
// Used as a fallback where kernel notifications do not work (NFS, FUSE).
type PollWatcher struct {
	roots    []model.MonitoredPath
	interval time.Duration
	seen     map[string]fileStamp
}

// NewPollWatcher creates a polling watcher.
func NewPollWatcher(roots []model.MonitoredPath, interval time.Duration) *PollWatcher {
	if interval <= 0 {
		interval = pollDefault
	}
	return &PollWatcher{
		roots:    roots,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The first pass records a baseline
// without emitting.
func (w *PollWatcher) Run(ctx context.Context, emit func(model.RawEvent)) error {
	w.seen = w.snapshot(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan(ctx, emit)
		}
	}
}

// scan compares the tree against the previous snapshot.
func (w *PollWatcher) scan(ctx context.Context, emit func(model.RawEvent)) {
	current := w.snapshot(ctx)
	if ctx.Err() != nil {
		return
	}
	now := timecache.CachedTime()

	for path, st := range current {
		prev, ok := w.seen[path]
		switch {
		case !ok:
			emit(model.RawEvent{Path: path, Kind: model.Created, Time: now})
		case prev.size != st.size || !prev.mtime.Equal(st.mtime):
			emit(model.RawEvent{Path: path, Kind: model.Modified, Time: now})
		}
	}
	for path := range w.seen {
		if _, ok := current[path]; !ok {
			emit(model.RawEvent{Path: path, Kind: model.Deleted, Time: now})
		}
	}
	w.seen = current
}

func (w *PollWatcher) snapshot(ctx context.Context) map[string]fileStamp {
	out := make(map[string]fileStamp)
	for _, r := range w.roots {
		_ = Walk(ctx, r, func(path string) error {
			info, err := os.Stat(path)
			if err != nil {
				return nil
			}
			out[path] = fileStamp{size: info.Size(), mtime: info.ModTime()}
			return nil
		})
	}
	return out
}
