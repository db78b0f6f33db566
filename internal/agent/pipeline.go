package agent

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"

	"github.com/ppiankov/dlpwatch/internal/audit"
	"github.com/ppiankov/dlpwatch/internal/classify"
	"github.com/ppiankov/dlpwatch/internal/model"
	"github.com/ppiankov/dlpwatch/internal/queue"
	"github.com/ppiankov/dlpwatch/internal/watch"
)

// route receives raw events from the watch source. Rescans go to the
// rescan loop so the watcher never blocks on a directory walk.
func (h *Handle) route(ev model.RawEvent) {
	if ev.Kind != model.Rescan {
		h.deb.Add(ev)
		return
	}
	if !h.rescans.push(ev.Path) {
		h.log.Debug("rescan already pending, dropping request", "path", ev.Path)
	}
}

func (h *Handle) rescanLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.rescans.ready:
		}
		for {
			dir, ok := h.rescans.pop()
			if !ok || ctx.Err() != nil {
				break
			}
			h.rescan(ctx, dir)
		}
	}
}

// rescanQueue holds directories waiting for a walk, in request order. A
// directory is queued at most once until the loop picks it up.
type rescanQueue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]struct{}
	ready   chan struct{}
}

func newRescanQueue() *rescanQueue {
	return &rescanQueue{
		pending: make(map[string]struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// push queues dir and reports false when it is already pending.
func (q *rescanQueue) push(dir string) bool {
	q.mu.Lock()
	if _, dup := q.pending[dir]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[dir] = struct{}{}
	q.order = append(q.order, dir)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest pending directory. Once popped, a new request for
// the same directory queues another walk.
func (q *rescanQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return "", false
	}
	dir := q.order[0]
	q.order[0] = ""
	q.order = q.order[1:]
	delete(q.pending, dir)
	return dir, true
}

// rescan walks dir and feeds every file back through the debouncer as
// modified.
func (h *Handle) rescan(ctx context.Context, dir string) {
	root, ok := h.rootFor(dir)
	if !ok {
		return
	}
	h.rescanned.Add(1)
	mp := model.MonitoredPath{Path: dir, Recursive: root.Recursive, Exclude: root.Exclude}
	n := 0
	err := watch.Walk(ctx, mp, func(path string) error {
		h.deb.Add(model.RawEvent{Path: path, Kind: model.Modified, Time: timecache.CachedTime()})
		n++
		return nil
	})
	if err != nil && ctx.Err() == nil {
		h.log.Warn("rescan failed", "path", dir, "error", err)
		return
	}
	h.log.Info("rescanned directory", "path", dir, "files", n)
}

// rootFor returns the monitored root containing path, preferring the
// deepest one.
func (h *Handle) rootFor(path string) (model.MonitoredPath, bool) {
	var best model.MonitoredPath
	found := false
	for _, r := range h.roots {
		if path != r.Path && !strings.HasPrefix(path, r.Path+string(filepath.Separator)) {
			continue
		}
		if !found || len(r.Path) > len(best.Path) {
			best, found = r, true
		}
	}
	return best, found
}

// scanRoots feeds every existing file through the pipeline once at start.
func (h *Handle) scanRoots(ctx context.Context) {
	start := time.Now()
	n := 0
	for _, root := range h.roots {
		err := watch.Walk(ctx, root, func(path string) error {
			h.deb.Add(model.RawEvent{Path: path, Kind: model.Modified, Time: timecache.CachedTime()})
			n++
			return nil
		})
		if err != nil && ctx.Err() == nil {
			h.log.Warn("startup scan failed", "path", root.Path, "error", err)
		}
	}
	h.log.Info("startup scan queued", "files", n, "elapsed", time.Since(start).String())
}

// work classifies settled events until the debouncer closes its output.
func (h *Handle) work(ctx context.Context) {
	for ev := range h.deb.Events() {
		h.process(ctx, ev)
	}
}

// process handles one settled event. A panic is contained to the event and
// the path is always released back to the debouncer.
func (h *Handle) process(ctx context.Context, ev model.SettledEvent) {
	defer h.deb.Done(ev.Path)
	defer func() {
		if r := recover(); r != nil {
			h.panics.Add(1)
			h.log.Error("classification panicked", "path", ev.Path, "panic", r)
		}
	}()

	ce, ok := h.classifyEvent(ctx, ev)
	if !ok {
		return
	}
	h.enqueue(ce)
}

// classifyEvent runs the classifier and builds the report. ok is false
// when the event produces no report.
func (h *Handle) classifyEvent(ctx context.Context, ev model.SettledEvent) (model.ClassifiedEvent, bool) {
	if !h.cls.Accepts(ev.Path) {
		h.ignored.Add(1)
		return model.ClassifiedEvent{}, false
	}

	res, err := h.cls.Classify(ctx, ev)
	switch {
	case err == nil:
	case classify.IsKind(err, classify.Unreadable):
		h.unreadable.Add(1)
		h.log.Debug("file unreadable, dropping event", "path", ev.Path, "error", err)
		return model.ClassifiedEvent{}, false
	case classify.IsKind(err, classify.Binary):
		h.binary.Add(1)
		if len(res.Findings) == 0 {
			return model.ClassifiedEvent{}, false
		}
	case classify.IsKind(err, classify.DetectorFailure):
		h.detectorFailures.Add(1)
		h.log.Warn("all detectors failed, dropping event", "path", ev.Path, "error", err)
		return model.ClassifiedEvent{}, false
	default:
		if ctx.Err() == nil {
			h.log.Warn("classification failed", "path", ev.Path, "error", err)
		}
		return model.ClassifiedEvent{}, false
	}

	if res.Skipped != "" {
		h.skipped.Add(1)
		return model.ClassifiedEvent{}, false
	}
	h.classified.Add(1)
	if len(res.Degraded) > 0 {
		h.degraded.Add(1)
	}
	if len(res.Findings) == 0 {
		h.clean.Add(1)
		if !h.cfg.ReportClean {
			return model.ClassifiedEvent{}, false
		}
	}

	settled := ev
	if res.Size > 0 {
		settled.Size = res.Size
	}
	var degraded []string
	for _, f := range res.Degraded {
		degraded = append(degraded, f.Detector)
	}

	return model.ClassifiedEvent{
		ID:            uuid.NewString(),
		Event:         settled,
		Findings:      res.Findings,
		Degraded:      degraded,
		Hash:          res.Hash,
		Truncated:     res.Truncated,
		Severity:      model.SeverityFor(res.Findings),
		AgentID:       h.cfg.AgentID,
		AgentName:     h.id.AgentName,
		SchemaVersion: model.SchemaVersion,
		ClassifiedAt:  time.Now().UTC(),
	}, true
}

// enqueue hands a report to the delivery queue and records evictions.
func (h *Handle) enqueue(ce model.ClassifiedEvent) {
	evicted := h.queue.Enqueue(ce)
	h.recordAudit(ce, audit.OutcomeEnqueued, "")
	if len(ce.Findings) > 0 {
		h.log.Info("sensitive data detected",
			"path", ce.Event.Path,
			"kind", string(ce.Event.Kind),
			"severity", string(ce.Severity),
			"findings", len(ce.Findings))
	}
	if evicted != nil {
		h.log.Warn("delivery queue full, evicted oldest report",
			"event_id", evicted.ID,
			"path", evicted.Event.Event.Path,
			"capacity", h.queue.Capacity())
		h.recordAudit(evicted.Event, audit.OutcomeEvicted, "queue full")
	}
}

func (h *Handle) onDelivered(e queue.Entry) {
	h.recordAudit(e.Event, audit.OutcomeDelivered, "")
}

func (h *Handle) onExpired(e queue.Entry, err error) {
	h.recordAudit(e.Event, audit.OutcomeExpired, err.Error())
}

func (h *Handle) recordAudit(ev model.ClassifiedEvent, outcome, reason string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.RecordEvent(ev, outcome, reason); err != nil {
		h.log.Warn("audit write failed", "event_id", ev.ID, "error", err)
	}
}
