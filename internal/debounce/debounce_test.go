package debounce

import (
	"context"
	"testing"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

const testWindow = 50 * time.Millisecond

func startDebouncer(t *testing.T) (*Debouncer, context.CancelFunc) {
	t.Helper()
	d := New(testWindow, WithSizeFunc(func(string) int64 { return 42 }))
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return d, cancel
}

func raw(path string, kind model.EventKind) model.RawEvent {
	return model.RawEvent{Path: path, Kind: kind, Time: time.Now()}
}

func moved(from, to string) model.RawEvent {
	return model.RawEvent{Path: to, Kind: model.MovedTo, From: from, Time: time.Now()}
}

// collect reads settled events until none arrive for quiet.
func collect(d *Debouncer, quiet time.Duration) []model.SettledEvent {
	var out []model.SettledEvent
	for {
		select {
		case ev, ok := <-d.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(quiet):
			return out
		}
	}
}

func TestBurstYieldsSingleEvent(t *testing.T) {
	d, _ := startDebouncer(t)

	d.Add(raw("/data/a.txt", model.Created))
	for i := 0; i < 20; i++ {
		d.Add(raw("/data/a.txt", model.Modified))
	}

	got := collect(d, 4*testWindow)
	if len(got) != 1 {
		t.Fatalf("expected 1 settled event, got %d: %v", len(got), got)
	}
	if got[0].Kind != model.Created {
		t.Errorf("kind = %s, want created", got[0].Kind)
	}
	if got[0].Size != 42 {
		t.Errorf("size = %d, want 42", got[0].Size)
	}
	if s := d.Stats(); s.Raw != 21 || s.Settled != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNetEffect(t *testing.T) {
	tests := []struct {
		name  string
		kinds []model.EventKind
		want  model.EventKind // empty means no event
	}{
		{"modified", []model.EventKind{model.Modified, model.Modified}, model.Modified},
		{"created then deleted", []model.EventKind{model.Created, model.Modified, model.Deleted}, ""},
		{"deleted then created", []model.EventKind{model.Deleted, model.Created}, model.Modified},
		{"deleted", []model.EventKind{model.Modified, model.Deleted}, ""},
		{"created deleted created", []model.EventKind{model.Created, model.Deleted, model.Created}, model.Created},
		{"unmatched moved to", []model.EventKind{model.MovedTo}, model.Created},
		{"unmatched moved from", []model.EventKind{model.MovedFrom}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := startDebouncer(t)
			for _, k := range tt.kinds {
				d.Add(raw("/data/f", k))
			}
			got := collect(d, 4*testWindow)
			if tt.want == "" {
				if len(got) != 0 {
					t.Fatalf("expected no event, got %v", got)
				}
				return
			}
			if len(got) != 1 || got[0].Kind != tt.want {
				t.Fatalf("got %v, want one %s", got, tt.want)
			}
		})
	}
}

func TestCreatedThenDeletedCountsCancelled(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/tmp", model.Created))
	d.Add(raw("/data/tmp", model.Deleted))
	if got := collect(d, 4*testWindow); len(got) != 0 {
		t.Fatalf("expected nothing, got %v", got)
	}
	if s := d.Stats(); s.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", s.Cancelled)
	}
}

func TestMovePairing(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/old.csv", model.MovedFrom))
	d.Add(moved("/data/old.csv", "/data/new.csv"))

	got := collect(d, 4*testWindow)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %v", got)
	}
	ev := got[0]
	if ev.Kind != model.Moved || ev.From != "/data/old.csv" || ev.Path != "/data/new.csv" {
		t.Errorf("got %+v", ev)
	}
	if d.Stats().Paired != 1 {
		t.Error("expected one paired move")
	}
}

func TestMoveThenModifyStaysMoved(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a", model.MovedFrom))
	d.Add(moved("/data/a", "/data/b"))
	d.Add(raw("/data/b", model.Modified))

	got := collect(d, 4*testWindow)
	if len(got) != 1 || got[0].Kind != model.Moved || got[0].From != "/data/a" {
		t.Fatalf("got %v", got)
	}
}

func TestMoveChainKeepsFirstSource(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a", model.MovedFrom))
	d.Add(moved("/data/a", "/data/b"))
	d.Add(raw("/data/b", model.MovedFrom))
	d.Add(moved("/data/b", "/data/c"))

	got := collect(d, 4*testWindow)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %v", got)
	}
	if got[0].Path != "/data/c" || got[0].From != "/data/a" {
		t.Errorf("got %+v", got[0])
	}
}

func TestTempFileRenameIsCreate(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/doc.tmp", model.Created))
	d.Add(raw("/data/doc.tmp", model.Modified))
	d.Add(raw("/data/doc.tmp", model.MovedFrom))
	d.Add(moved("/data/doc.tmp", "/data/doc.txt"))

	got := collect(d, 4*testWindow)
	if len(got) != 1 || got[0].Kind != model.Created || got[0].Path != "/data/doc.txt" {
		t.Fatalf("got %v", got)
	}
}

func TestMoveAcrossDirectories(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/inbox/q3.csv", model.MovedFrom))
	d.Add(moved("/data/inbox/q3.csv", "/data/archive/q3.csv"))

	got := collect(d, 4*testWindow)
	if len(got) != 1 || got[0].Kind != model.Moved || got[0].From != "/data/inbox/q3.csv" {
		t.Fatalf("got %v", got)
	}
}

func TestMoveOutThenUnrelatedCreate(t *testing.T) {
	d, _ := startDebouncer(t)
	// old.csv left the monitored tree; fresh.csv is a new file that happens
	// to appear right after.
	d.Add(raw("/data/old.csv", model.MovedFrom))
	d.Add(raw("/data/fresh.csv", model.Created))
	d.Add(raw("/data/fresh.csv", model.Modified))

	got := collect(d, 4*testWindow)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %v", got)
	}
	if got[0].Path != "/data/fresh.csv" || got[0].Kind != model.Created || got[0].From != "" {
		t.Errorf("got %+v, want plain created", got[0])
	}
	if d.Stats().Paired != 0 {
		t.Error("unrelated create was paired with a departed file")
	}
}

func TestMovedToWithOtherSourceNotPaired(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a.csv", model.MovedFrom))
	d.Add(moved("/outside/x.csv", "/data/b.csv"))

	got := collect(d, 4*testWindow)
	if len(got) != 1 || got[0].Path != "/data/b.csv" || got[0].Kind != model.Created {
		t.Fatalf("got %v, want only /data/b.csv created", got)
	}
}

func TestIndependentPaths(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a", model.Created))
	d.Add(raw("/data/b", model.Modified))
	d.Add(raw("/data/a", model.Modified))

	got := collect(d, 4*testWindow)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %v", got)
	}
	kinds := map[string]model.EventKind{}
	for _, ev := range got {
		kinds[ev.Path] = ev.Kind
	}
	if kinds["/data/a"] != model.Created || kinds["/data/b"] != model.Modified {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestInflightPathWaitsForDone(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a", model.Modified))

	first := collect(d, 4*testWindow)
	if len(first) != 1 {
		t.Fatalf("expected first event, got %v", first)
	}

	// Changes during processing are held until Done.
	d.Add(raw("/data/a", model.Modified))
	if got := collect(d, 4*testWindow); len(got) != 0 {
		t.Fatalf("in-flight path emitted again: %v", got)
	}

	d.Done("/data/a")
	second := collect(d, 4*testWindow)
	if len(second) != 1 || second[0].Kind != model.Modified {
		t.Fatalf("expected re-armed event after Done, got %v", second)
	}
}

func TestDoneWithoutNewEventsIsQuiet(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data/a", model.Created))
	if got := collect(d, 4*testWindow); len(got) != 1 {
		t.Fatalf("got %v", got)
	}
	d.Done("/data/a")
	d.Done("/data/unknown")
	if got := collect(d, 4*testWindow); len(got) != 0 {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestDeadlineExtendsOnActivity(t *testing.T) {
	d, _ := startDebouncer(t)
	stop := time.Now().Add(3 * testWindow)
	for time.Now().Before(stop) {
		d.Add(raw("/data/busy", model.Modified))
		time.Sleep(testWindow / 5)
	}
	// The path kept changing faster than the window, so one event total.
	got := collect(d, 4*testWindow)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
}

func TestStopDiscardsPending(t *testing.T) {
	d, cancel := startDebouncer(t)
	d.Add(raw("/data/a", model.Created))
	time.Sleep(testWindow / 5)
	cancel()

	var got []model.SettledEvent
	for ev := range d.Events() {
		got = append(got, ev)
	}
	if len(got) != 0 {
		t.Fatalf("pending event emitted after stop: %v", got)
	}

	// Add and Done must not block once stopped.
	done := make(chan struct{})
	go func() {
		d.Add(raw("/data/b", model.Created))
		d.Done("/data/a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked after stop")
	}
}

func TestRescanIgnored(t *testing.T) {
	d, _ := startDebouncer(t)
	d.Add(raw("/data", model.Rescan))
	if got := collect(d, 4*testWindow); len(got) != 0 {
		t.Fatalf("rescan must not be debounced, got %v", got)
	}
	if d.Stats().Raw != 0 {
		t.Error("rescan counted as raw event")
	}
}

func TestDefaultWindow(t *testing.T) {
	if New(0).Window() != DefaultWindow {
		t.Error("zero window should use default")
	}
}
