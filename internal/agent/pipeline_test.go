package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

func TestRescanQueueDropsOnlyExactDuplicates(t *testing.T) {
	q := newRescanQueue()
	for _, dir := range []string{"/a", "/b", "/a", "/c", "/b"} {
		q.push(dir)
	}

	var got []string
	for {
		dir, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, dir)
	}
	want := []string{"/a", "/b", "/c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}

	// A popped directory can be queued again.
	if !q.push("/a") {
		t.Error("push after pop was treated as a duplicate")
	}
	if q.push("/a") {
		t.Error("second pending push was accepted")
	}
}

func TestRescanBurstReachesEveryDirectory(t *testing.T) {
	srv := newFakeServer(t)
	root := t.TempDir()
	h := startAgent(t, testConfig(t, srv.URL, root))

	// More distinct directories than a per-root buffer would hold.
	const dirs = 40
	for i := range dirs {
		dir := filepath.Join(root, fmt.Sprintf("d%02d", i))
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for i := range dirs {
		dir := filepath.Join(root, fmt.Sprintf("d%02d", i))
		h.route(model.RawEvent{Path: dir, Kind: model.Rescan, Time: time.Now()})
		h.route(model.RawEvent{Path: dir, Kind: model.Rescan, Time: time.Now()})
	}

	waitFor(t, 3*time.Second, "every directory rescanned", func() bool {
		return h.Stats().Rescans >= dirs
	})
}
