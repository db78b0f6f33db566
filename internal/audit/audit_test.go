package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEntry(outcome string) AuditEntry {
	return AuditEntry{
		Timestamp:  time.Now().UTC().Format(TimestampFormat),
		EventID:    "evt-1",
		Path:       "/data/report.csv",
		Kind:       "created",
		Categories: []string{"credit_card"},
		Severity:   "critical",
		Outcome:    outcome,
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 5; i++ {
		if err := l.Record(testEntry(OutcomeEnqueued)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestRecordEventCarriesMetadataOnly(t *testing.T) {
	l, path := newTestLog(t)
	ev := model.ClassifiedEvent{
		ID:    "evt-9",
		Event: model.SettledEvent{Path: "/data/keys.txt", Kind: model.Modified},
		Findings: []model.Finding{
			{Category: model.CategoryAPIKey, Sample: "************WXYZ"},
			{Category: model.CategoryEmail, Sample: "a***@corp.example"},
		},
		Severity: model.SevHigh,
	}
	if err := l.RecordEvent(ev, OutcomeDelivered, ""); err != nil {
		t.Fatal(err)
	}
	l.Close()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "WXYZ") || strings.Contains(string(data), "corp.example") {
		t.Error("audit line must not contain finding samples")
	}
	var entry AuditEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.EventID != "evt-9" || entry.Outcome != OutcomeDelivered || entry.Kind != "modified" {
		t.Errorf("entry = %+v", entry)
	}
	if len(entry.Categories) != 2 || entry.Severity != "high" {
		t.Errorf("categories/severity = %v/%s", entry.Categories, entry.Severity)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		if err := l.Record(testEntry(OutcomeEnqueued)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	l.Close()

	// Tamper: downgrade the outcome in line 2.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"critical"`, `"low"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)
	for i := 0; i < 3; i++ {
		l.Record(testEntry(OutcomeEnqueued))
	}
	l.Close()

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0600)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsBadGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	e := testEntry(OutcomeEnqueued)
	e.PrevHash = "sha256:fake"
	line, _ := json.Marshal(e)
	os.WriteFile(path, append(line, '\n'), 0600)

	result := Verify(path)
	if result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected genesis failure on line 1, got %+v", result)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.jsonl")
	os.WriteFile(path, []byte("not json\n"), 0600)
	if result := Verify(path); result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected parse error, got %+v", result)
	}
	if result := Verify(filepath.Join(t.TempDir(), "missing.jsonl")); result.Valid {
		t.Fatal("missing file must not verify")
	}
}

func TestVerifyCountsOutcomes(t *testing.T) {
	l, path := newTestLog(t)
	record := func(id, outcome string) {
		e := testEntry(outcome)
		e.EventID = id
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	record("evt-a", OutcomeEnqueued)
	record("evt-b", OutcomeEnqueued)
	record("evt-a", OutcomeDelivered)
	record("evt-c", OutcomeExpired)
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Outcomes[OutcomeEnqueued] != 2 || result.Outcomes[OutcomeDelivered] != 1 {
		t.Errorf("outcomes = %v", result.Outcomes)
	}
	if result.Pending != 1 {
		t.Errorf("pending = %d, want 1", result.Pending)
	}
	if result.Orphaned != 1 {
		t.Errorf("orphaned = %d, want 1", result.Orphaned)
	}
}

func TestVerifyRejectsUnknownOutcome(t *testing.T) {
	l, path := newTestLog(t)
	l.Record(testEntry(OutcomeEnqueued))
	l.Record(testEntry("shredded"))
	l.Close()

	result := Verify(path)
	if result.Valid || result.ErrorLine != 2 {
		t.Fatalf("expected unknown outcome at line 2, got %+v", result)
	}
	if !strings.Contains(result.Error, "unknown outcome") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0600)

	result := Verify(path)
	if !result.Valid || result.Lines != 0 {
		t.Fatalf("expected empty log to be valid, got %+v", result)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(testEntry(OutcomeDelivered))
		}()
	}
	wg.Wait()
	l.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Record(testEntry(OutcomeEnqueued))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Record(testEntry(OutcomeDelivered))
	}
	l2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"ts":"2026-01-15T10:30:00.000Z","event_id":"e","outcome":"enqueued","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	if h1 != HashLine(line) {
		t.Fatal("hash not deterministic")
	}
	if !strings.HasPrefix(h1, "sha256:") || len(h1) != 7+64 {
		t.Fatalf("unexpected hash format %s", h1)
	}
	if HashLine([]byte("a")) == HashLine([]byte("b")) {
		t.Fatal("expected different hashes for different inputs")
	}
}

func writeReplayLog(t *testing.T) string {
	t.Helper()
	l, path := newTestLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []AuditEntry{
		{EventID: "1", Path: "/data/a.csv", Outcome: OutcomeEnqueued, Severity: "critical", Categories: []string{"credit_card"}},
		{EventID: "1", Path: "/data/a.csv", Outcome: OutcomeDelivered, Severity: "critical", Categories: []string{"credit_card"}},
		{EventID: "2", Path: "/home/u/b.txt", Outcome: OutcomeEnqueued, Severity: "medium", Categories: []string{"email"}},
		{EventID: "2", Path: "/home/u/b.txt", Outcome: OutcomeExpired, Severity: "medium", Categories: []string{"email"}},
		{EventID: "3", Path: "/data/c.env", Outcome: OutcomeEnqueued, Severity: "high", Categories: []string{"api_key", "password"}},
		{EventID: "3", Path: "/data/c.env", Outcome: OutcomeEvicted, Severity: "high", Categories: []string{"api_key", "password"}},
	}
	for i, e := range entries {
		e.Timestamp = base.Add(time.Duration(i) * time.Minute).Format(TimestampFormat)
		if err := l.Record(e); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()
	return path
}

func TestReplaySummary(t *testing.T) {
	path := writeReplayLog(t)
	res, err := Replay(path, ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	s := res.Summary
	if s.Total != 6 || s.Outcomes[OutcomeEnqueued] != 3 || s.Outcomes[OutcomeExpired] != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.Categories["credit_card"] != 1 || s.Categories["api_key"] != 1 || s.Critical != 1 {
		t.Errorf("categories counted once per event: %+v", s.Categories)
	}
	if s.FirstTimestamp != "2026-03-01T12:00:00.000Z" || s.LastTimestamp != "2026-03-01T12:05:00.000Z" {
		t.Errorf("timestamps = %s..%s", s.FirstTimestamp, s.LastTimestamp)
	}
}

func TestReplayFilters(t *testing.T) {
	path := writeReplayLog(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		filter ReplayFilter
		want   int
	}{
		{"outcome", ReplayFilter{Outcome: "DELIVERED"}, 1},
		{"path prefix", ReplayFilter{PathPrefix: "/data/"}, 4},
		{"from", ReplayFilter{From: base.Add(3 * time.Minute)}, 3},
		{"to", ReplayFilter{To: base.Add(time.Minute)}, 2},
		{"range", ReplayFilter{From: base.Add(time.Minute), To: base.Add(2 * time.Minute)}, 2},
		{"none", ReplayFilter{Outcome: "unknown"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Replay(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(res.Entries), tt.want)
			}
		})
	}
}

func TestFormatTimeline(t *testing.T) {
	res, err := Replay(writeReplayLog(t), ReplayFilter{})
	if err != nil {
		t.Fatal(err)
	}
	out := FormatTimeline(res)
	for _, want := range []string{"Audit: 2026-03-01 12:00:00", "DELIVERED", "/data/a.csv", "credit_card", "Summary: 3 enqueued, 1 delivered, 1 evicted, 1 expired", "Critical: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("timeline missing %q:\n%s", want, out)
		}
	}

	if got := FormatTimeline(&ReplayResult{}); got != "No entries found.\n" {
		t.Errorf("empty timeline = %q", got)
	}

	js, err := FormatJSON(res)
	if err != nil {
		t.Fatal(err)
	}
	var back ReplayResult
	if err := json.Unmarshal([]byte(js), &back); err != nil {
		t.Fatalf("FormatJSON produced invalid JSON: %v", err)
	}
}

func FuzzVerify(f *testing.F) {
	dir := f.TempDir()
	valid := filepath.Join(dir, "valid.jsonl")
	l, err := Open(valid)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l.Record(testEntry(OutcomeEnqueued))
	}
	l.Close()
	data, _ := os.ReadFile(valid)
	f.Add(data)
	f.Add([]byte{})
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		p := filepath.Join(t.TempDir(), "fuzz.jsonl")
		os.WriteFile(p, data, 0600)
		Verify(p)
	})
}
