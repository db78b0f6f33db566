package audit

import (
	"time"

	"github.com/ppiankov/dlpwatch/internal/model"
)

// Delivery outcomes recorded for each classified event.
const (
	OutcomeEnqueued  = "enqueued"
	OutcomeDelivered = "delivered"
	OutcomeEvicted   = "evicted"
	OutcomeExpired   = "expired"
)

// AuditEntry is one line in the hash-chained JSONL audit log. It carries
// classification metadata only, never file content or finding samples.
// Fields are plain values so json.Marshal output is deterministic for
// hashing.
type AuditEntry struct {
	Timestamp  string   `json:"ts"`
	EventID    string   `json:"event_id"`
	Path       string   `json:"path"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories"`
	Severity   string   `json:"severity"`
	Outcome    string   `json:"outcome"`
	Reason     string   `json:"reason,omitempty"`
	PrevHash   string   `json:"prev_hash"`
}

// EntryFor builds an audit entry for a classified event.
func EntryFor(ev model.ClassifiedEvent, outcome, reason string) AuditEntry {
	cats := ev.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return AuditEntry{
		Timestamp:  time.Now().UTC().Format(TimestampFormat),
		EventID:    ev.ID,
		Path:       ev.Event.Path,
		Kind:       string(ev.Event.Kind),
		Categories: names,
		Severity:   string(ev.Severity),
		Outcome:    outcome,
		Reason:     reason,
	}
}
