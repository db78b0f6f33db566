package model

import "time"

// EventKind is the normalized kind of a filesystem event.
type EventKind string

const (
	Created   EventKind = "created"
	Modified  EventKind = "modified"
	MovedFrom EventKind = "moved_from"
	MovedTo   EventKind = "moved_to"
	Deleted   EventKind = "deleted"

	// Moved is only produced by the debouncer after pairing MovedFrom/MovedTo.
	Moved EventKind = "moved"

	// Rescan asks the pipeline to re-walk a directory after the
	// notification source overflowed.
	Rescan EventKind = "rescan"
)

// RawEvent is a single normalized notification from the watcher.
type RawEvent struct {
	Path string
	Kind EventKind
	// From is the old name of a MovedTo when the backend linked both halves
	// of the rename. Empty otherwise.
	From string
	Time time.Time
}

// SettledEvent is the net effect of a burst of raw events on one path,
// emitted once the path has been quiet for the settle window.
type SettledEvent struct {
	Path string    `json:"path"`
	From string    `json:"from,omitempty"` // set for Moved
	Kind EventKind `json:"kind"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}
