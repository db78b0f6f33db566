package classify

import (
	"errors"
	"fmt"
)

// Kind identifies why a file could not be classified normally.
type Kind string

const (
	// Unreadable: the file vanished or became unreadable between settle
	// and read. Expected under churn; the event is dropped.
	Unreadable Kind = "unreadable"

	// Binary: content is not text and the file type is not on the
	// inspectable list. Only filename heuristics ran.
	Binary Kind = "binary"

	// DetectorFailure: every enabled detector failed.
	DetectorFailure Kind = "detector_failure"
)

// Error is a per-file classification error. It is never fatal to the pipeline.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classify %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("classify %s: %s", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a classification error of kind k.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}
