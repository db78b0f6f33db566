package report

import (
	"errors"
	"fmt"
)

// Kind classifies a failed delivery.
type Kind string

const (
	// Transport: the request never produced a response.
	Transport Kind = "transport"
	// ServerRejected: the server answered with a non-2xx status.
	ServerRejected Kind = "server_rejected"
)

// DeliveryError is a failed report attempt. It triggers retry and backoff
// and is never fatal.
type DeliveryError struct {
	Kind   Kind
	Status int // HTTP status for ServerRejected
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Kind == ServerRejected:
		return fmt.Sprintf("delivery rejected: HTTP %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("delivery failed: %v", e.Err)
	default:
		return "delivery failed"
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsKind reports whether err is a delivery error of kind k.
func IsKind(err error, k Kind) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == k
}
