package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseNotFound indicates no active lease exists for the relay key.
	ErrLeaseNotFound = errors.New("escrow: lease not found")
	// ErrClientClosed indicates the client was used after Close.
	ErrClientClosed = errors.New("escrow: client closed")
)

// StatusError preserves the HTTP status and parsed error body of a non-2xx
// escrow response.
type StatusError struct {
	Code int
	Slug string
	Body []byte
}

func (e *StatusError) Error() string {
	if e.Slug != "" {
		return fmt.Sprintf("escrow: http %d (%s)", e.Code, e.Slug)
	}
	return fmt.Sprintf("escrow: http %d", e.Code)
}

// Transient reports whether the failure is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == 429
}
