package adapter

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrForbidden is returned when the provider refuses the operation,
	// e.g. downloading a native document or missing permission.
	ErrForbidden = errors.New("operation forbidden by provider")

	// ErrNotAuthenticated is returned when no valid credentials are available.
	ErrNotAuthenticated = errors.New("drive provider not authenticated")
)

// TransportError is a failed provider call. It is reported to the caller
// and never retried by the core.
type TransportError struct {
	Op   string
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("drive %s: HTTP %d: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("drive %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
