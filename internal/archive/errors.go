package archive

import (
	"errors"
	"fmt"
)

// ErrTraversalLimit is returned when a folder walk exceeds the depth or node
// ceiling.
var ErrTraversalLimit = errors.New("folder traversal limit exceeded")

// ItemFetchError is the recorded reason for one failed archive item.
type ItemFetchError struct {
	FileID string
	Op     string
	Err    error
}

func (e *ItemFetchError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.FileID, e.Err)
}

func (e *ItemFetchError) Unwrap() error { return e.Err }

// UploadError means the archive was not created at the provider.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// PermissionGrantError means the archive was created but is not public.
type PermissionGrantError struct {
	FileID string
	Err    error
}

func (e *PermissionGrantError) Error() string {
	return fmt.Sprintf("archive %s created but not public: %v", e.FileID, e.Err)
}

func (e *PermissionGrantError) Unwrap() error { return e.Err }
