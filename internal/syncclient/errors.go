package syncclient

import (
	"encoding/json"
	"fmt"
)

// ConflictError reports a failed precondition: the resource changed
// underneath the caller's cached ETag. It is a control-flow signal, not
// a terminal failure — the caller must reload and re-decide, never
// blindly resubmit.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("syncclient: precondition failed for %s, resource was modified", e.Path)
}

// DuplicateRequestError reports a reused idempotency key. The embedded
// original result is authoritative; the caller must adopt it as the
// outcome of the request instead of resubmitting.
type DuplicateRequestError struct {
	Path           string
	OriginalResult json.RawMessage
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("syncclient: idempotency key already used for %s", e.Path)
}

// TransientNetworkError reports that every allowed attempt failed with
// a retryable status or a transport failure.
type TransientNetworkError struct {
	Path       string
	Attempts   int
	LastStatus int
	cause      error
}

func (e *TransientNetworkError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("syncclient: %s failed after %d attempts: %v", e.Path, e.Attempts, e.cause)
	}
	return fmt.Sprintf("syncclient: %s failed after %d attempts, last status %d", e.Path, e.Attempts, e.LastStatus)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.cause
}

// ValidationError reports a non-retryable client error other than a
// conflict or a duplicate submission.
type ValidationError struct {
	Path   string
	Status int
	Body   json.RawMessage
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("syncclient: %s rejected with status %d", e.Path, e.Status)
}
