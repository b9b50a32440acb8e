package backend

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors returned (wrapped, with a stack trace) by backends and the scheduler.
// Check for them with errors.Is, or convert to a Status with StatusOf.
var (
	// ErrUnsupported is returned when no backend supports an operation or buffer type
	// required by a graph. It is fatal for that graph: nothing was computed.
	ErrUnsupported = stderrors.New("operation not supported by any backend")

	// ErrAllocFailed is returned when a buffer (or a work buffer) could not be allocated or grown.
	// The object that returned it remains usable for smaller graphs.
	ErrAllocFailed = stderrors.New("allocation failed")

	// ErrAborted is returned when the computation was cancelled by a callback or a context.
	// Outputs of nodes that completed before the abort remain valid.
	ErrAborted = stderrors.New("computation aborted")

	// ErrMisuse is returned when the API is used out of order, e.g. changing the assignment of a
	// tensor to a backend without resetting the scheduler first.
	ErrMisuse = stderrors.New("invalid use of the API")
)

// Status is the coarse result of a computation, as seen by callers that only need a code.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusAllocFailed
	StatusAborted
)

var statusNames = [...]string{
	StatusSuccess:     "success",
	StatusFailed:      "failed",
	StatusAllocFailed: "alloc_failed",
	StatusAborted:     "aborted",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// StatusOf converts an error returned by a compute call to a Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case stderrors.Is(err, ErrAborted):
		return StatusAborted
	case stderrors.Is(err, ErrAllocFailed):
		return StatusAllocFailed
	default:
		return StatusFailed
	}
}
