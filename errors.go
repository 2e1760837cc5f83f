package virtgpu

import (
	"errors"
	"fmt"
)

// Broker error kinds. Every error returned by a Broker wraps exactly one of
// these sentinels; callers dispatch with errors.Is.
var (
	// ErrInvalidResourceID is returned when an operation names an unknown or
	// already destroyed resource id.
	ErrInvalidResourceID = errors.New("virtgpu: invalid resource id")

	// ErrInvalidContextID is returned when an operation names an unknown or
	// already destroyed context id.
	ErrInvalidContextID = errors.New("virtgpu: invalid context id")

	// ErrInvalidState is returned when an operation is not valid for the
	// current backing or context state (re-attaching a backing, destroying
	// a context with pending fences, unmapping without a mapping).
	ErrInvalidState = errors.New("virtgpu: operation not valid in current state")

	// ErrInvalidRegion is returned when a transfer box lies outside the
	// resource's declared bounds.
	ErrInvalidRegion = errors.New("virtgpu: transfer region out of bounds")

	// ErrUnsupportedCapset is returned when a context requests a capability
	// set the registry does not carry.
	ErrUnsupportedCapset = errors.New("virtgpu: unsupported capability set")

	// ErrUnsupported is returned when the active backend cannot express the
	// requested operation.
	ErrUnsupported = errors.New("virtgpu: operation not supported by active backend")

	// ErrBackendFailure is the kind wrapped by BackendError.
	ErrBackendFailure = errors.New("virtgpu: backend failure")

	// ErrMappingFailed is returned when a resource backing cannot be mapped
	// into host memory.
	ErrMappingFailed = errors.New("virtgpu: mapping failed")

	// ErrExportFailed is returned when handle export fails for a backing
	// kind that should support it.
	ErrExportFailed = errors.New("virtgpu: export failed")

	// ErrTimeout is returned by WaitFence when the timeout elapses before
	// the fence signals.
	ErrTimeout = errors.New("virtgpu: fence wait timed out")
)

// BackendError carries an opaque backend-reported diagnostic.
// It wraps ErrBackendFailure so callers can match the kind:
//
//	if errors.Is(err, virtgpu.ErrBackendFailure) { ... }
type BackendError struct {
	// Op is the broker operation during which the backend failed.
	Op string

	// Err is the underlying backend error.
	Err error
}

// Error returns the diagnostic string.
func (e *BackendError) Error() string {
	return fmt.Sprintf("virtgpu: backend failure during %s: %v", e.Op, e.Err)
}

// Unwrap reports this error as an ErrBackendFailure kind.
func (e *BackendError) Unwrap() []error {
	return []error{ErrBackendFailure, e.Err}
}

// backendErr wraps a backend-reported error into the broker taxonomy.
func backendErr(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}
