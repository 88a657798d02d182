package service

import "fmt"

// The error types below form the request-level taxonomy. They are produced
// here and translated into status codes and `{error, details?}` bodies at
// the HTTP boundary; nothing in this package writes responses.

// ValidationError reports invalid client input (missing image, bad MIME
// type, non-positive expected count, blank identifier).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NormalizationError reports an image that could not be decoded or
// re-encoded into the canonical form.
type NormalizationError struct {
	Err error
}

func (e *NormalizationError) Error() string { return "normalize image: " + e.Err.Error() }
func (e *NormalizationError) Unwrap() error { return e.Err }

// UpstreamError reports a failed detection call: unreachable service,
// timeout, non-2xx status or an unparseable body.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "detection service: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// StorageError reports a blob upload or signed-URL failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// PersistenceError reports a failed database operation.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "results store: " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown or expired proposal reference.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }
