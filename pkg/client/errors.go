package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrService matches every failed request to the batch service,
	// transport failures included.
	ErrService = errors.New("batch service error")
	// ErrNotFound additionally matches service errors with status 404.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition marks programming errors: reading a status that was
	// never fetched or using a handle after Delete.
	ErrPrecondition = errors.New("precondition violated")
	// ErrInvalidOptions is returned when job options cannot form a spec.
	ErrInvalidOptions = errors.New("invalid job options")
)

var (
	errNoStatus = fmt.Errorf("%w: status has not been fetched", ErrPrecondition)
	errDeleted  = fmt.Errorf("%w: job handle has been deleted", ErrPrecondition)
)

// ServiceError describes a failed request to the batch service.
type ServiceError struct {
	Op         string // client operation, e.g. "get job"
	Method     string
	URL        string
	StatusCode int    // 0 for transport failures
	Message    string // error message reported by the service
	Cause      error  // transport or decoding error, if any
}

// Error returns the human-readable error message.
func (e *ServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Cause)
	}
}

// Unwrap exposes the classification sentinels and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	errs := []error{ErrService}
	if e.StatusCode == http.StatusNotFound {
		errs = append(errs, ErrNotFound)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
