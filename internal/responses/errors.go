package responses

import (
	"errors"
	"fmt"
)

// Reasons reported by Cancel and used as error codes by the HTTP layer.
const (
	ReasonNotFound          = "not_found"
	ReasonAlreadyProcessing = "already_processing"
	ReasonStoreUnavailable  = "store_unavailable"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// NotFoundError is returned for request ids the queue does not know.
type NotFoundError struct {
	RequestID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("request %s not found", e.RequestID)
}

// Code returns the machine-readable reason.
func (e *NotFoundError) Code() string { return ReasonNotFound }

// AlreadyProcessingError is returned when cancelling a job that a worker has
// already picked up or finished.
type AlreadyProcessingError struct {
	RequestID string
	State     string
}

func (e *AlreadyProcessingError) Error() string {
	return fmt.Sprintf("request %s is already %s and cannot be cancelled", e.RequestID, e.State)
}

// Code returns the machine-readable reason.
func (e *AlreadyProcessingError) Code() string { return ReasonAlreadyProcessing }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsAlreadyProcessing reports whether err is an AlreadyProcessingError.
func IsAlreadyProcessing(err error) bool {
	var e *AlreadyProcessingError
	return errors.As(err, &e)
}
