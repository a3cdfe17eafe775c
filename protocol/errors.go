package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of protocol failure kinds. The string
// value is the wire code carried in task_error payloads.
type ErrorKind string

const (
	KindInvalidSignature     ErrorKind = "INVALID_SIGNATURE"
	KindInvalidMessageFormat ErrorKind = "INVALID_MESSAGE_FORMAT"
	KindCapabilityNotFound   ErrorKind = "CAPABILITY_NOT_FOUND"
	KindAgentNotFound        ErrorKind = "AGENT_NOT_FOUND"
	KindConfigError          ErrorKind = "CONFIG_ERROR"
	KindInvalidParameters    ErrorKind = "INVALID_PARAMETERS"
	KindProcessingFailed     ErrorKind = "PROCESSING_FAILED"
	KindRateLimited          ErrorKind = "RATE_LIMITED"
	KindResourceUnavailable  ErrorKind = "RESOURCE_UNAVAILABLE"
)

// HTTPStatus returns the transport status suggested for the kind. The
// core never performs transport I/O itself; this is advisory for the
// HTTP binding.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidSignature:
		return http.StatusUnauthorized
	case KindInvalidMessageFormat, KindInvalidParameters:
		return http.StatusBadRequest
	case KindCapabilityNotFound, KindAgentNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindResourceUnavailable:
		return http.StatusServiceUnavailable
	case KindConfigError, KindProcessingFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a protocol failure with a kind from the closed taxonomy.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Errors that are not protocol
// errors are reported as ProcessingFailed.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProcessingFailed
}

// IsKind reports whether err is a protocol error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
