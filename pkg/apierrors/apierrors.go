// Package apierrors defines the error taxonomy shared by the registry,
// lifecycle, state, and multiplexer components, and the conversions to gRPC
// status codes and HTTP status codes.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an Error for status-code translation.
type Kind string

const (
	NotFound         Kind = "NotFound"
	AlreadyExists     Kind = "AlreadyExists"
	PortConflict      Kind = "PortConflict"
	PortExhausted     Kind = "PortExhausted"
	CapacityExceeded  Kind = "CapacityExceeded"
	InvalidConfig     Kind = "InvalidConfig"
	Busy              Kind = "Busy"
	Unavailable       Kind = "Unavailable"
	DeadlineExceeded  Kind = "DeadlineExceeded"
	Internal          Kind = "Internal"
)

// Error is the single error type returned by every component in this
// module. Call sites that need kind-specific behavior use Kind() or As.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind of err, defaulting to Internal for errors that
// were not constructed by this package.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.kind
	}
	return Internal
}

// GRPCCode maps a Kind to the gRPC status code called for in the error
// handling design.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case NotFound:
		return codes.NotFound
	case AlreadyExists:
		return codes.AlreadyExists
	case PortConflict, PortExhausted, Busy:
		return codes.FailedPrecondition
	case CapacityExceeded:
		return codes.ResourceExhausted
	case InvalidConfig:
		return codes.InvalidArgument
	case Unavailable:
		return codes.Unavailable
	case DeadlineExceeded:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus maps a Kind to the HTTP status called for in the error
// handling design.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists:
		return http.StatusConflict
	case PortConflict, PortExhausted, CapacityExceeded:
		return http.StatusUnprocessableEntity
	case InvalidConfig:
		return http.StatusBadRequest
	case Busy:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToStatus converts err into a gRPC status. Internal-kind errors never leak
// their underlying message to the caller; the detail must already have been
// logged by the call site before returning.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return status.Error(codes.Internal, "internal error")
	}
	if apiErr.kind == Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(GRPCCode(apiErr.kind), apiErr.message)
}

// PublicMessage returns the message safe to show to an external caller,
// collapsing Internal-kind detail to a fixed string.
func PublicMessage(err error) string {
	if KindOf(err) == Internal {
		return "internal error"
	}
	return err.Error()
}
