// Package errors defines the error taxonomy shared by the query path, the
// HTTP API and the ingest wire protocol.
//
// Every failure a client can see maps to one sentinel. Kind returns its
// name, ErrorToCode its wire code and HTTPStatus its HTTP status.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Wire protocol error codes.
const (
	CodeUnknown             int32 = 1
	CodeInvalidRequest      int32 = 4
	CodeNotFound            int32 = 5
	CodeInternal            int32 = 7
	CodeTimeout             int32 = 13
	CodeRequestTooLarge     int32 = 14
	CodeUpstreamUnavailable int32 = 15
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	case CodeRequestTooLarge:
		return "RequestTooLarge"
	case CodeUpstreamUnavailable:
		return "UpstreamUnavailable"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

var (
	// ErrNotFound: unknown server or monitor.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest: malformed or out-of-range parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRequestTooLarge: the window or row count exceeds configured limits.
	ErrRequestTooLarge = errors.New("request too large")

	// ErrTimeout: the operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrUpstreamUnavailable: the sample store or upstream API failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInternal: anything else.
	ErrInternal = errors.New("internal error")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidSample = errors.New("invalid sample")
	ErrClosed        = errors.New("closed")
)

// New is a convenience wrapper for errors.New
var New = errors.New

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidSample)
}

// IsTimeout returns true for ErrTimeout and context deadline errors.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return IsTimeout(err) || errors.Is(err, ErrUpstreamUnavailable)
}

// ErrorToCode maps an error to its wire protocol code.
func ErrorToCode(err error) int32 {
	switch {
	case err == nil:
		return CodeUnknown
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrRequestTooLarge):
		return CodeRequestTooLarge
	case IsValidation(err):
		return CodeInvalidRequest
	case IsTimeout(err):
		return CodeTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return CodeUpstreamUnavailable
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code back to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeNotFound:
		return ErrNotFound
	case CodeTimeout:
		return ErrTimeout
	case CodeRequestTooLarge:
		return ErrRequestTooLarge
	case CodeUpstreamUnavailable:
		return ErrUpstreamUnavailable
	default:
		return ErrInternal
	}
}

// Kind returns the taxonomy name of err, as used in API error bodies.
func Kind(err error) string {
	code := ErrorToCode(err)
	if code == CodeUnknown {
		return ""
	}
	return CodeName(code)
}

// KindToError maps a kind name back to its sentinel.
func KindToError(kind string) error {
	for _, code := range []int32{CodeInvalidRequest, CodeNotFound, CodeTimeout, CodeRequestTooLarge, CodeUpstreamUnavailable} {
		if CodeName(code) == kind {
			return CodeToError(code)
		}
	}
	return ErrInternal
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch ErrorToCode(err) {
	case CodeUnknown:
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewInvalidRequest creates an invalid-request error for a parameter.
func NewInvalidRequest(param, reason string) error {
	return fmt.Errorf("%s: %s: %w", param, reason, ErrInvalidRequest)
}

// NewTooLarge creates a request-too-large error.
func NewTooLarge(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrRequestTooLarge)
}

// NewUpstream marks err as an upstream failure, keeping it in the chain.
func NewUpstream(what string, err error) error {
	return fmt.Errorf("%s: %w", what, errors.Join(ErrUpstreamUnavailable, err))
}

// NewValidation creates a configuration validation error.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value any, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
