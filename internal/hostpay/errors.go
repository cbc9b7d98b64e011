package hostpay

import (
	"errors"
	"fmt"
)

// ErrorKind classifies client failures. The engine only ever distinguishes
// missing-parameter misuse from everything else; transport failures, non-2xx
// statuses and malformed bodies all surface uniformly as api_error.
type ErrorKind string

const (
	ErrorKindMissingParameter ErrorKind = "missing_parameter"
	ErrorKindAPI              ErrorKind = "api_error"
)

// Error is the uniform failure type returned by every client operation.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hostpay: %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("hostpay: %s: %s", e.Kind, e.Message)
}

func missingParameter(field string) *Error {
	return &Error{
		Kind:    ErrorKindMissingParameter,
		Message: fmt.Sprintf("missing required parameter: %s", field),
	}
}

func apiError(message string, status int) *Error {
	if message == "" {
		message = "API request failed"
	}
	return &Error{Kind: ErrorKindAPI, Message: message, Status: status}
}

// IsMissingParameter reports whether err is a missing-parameter client error.
func IsMissingParameter(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrorKindMissingParameter
}
