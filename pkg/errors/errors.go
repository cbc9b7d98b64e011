// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderAlreadyExists = errors.New("order already exists")
	ErrOrderAlreadyPaid   = errors.New("order already paid")

	// Input errors (never retried, user must correct)
	ErrInvalidPhoneNumber     = errors.New("invalid phone number")
	ErrInvalidTransactionCode = errors.New("invalid transaction code")

	// Configuration errors (operator must fix)
	ErrAccountNotConfigured   = errors.New("mpesa account not configured")
	ErrAccountNotFound        = errors.New("mpesa account not found")
	ErrShortcodeNotConfigured = errors.New("mpesa shortcode not configured")

	// Push payment errors
	ErrNoPushRequest = errors.New("no payment request found for order")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
