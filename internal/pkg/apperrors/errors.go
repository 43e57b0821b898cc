package apperrors

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	// Venue classes
	ErrVenueUnavailable   ErrorType = "VENUE_UNAVAILABLE"
	ErrRateLimited        ErrorType = "RATE_LIMITED"
	ErrVenueError         ErrorType = "VENUE_ERROR"
	ErrInsufficientMargin ErrorType = "INSUFFICIENT_MARGIN"
	ErrUnknownSymbol      ErrorType = "UNKNOWN_SYMBOL"

	// Chain classes
	ErrChainError         ErrorType = "CHAIN_ERROR"
	ErrInsuranceExhausted ErrorType = "INSURANCE_EXHAUSTED"

	// Configuration / startup classes
	ErrMissingCredentials ErrorType = "MISSING_CREDENTIALS"
	ErrConfig             ErrorType = "CONFIG_ERROR"
	ErrAlreadyRunning     ErrorType = "ALREADY_RUNNING"

	// Integrity: corrupted breaker file, bad attestation signature.
	// Refuse to start the affected loop.
	ErrIntegrity ErrorType = "INTEGRITY"

	ErrInternal ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the hedging core. Adapters
// classify raw protocol errors into one of the types above; nothing above
// the adapter layer inspects venue- or chain-specific error strings.
type AppError struct {
	Type    ErrorType `json:"code"`
	Message string    `json:"message"`
	Venue   string    `json:"venue,omitempty"`
	Cause   error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{Type: errType, Message: msg, Cause: cause}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return &AppError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// ForVenue tags the error with the venue it came from.
func (e *AppError) ForVenue(venueID string) *AppError {
	e.Venue = venueID
	return e
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf extracts the classified type, ErrInternal for unclassified errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrInternal
}

// IsTransient reports whether the error class is retryable with backoff.
// InsufficientMargin and VenueError are deliberately not transient: retrying
// them inside a cycle cannot succeed, the residual is deferred instead.
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrVenueUnavailable, ErrRateLimited, ErrChainError:
		return true
	}
	return false
}

// IsFatalAtStart reports whether the error must abort instance deployment.
func IsFatalAtStart(err error) bool {
	switch TypeOf(err) {
	case ErrUnknownSymbol, ErrMissingCredentials, ErrConfig, ErrIntegrity:
		return true
	}
	return false
}
