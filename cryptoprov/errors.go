package cryptoprov

import (
	"github.com/cockroachdb/errors"
)

// Error categories reported by stores, sessions and the signing engine.
// Use errors.Is to test for a category.
var (
	// ErrConfiguration is returned when the token configuration is missing or malformed
	ErrConfiguration = errors.New("invalid configuration")
	// ErrStoreUnavailable is returned when the token, library or service can not be reached
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrAuthentication is returned when the session or entry secret is rejected
	ErrAuthentication = errors.New("authentication failed")
	// ErrNotFound is returned when an alias, certificate or key is absent
	ErrNotFound = errors.New("not found")
	// ErrKeyTypeMismatch is returned when the key can not be used with the requested algorithm
	ErrKeyTypeMismatch = errors.New("key type mismatch")
	// ErrUnsupportedAlgorithm is returned for unknown signature algorithms
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	// ErrStoreOperation is returned when the token fails during a cryptographic operation
	ErrStoreOperation = errors.New("store operation failed")
	// ErrIO is returned when reading the document or writing the signature fails
	ErrIO = errors.New("I/O error")

	// ErrSessionClosed is returned when a session or a key handle is used after Close
	ErrSessionClosed = errors.WithMessage(ErrStoreOperation, "session is closed")
)

// Categories lists the error categories in the order they are reported
var Categories = []error{
	ErrConfiguration,
	ErrStoreUnavailable,
	ErrAuthentication,
	ErrNotFound,
	ErrKeyTypeMismatch,
	ErrUnsupportedAlgorithm,
	ErrStoreOperation,
	ErrIO,
}

// Category returns the error category of err, or nil if err is not categorized
func Category(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range Categories {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}

// Mark returns err marked with the category, and an error message prefixed with msg.
// If err already has a category, it is preserved.
func Mark(err error, category error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if Category(err) == nil {
		err = &categoryError{cause: err, category: category}
	}
	if format == "" {
		return err
	}
	return errors.WithMessagef(err, format, args...)
}

// Errorf returns a new error of the category
func Errorf(category error, format string, args ...any) error {
	return &categoryError{cause: errors.Errorf(format, args...), category: category}
}

// categoryError attaches the category to the cause,
// both are reported by errors.Is of the standard library and of cockroachdb/errors
type categoryError struct {
	cause    error
	category error
}

func (e *categoryError) Error() string {
	return e.cause.Error()
}

func (e *categoryError) Unwrap() error {
	return e.cause
}

func (e *categoryError) Is(target error) bool {
	return target == e.category
}
