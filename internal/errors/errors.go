// Package errors defines the application error taxonomy. Every error that
// crosses a service boundary is an *AppError carrying one of the closed set
// of types below; transports map types to status codes in one place.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeInvalidInput           ErrorType = "INVALID_INPUT"
	ErrorTypeNotFound               ErrorType = "NOT_FOUND"
	ErrorTypeNoAccess               ErrorType = "NO_ACCESS"
	ErrorTypeSessionExpired         ErrorType = "SESSION_EXPIRED"
	ErrorTypeEncryptionFailed       ErrorType = "ENCRYPTION_FAILED"
	ErrorTypeDecryptionFailed       ErrorType = "DECRYPTION_FAILED"
	ErrorTypeIntegrity              ErrorType = "INTEGRITY_ERROR"
	ErrorTypeInconsistentKeyServers ErrorType = "INCONSISTENT_KEY_SERVERS"
	ErrorTypeInvalidCiphertext      ErrorType = "INVALID_CIPHERTEXT"
	ErrorTypeStorageUnavailable     ErrorType = "STORAGE_UNAVAILABLE"
	ErrorTypeKeyServerUnavailable   ErrorType = "KEY_SERVER_UNAVAILABLE"
	ErrorTypeEmbeddingUnavailable   ErrorType = "EMBEDDING_UNAVAILABLE"
	ErrorTypeLLMUnavailable         ErrorType = "LLM_UNAVAILABLE"
	ErrorTypeBackpressure           ErrorType = "BACKPRESSURE"
	ErrorTypeIndexCorrupted         ErrorType = "INDEX_CORRUPTED"
	ErrorTypeInternal               ErrorType = "INTERNAL"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewInvalidInput creates a malformed-input error
func NewInvalidInput(message string) error {
	return &AppError{Type: ErrorTypeInvalidInput, Message: message}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewNoAccess creates a permission-denied error
func NewNoAccess(message string) error {
	return &AppError{Type: ErrorTypeNoAccess, Message: message}
}

// NewSessionExpired signals that the caller must re-sign a session challenge
func NewSessionExpired(message string) error {
	return &AppError{Type: ErrorTypeSessionExpired, Message: message}
}

// NewEncryptionFailed creates an envelope encryption fault
func NewEncryptionFailed(message string, err error) error {
	return &AppError{Type: ErrorTypeEncryptionFailed, Message: message, Err: err}
}

// NewDecryptionFailed creates an envelope decryption fault
func NewDecryptionFailed(message string, err error) error {
	return &AppError{Type: ErrorTypeDecryptionFailed, Message: message, Err: err}
}

// NewIntegrity signals an aad-hash or AEAD tag mismatch
func NewIntegrity(message string) error {
	return &AppError{Type: ErrorTypeIntegrity, Message: message}
}

// NewInvalidCiphertext signals a structurally malformed envelope
func NewInvalidCiphertext(message string) error {
	return &AppError{Type: ErrorTypeInvalidCiphertext, Message: message}
}

// NewInconsistentKeyServers signals quorum share disagreement
func NewInconsistentKeyServers(message string) error {
	return &AppError{Type: ErrorTypeInconsistentKeyServers, Message: message}
}

// NewStorageUnavailable creates a blob-store transport fault
func NewStorageUnavailable(message string, err error) error {
	return &AppError{Type: ErrorTypeStorageUnavailable, Message: message, Err: err}
}

// NewKeyServerUnavailable creates a key-server transport fault
func NewKeyServerUnavailable(message string, err error) error {
	return &AppError{Type: ErrorTypeKeyServerUnavailable, Message: message, Err: err}
}

// NewEmbeddingUnavailable creates an embedding-provider transport fault
func NewEmbeddingUnavailable(message string, err error) error {
	return &AppError{Type: ErrorTypeEmbeddingUnavailable, Message: message, Err: err}
}

// NewLLMUnavailable creates an LLM-provider transport fault
func NewLLMUnavailable(message string, err error) error {
	return &AppError{Type: ErrorTypeLLMUnavailable, Message: message, Err: err}
}

// NewBackpressure signals a batcher queue full beyond the enqueue timeout
func NewBackpressure(message string) error {
	return &AppError{Type: ErrorTypeBackpressure, Message: message}
}

// NewIndexCorrupted signals a snapshot that failed its integrity check
func NewIndexCorrupted(message string, err error) error {
	return &AppError{Type: ErrorTypeIndexCorrupted, Message: message, Err: err}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context, preserving its type
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// TypeOf returns the error type, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

func is(err error, t ErrorType) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == t
}

// Type checking functions

func IsInvalidInput(err error) bool   { return is(err, ErrorTypeInvalidInput) }
func IsNotFound(err error) bool       { return is(err, ErrorTypeNotFound) }
func IsNoAccess(err error) bool       { return is(err, ErrorTypeNoAccess) }
func IsSessionExpired(err error) bool { return is(err, ErrorTypeSessionExpired) }
func IsEncryptionFailed(err error) bool {
	return is(err, ErrorTypeEncryptionFailed)
}
func IsDecryptionFailed(err error) bool {
	return is(err, ErrorTypeDecryptionFailed)
}
func IsIntegrity(err error) bool         { return is(err, ErrorTypeIntegrity) }
func IsInvalidCiphertext(err error) bool { return is(err, ErrorTypeInvalidCiphertext) }
func IsInconsistentKeyServers(err error) bool {
	return is(err, ErrorTypeInconsistentKeyServers)
}
func IsStorageUnavailable(err error) bool {
	return is(err, ErrorTypeStorageUnavailable)
}
func IsKeyServerUnavailable(err error) bool {
	return is(err, ErrorTypeKeyServerUnavailable)
}
func IsEmbeddingUnavailable(err error) bool {
	return is(err, ErrorTypeEmbeddingUnavailable)
}
func IsLLMUnavailable(err error) bool { return is(err, ErrorTypeLLMUnavailable) }
func IsBackpressure(err error) bool   { return is(err, ErrorTypeBackpressure) }
func IsIndexCorrupted(err error) bool { return is(err, ErrorTypeIndexCorrupted) }
func IsInternal(err error) bool       { return is(err, ErrorTypeInternal) }

// IsTransient reports whether the error is a transport fault that retry
// policy may attempt again. Semantic errors are never transient.
func IsTransient(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeStorageUnavailable,
		ErrorTypeKeyServerUnavailable,
		ErrorTypeEmbeddingUnavailable,
		ErrorTypeLLMUnavailable:
		return true
	}
	return false
}
