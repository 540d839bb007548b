package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// StoreErrorMessage describes durable storage failures other than Redis.
	StoreErrorMessage = "storage operation failed"
	// GatewayErrorMessage describes model gateway failures.
	GatewayErrorMessage = "model gateway failed"
)

// Contract violations. These are rejected immediately and never retried.
var (
	ErrEmptyBatch          = errors.New("append called with an empty batch")
	ErrOrphanToolResult    = errors.New("tool result has no matching invocation")
	ErrPreambleOrder       = errors.New("system preamble must be the first and only system message")
	ErrDuplicateInvocation = errors.New("duplicate tool invocation id in one round")
	ErrToolRegistered      = errors.New("tool already registered")
	ErrInvalidInput        = errors.New("invalid input")
	ErrPersonaNotFound     = errors.New("persona not found")
	ErrGateway             = errors.New("model gateway error")
)

// IsContractViolation reports whether err is a programming or protocol
// violation that must not be retried.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrOrphanToolResult) ||
		errors.Is(err, ErrPreambleOrder) ||
		errors.Is(err, ErrDuplicateInvocation) ||
		errors.Is(err, ErrInvalidInput)
}

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Invalid marks err as a caller mistake (HTTP 400) that also matches ErrInvalidInput.
func Invalid(format string, args ...any) *AppError {
	return New(fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)), http.StatusBadRequest, "invalid request")
}

// WrapStore wraps a non-Redis storage failure with a consistent status and message.
func WrapStore(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, StoreErrorMessage)
}

// WrapGateway wraps a model gateway failure. The result matches ErrGateway.
func WrapGateway(err error) error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %w", ErrGateway, err), http.StatusBadGateway, GatewayErrorMessage)
}

// StatusOf returns the HTTP status carried by err, 500 when it carries none.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	switch {
	case errors.Is(err, ErrPersonaNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrEmptyBatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// SafeMessage returns the message that may be shown to a client.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	if errors.Is(err, ErrPersonaNotFound) {
		return ErrPersonaNotFound.Error()
	}
	return SystemErrorMessage
}
