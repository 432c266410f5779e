package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// ValidationMessage describes malformed inbound payloads.
	ValidationMessage = "invalid request payload"
	// QuotaExceededMessage describes quota gate rejections.
	QuotaExceededMessage = "usage limit reached"
	// SafetyRejectedMessage describes safety gate rejections.
	SafetyRejectedMessage = "request refused"
	// UpstreamErrorMessage describes provider (embedding/generation/search) failures.
	UpstreamErrorMessage = "upstream provider failed"
	// PersistenceErrorMessage describes data-store failures on the final write.
	PersistenceErrorMessage = "could not record result"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes missing Redis keys.
	RedisNotFoundMessage = "redis key not found"
)

// Sentinel kinds for the pipeline error taxonomy. Callers branch with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrSafetyRejected = errors.New("safety rejected")
	ErrUpstream       = errors.New("upstream failure")
	ErrPersistence    = errors.New("persistence failure")
	ErrUnknownUser    = errors.New("unknown user")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
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

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

func join(kind error, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Validation marks a malformed inbound payload or an unparsable model output.
func Validation(cause error, message string) *AppError {
	if message == "" {
		message = ValidationMessage
	}
	return New(join(ErrValidation, cause), http.StatusBadRequest, message)
}

// QuotaExceeded marks a quota gate rejection. Maps to a payment/limit-required outcome.
func QuotaExceeded(cause error) *AppError {
	return New(join(ErrQuotaExceeded, cause), http.StatusPaymentRequired, QuotaExceededMessage)
}

// SafetyRejected marks a safety gate rejection.
func SafetyRejected(reason string) *AppError {
	return New(fmt.Errorf("%w: %s", ErrSafetyRejected, reason), http.StatusForbidden, SafetyRejectedMessage)
}

// Upstream marks an embedding/generation/search provider failure or timeout.
func Upstream(cause error) *AppError {
	return New(join(ErrUpstream, cause), http.StatusBadGateway, UpstreamErrorMessage)
}

// Persistence marks a data-store failure on the final event write. Fatal to the request.
func Persistence(cause error) *AppError {
	return New(join(ErrPersistence, cause), http.StatusInternalServerError, PersistenceErrorMessage)
}

// UnknownUser marks a dossier build where the user identity cannot be resolved.
func UnknownUser(userID string) *AppError {
	return New(fmt.Errorf("%w: %s", ErrUnknownUser, userID), http.StatusNotFound, "user not found")
}
