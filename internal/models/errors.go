package models

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCategory string

const (
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryExternal      ErrorCategory = "external"
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryQuota         ErrorCategory = "quota"
	ErrorCategoryInternal      ErrorCategory = "internal"
)

// AppError is the structured error surfaced to callers: a stable code, a
// human-readable message, the causing error, and optional diagnostic metadata
// (e.g. the provider's available model list on a failed generation call).
type AppError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Category ErrorCategory  `json:"category"`
	Cause    error          `json:"-"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithMetadata(key string, value any) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func newError(category ErrorCategory, code, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Category: category,
	}
}

func NewConfigurationError(code, message string) *AppError {
	return newError(ErrorCategoryConfiguration, code, message)
}

func NewExternalError(code, message string) *AppError {
	return newError(ErrorCategoryExternal, code, message)
}

func NewTimeoutError(code, message string) *AppError {
	return newError(ErrorCategoryTimeout, code, message)
}

func NewQuotaError(code, message string) *AppError {
	return newError(ErrorCategoryQuota, code, message)
}

func NewInternalError(code, message string) *AppError {
	return newError(ErrorCategoryInternal, code, message)
}

// WrapExternalError wraps an upstream provider failure under a scoped code.
func WrapExternalError(scope string, err error) *AppError {
	return NewExternalError(
		fmt.Sprintf("%s_FAILED", strings.ToUpper(scope)),
		fmt.Sprintf("%s call failed", scope),
	).WithCause(err)
}

// IsQuotaExceeded reports whether err (anywhere in its chain) is a video
// search quota/forbidden rejection, the one fatal condition of the wide-net
// search phase.
func IsQuotaExceeded(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Category == ErrorCategoryQuota
	}
	return false
}

var ErrReportNotFound = newError(ErrorCategoryInternal, "REPORT_NOT_FOUND", "report does not exist")

// NewReportNotFound returns a fresh not-found error carrying the looked-up id,
// so callers can attach metadata without mutating the shared sentinel.
func NewReportNotFound(id string) *AppError {
	return newError(ErrorCategoryInternal, "REPORT_NOT_FOUND", "report does not exist").
		WithMetadata("report_id", id)
}
