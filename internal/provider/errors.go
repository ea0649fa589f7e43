package provider

import (
	"errors"
	"fmt"

	"github.com/sells-group/leadgen-cli/internal/model"
)

// ErrorCode is a stable, user-facing provider failure code.
type ErrorCode string

const (
	CodeInvalidFilters ErrorCode = "invalid_filters"
	CodeUnauthorized   ErrorCode = "unauthorized"
	CodeQuotaExceeded  ErrorCode = "quota_exceeded"
	CodeJobFailed      ErrorCode = "job_failed"
	CodeTimeout        ErrorCode = "timeout"
)

// Error is a provider-declared failure safe to show to users.
type Error struct {
	Provider string
	Code     ErrorCode
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ConfigError reports a provider that is missing, disabled or lacks the
// requested capability.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %q %s", e.Provider, e.Reason)
}

// IsConfigError reports whether err carries a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// UserMessage returns the short message stored on a failed Run or
// LeadSearch. Untyped errors are truncated.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Provider + ": " + pe.Message
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	return truncate(err.Error(), 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
