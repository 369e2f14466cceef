package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials covers every rejected credential: unknown,
	// inactive, revoked, or expired. Callers cannot tell which.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbiddenScope     = errors.New("insufficient scope")
	ErrForbiddenSite      = errors.New("no access to site")
	ErrForbiddenNetwork   = errors.New("client address or origin not allowed")
)

// ValidationError reports a request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
