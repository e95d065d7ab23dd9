package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Each maps to a distinct
// user-facing failure mode; the executor never collapses them into a
// generic "execution failed".
var (
	ErrInvalidRequest      = errors.New("invalid execution request")
	ErrMaliciousCode       = errors.New("malicious code detected")
	ErrSecurityPolicy      = errors.New("security policy violation")
	ErrConcurrencyLimit    = errors.New("concurrency limit exceeded")
	ErrSessionLimit        = errors.New("session execution limit exceeded")
	ErrTimeout             = errors.New("execution timed out")
	ErrMemoryLimit         = errors.New("memory limit exceeded")
	ErrCancelled           = errors.New("execution cancelled")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a wall-clock timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsMemoryLimit returns true if the error is a memory ceiling hit.
func IsMemoryLimit(err error) bool {
	return errors.Is(err, ErrMemoryLimit)
}

// IsRetryable reports whether the caller may retry after backoff.
// Only admission rejections qualify; everything else needs a code or
// configuration change first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyLimit) || errors.Is(err, ErrSessionLimit)
}
