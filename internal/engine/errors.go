package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store.Read and lookup methods when the target
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned when an operation is attempted against a closed engine.
var ErrClosed = errors.New("engine closed")

// TransientError marks a failure worth retrying with backoff: I/O timeouts,
// lock contention, a briefly unreachable store.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix: invalid paths,
// malformed payloads, policy violations. The operation fails immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IntegrityError reports a hash mismatch on backup or restore. It is fatal for
// the operation that hit it and is logged to sync_log with full detail.
type IntegrityError struct {
	Path     string
	WantHash string
	GotHash  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s: want hash %s, got %s", e.Path, e.WantHash, e.GotHash)
}

// IsRetryable classifies an execution error. Permanent and integrity failures
// are final; everything else, including deadline expiry, is assumed transient
// because partial application cannot be distinguished from non-application.
func IsRetryable(err error) bool {
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var integ *IntegrityError
	if errors.As(err, &integ) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
