package fmc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type ErrorClass string

const (
	// Transient classes: worth retrying.
	ErrTimeout     ErrorClass = "timeout"
	ErrConnection  ErrorClass = "connection"
	ErrRateLimited ErrorClass = "rate-limited"

	// Permanent classes: retrying cannot help.
	ErrNotFound   ErrorClass = "not-found"
	ErrAuth       ErrorClass = "auth"
	ErrPermission ErrorClass = "permission"
)

// CallError classifies a failed FMC API call so callers can decide
// between retrying and giving up.
type CallError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("fmc %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Transient() bool {
	switch e.Class {
	case ErrTimeout, ErrConnection, ErrRateLimited:
		return true
	}
	return false
}

// Transient reports whether err is a retryable FMC call failure.
// Context cancellation is never transient.
func Transient(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Transient()
}

// IsNotFound reports whether err is a permanent not-found failure.
func IsNotFound(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Class == ErrNotFound
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &CallError{Class: ErrTimeout, Op: op, Err: err}
	}
	return &CallError{Class: ErrConnection, Op: op, Err: err}
}

func classifyStatus(op string, status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return &CallError{Class: ErrRateLimited, Op: op, Err: err}
	case status == http.StatusUnauthorized:
		return &CallError{Class: ErrAuth, Op: op, Err: err}
	case status == http.StatusForbidden:
		return &CallError{Class: ErrPermission, Op: op, Err: err}
	case status == http.StatusNotFound:
		return &CallError{Class: ErrNotFound, Op: op, Err: err}
	case status >= 500:
		return &CallError{Class: ErrConnection, Op: op, Err: err}
	default:
		// Remaining 4xx responses (bad request etc.) are permanent.
		return &CallError{Class: ErrPermission, Op: op, Err: err}
	}
}
