package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPermanent matches failures that will not succeed on retry.
	ErrPermanent = errors.New("transport: permanent failure")
	// ErrTransient matches failures worth retrying.
	ErrTransient = errors.New("transport: transient failure")
)

// TransportError classifies a provider failure.
type TransportError struct {
	Op        string
	Permanent bool
	Code      int
	Attempts  int
	Err       error
}

func (e *TransportError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("transport %s: %s failure", e.Op, kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Code)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets callers match with errors.Is(err, ErrPermanent) or ErrTransient.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrPermanent:
		return e.Permanent
	case ErrTransient:
		return !e.Permanent
	}
	return false
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, code int, err error) error {
	return &TransportError{Op: op, Permanent: true, Code: code, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op string, code int, err error) error {
	return &TransportError{Op: op, Code: code, Err: err}
}

// IsPermanentStatus reports whether an HTTP status from the provider should not be retried.
func IsPermanentStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return false
	case code >= 500:
		return false
	case code >= 400:
		return true
	}
	return false
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Permanent
	}
	return errors.Is(err, context.Canceled)
}

// classify normalizes any error returned by a backend into a *TransportError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return Transient(op, 0, err)
}
