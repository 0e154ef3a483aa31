package errorutil

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes shared by the API and the audit trail.
const (
	CodeValidation           = "VALIDATION_FAILED"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeConflict             = "CONFLICT"
	CodeStateConflict        = "STATE_CONFLICT"
	CodeTransport            = "TRANSPORT_ERROR"
	CodeTransportUnavailable = "TRANSPORT_UNAVAILABLE"
	CodeParse                = "PARSE_ERROR"
	CodeCorrelationMiss      = "CORRELATION_MISS"
	CodeDuplicateEvent       = "DUPLICATE_EVENT"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternal             = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewStateConflict reports a lifecycle transition that the current status does not allow.
func NewStateConflict(from, trigger string, err error) error {
	return &DomainError{
		Code:       CodeStateConflict,
		Message:    fmt.Sprintf("cannot %s a record in status %s", trigger, from),
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"status": from, "trigger": trigger},
		Err:        err,
	}
}

// NewTransportError maps a mail provider failure. Permanent failures are the caller's
// problem (502); transient ones already exhausted their retries (503).
func NewTransportError(permanent bool, err error) error {
	if permanent {
		return &DomainError{
			Code:       CodeTransport,
			Message:    "mail provider rejected the request",
			HTTPStatus: http.StatusBadGateway,
			Err:        err,
		}
	}
	return &DomainError{
		Code:       CodeTransportUnavailable,
		Message:    "mail provider unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewParseError(message string, err error) error {
	return &DomainError{Code: CodeParse, Message: message, HTTPStatus: http.StatusUnprocessableEntity, Err: err}
}

// NewCorrelationMiss is returned when an inbound message was routed to triage.
func NewCorrelationMiss(reason string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	return NewDomainError(CodeCorrelationMiss, "message could not be correlated", http.StatusAccepted, details)
}

// NewDuplicateEvent marks an acknowledged redelivery. It is not a failure.
func NewDuplicateEvent(messageID string) error {
	return NewDomainError(CodeDuplicateEvent, "event already processed", http.StatusOK, map[string]any{"message_id": messageID})
}

func NewServiceUnavailable(message string, details map[string]any) error {
	return NewDomainError(CodeServiceUnavailable, message, http.StatusServiceUnavailable, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return NewNotFound("resource", nil).(*DomainError)
	}
	return NewInternalError(err).(*DomainError)
}

func MapError(err error) error {
	return ToDomainError(err)
}

// CodeOf returns the domain code of err, or CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return ToDomainError(err).Code
}
