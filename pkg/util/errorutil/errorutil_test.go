package errorutil

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestToDomainErrorMapsNoRows(t *testing.T) {
	err := fmt.Errorf("load rfi: %w", pgx.ErrNoRows)
	de := ToDomainError(err)
	if de.Code != CodeNotFound || de.HTTPStatus != http.StatusNotFound {
		t.Fatalf("expected not found, got %s/%d", de.Code, de.HTTPStatus)
	}
}

func TestToDomainErrorKeepsWrappedDomainError(t *testing.T) {
	inner := NewStateConflict("draft", "close", nil)
	de := ToDomainError(fmt.Errorf("close: %w", inner))
	if de.Code != CodeStateConflict || de.HTTPStatus != http.StatusConflict {
		t.Fatalf("expected state conflict, got %s/%d", de.Code, de.HTTPStatus)
	}
}

func TestTransportErrorStatus(t *testing.T) {
	cause := errors.New("boom")
	if got := ToDomainError(NewTransportError(true, cause)).HTTPStatus; got != http.StatusBadGateway {
		t.Fatalf("expected 502 for permanent failure, got %d", got)
	}
	transient := NewTransportError(false, cause)
	if got := ToDomainError(transient).HTTPStatus; got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for transient failure, got %d", got)
	}
	if !errors.Is(transient, cause) {
		t.Fatalf("expected transport error to unwrap to its cause")
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	if code := CodeOf(errors.New("x")); code != CodeInternal {
		t.Fatalf("expected %s, got %s", CodeInternal, code)
	}
}
