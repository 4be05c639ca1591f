package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGetServiceErrorUnwrapsChain(t *testing.T) {
	base := InsufficientFunds(errors.New("balance 1 < 2"))
	wrapped := fmt.Errorf("submit: %w", base)

	se := GetServiceError(wrapped)
	if se == nil {
		t.Fatal("expected service error")
	}
	if se.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("unexpected status %d", se.HTTPStatus)
	}
	if se.Code != CodeInsufficientFunds {
		t.Fatalf("unexpected code %s", se.Code)
	}
}

func TestGetServiceErrorNil(t *testing.T) {
	if GetServiceError(errors.New("plain")) != nil {
		t.Fatal("plain errors carry no service error")
	}
}

func TestWithDetails(t *testing.T) {
	err := NotFound("request", "42")
	if err.Details["id"] != "42" {
		t.Fatalf("missing id detail: %v", err.Details)
	}
	if err.Error() != "NOT_FOUND: request not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	if !errors.Is(Internal("failed", cause), cause) {
		t.Fatal("expected cause to be reachable")
	}
}
