package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("append: %w", Newf(CodeNotFound, "saga %s", "s-1"))
	if !stderrors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped error to match ErrNotFound")
	}
	if stderrors.Is(err, ErrInvalidParam) {
		t.Fatalf("unexpected match on different code")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		CodeCompensationFailed: true,
		CodeNoCallback:         true,
		CodeTimeout:            true,
		CodeInvalidEvent:       false,
		CodeDuplicateEvent:     false,
	}
	for code, want := range cases {
		if got := New(code, "x").Retryable; got != want {
			t.Fatalf("%s: retryable=%v, want %v", code, got, want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidEvent:       http.StatusBadRequest,
		CodeDuplicateEvent:     http.StatusConflict,
		CodeRequestTooLarge:    http.StatusRequestEntityTooLarge,
		CodeCompensationFailed: http.StatusBadGateway,
		CodeNoCallback:         http.StatusServiceUnavailable,
		Code("SOMETHING_ELSE"): http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New(code, "").HTTPStatus(); got != want {
			t.Fatalf("%s: status=%d, want %d", code, got, want)
		}
	}
}

func TestNewWithDefault(t *testing.T) {
	if got := NewWithDefault(CodeRequestTooLarge, "").Message; got != "request body too large" {
		t.Fatalf("unexpected default message %q", got)
	}
	if got := NewWithDefault(CodeInternal, "boom").Message; got != "boom" {
		t.Fatalf("explicit message overridden: %q", got)
	}
}
