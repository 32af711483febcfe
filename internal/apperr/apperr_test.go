package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := New(KindNotFound, "stream missing")
	if err.Error() != "[NOT_FOUND] stream missing" {
		t.Fatalf("unexpected message: %s", err.Error())
	}

	wrapped := Wrap(KindInternal, "write failed", errors.New("disk full"))
	if wrapped.Error() != "[INTERNAL_ERROR] write failed: disk full" {
		t.Fatalf("unexpected wrapped message: %s", wrapped.Error())
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindInputInvalid:         http.StatusBadRequest,
		KindNotFound:             http.StatusNotFound,
		KindConflict:             http.StatusConflict,
		KindOrderViolation:       http.StatusConflict,
		KindResourceUnsupported:  http.StatusUnprocessableEntity,
		KindChainUnavailable:     http.StatusServiceUnavailable,
		KindPricingStale:         http.StatusServiceUnavailable,
		KindAuthorizationRequired: http.StatusForbidden,
		KindInternal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		got := New(kind, "x").HTTPStatus()
		if got != want {
			t.Errorf("kind %s: status = %d, want %d", kind, got, want)
		}
	}
}

func TestWithDetailsChains(t *testing.T) {
	err := InputInvalid("toBlock", "must be >= fromBlock")
	if err.Details["field"] != "toBlock" {
		t.Fatalf("expected field detail, got %v", err.Details)
	}
	if err.Details["reason"] != "must be >= fromBlock" {
		t.Fatalf("expected reason detail, got %v", err.Details)
	}
}

func TestAsAndKindOf(t *testing.T) {
	err := Conflict("duplicate singleton")
	if KindOf(err) != KindConflict {
		t.Fatalf("expected KindConflict, got %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected KindInternal fallback for plain errors")
	}

	var wrapped error = Wrap(KindChainUnavailable, "rpc down", errors.New("timeout"))
	asErr, ok := As(wrapped)
	if !ok || asErr.Kind != KindChainUnavailable {
		t.Fatalf("expected As to extract ChainUnavailable error")
	}
}

func TestChainUnavailableRetryAfter(t *testing.T) {
	err := ChainUnavailable("no endpoints", 30)
	if err.RetryAfter != 30 {
		t.Fatalf("expected retry after 30, got %d", err.RetryAfter)
	}
}
