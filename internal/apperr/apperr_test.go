package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestIs(t *testing.T) {
	err := New(NotFound, "room x not found")
	if !Is(err, NotFound) {
		t.Error("Is(err, NotFound) = false, want true")
	}
	if Is(err, Conflict) {
		t.Error("Is(err, Conflict) = true, want false")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(HostUnreachable, "dialing gpu1", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if KindOf(err) != HostUnreachable {
		t.Errorf("KindOf = %v, want HostUnreachable", KindOf(err))
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != Internal {
		t.Error("KindOf of a plain error should default to Internal")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{BadName, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{AlreadyExists, http.StatusConflict},
		{Conflict, http.StatusConflict},
		{HostUnreachable, http.StatusBadGateway},
		{TtsUnavailable, http.StatusServiceUnavailable},
		{ConcurrencyLimit, http.StatusTooManyRequests},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestBodyForPlainError(t *testing.T) {
	body := BodyFor(errors.New("unexpected"))
	if body.Error != string(Internal) {
		t.Errorf("Error = %q, want %q", body.Error, Internal)
	}
	if body.Message != "unexpected" {
		t.Errorf("Message = %q, want %q", body.Message, "unexpected")
	}
}

func TestRetryable(t *testing.T) {
	notRetryable := []Kind{BadName, AlreadyExists, Conflict, NotFound}
	for _, k := range notRetryable {
		if Retryable(New(k, "x")) {
			t.Errorf("Retryable(%v) = true, want false", k)
		}
	}

	retryable := []Kind{HostUnreachable, TtsUnavailable, SttUnavailable, Timeout, Internal, ConcurrencyLimit}
	for _, k := range retryable {
		if !Retryable(New(k, "x")) {
			t.Errorf("Retryable(%v) = false, want true", k)
		}
	}
}
