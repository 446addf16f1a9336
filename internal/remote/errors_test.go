package remote

import (
	"errors"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusCreated, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusUnprocessableEntity, ErrRejected},
		{http.StatusTooManyRequests, ErrThrottled},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
		{http.StatusServiceUnavailable, ErrUnavailable},
	}

	for _, tc := range tests {
		got := classifyStatus(tc.status)
		if !errors.Is(got, tc.want) && (got != nil || tc.want != nil) {
			t.Errorf("classifyStatus(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestTransportErrorUnwrap(t *testing.T) {
	err := &TransportError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    "maintenance",
		Err:        ErrUnavailable,
	}

	if !errors.Is(err, ErrUnavailable) {
		t.Error("TransportError should unwrap to its sentinel")
	}

	if !IsTransient(err) {
		t.Error("unavailable errors are transient")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrThrottled) {
		t.Error("throttled is transient")
	}

	if IsTransient(ErrRejected) {
		t.Error("rejected is permanent")
	}

	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
