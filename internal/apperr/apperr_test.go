package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf_Classified(t *testing.T) {
	err := New(KindValidation, CodeEmptyCart, "cart is empty")
	if KindOf(err) != KindValidation {
		t.Errorf("Expected KindValidation, got %v", KindOf(err))
	}
	if CodeOf(err) != CodeEmptyCart {
		t.Errorf("Expected code %s, got %s", CodeEmptyCart, CodeOf(err))
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Errorf("Expected KindInternal for plain error, got %v", KindOf(err))
	}
	if CodeOf(err) != "" {
		t.Errorf("Expected empty code for plain error, got %s", CodeOf(err))
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	inner := New(KindConflict, CodeTxConflict, "serialization failure")
	err := fmt.Errorf("checkout failed: %w", inner)
	if !IsConflict(err) {
		t.Error("Expected wrapped conflict to classify as conflict")
	}
	if CodeOf(err) != CodeTxConflict {
		t.Errorf("Expected code %s through wrapping, got %s", CodeTxConflict, CodeOf(err))
	}
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("driver: bad connection")
	err := Wrap(KindTimeout, "DownstreamTimeout", "store timed out", cause)
	if !errors.Is(err, cause) {
		t.Error("Expected Wrap to preserve the cause chain")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", New(KindValidation, CodeOutOfStock, "no stock"), http.StatusBadRequest},
		{"conflict", New(KindConflict, CodeIdempotencyKeyReused, "key reused"), http.StatusConflict},
		{"not found", New(KindNotFound, CodeOrderNotFound, "missing"), http.StatusNotFound},
		{"duplicate replays prior result", New(KindDuplicate, CodeAlreadyPaid, "already paid"), http.StatusOK},
		{"timeout", New(KindTimeout, "DownstreamTimeout", "timed out"), http.StatusGatewayTimeout},
		{"integrity stays internal", New(KindIntegrity, CodeAmountMismatch, "mismatch"), http.StatusInternalServerError},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Errorf("Expected status %d, got %d", tc.want, got)
			}
		})
	}
}
