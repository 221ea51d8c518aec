// Package apperr defines the error taxonomy shared by all services.
// Every failure that crosses a handler or consumer boundary is classified
// into one of the kinds below so callers know whether a retry is safe.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindValidation: bad input, never retried automatically.
	KindValidation
	// KindConflict: transient, safe to retry with backoff.
	KindConflict
	// KindNotFound: entity missing; retried a bounded number of times only
	// for eventual-consistency windows.
	KindNotFound
	// KindDuplicate: idempotency replay. Not a failure; the prior result
	// applies.
	KindDuplicate
	// KindIntegrity: invariant violated. Never auto-retried, needs manual
	// reconciliation.
	KindIntegrity
	// KindTimeout: store or broker unresponsive; outcome unknown, resolved
	// by idempotency replay on the next attempt.
	KindTimeout
)

// Stable machine-readable reason codes surfaced to clients.
const (
	CodeEmptyCart            = "EmptyCart"
	CodeOutOfStock           = "OutOfStock"
	CodeProductNotFound      = "ProductNotFound"
	CodeOrderNotFound        = "OrderNotFound"
	CodeIdempotencyKeyReused = "IdempotencyKeyReused"
	CodeOperationInFlight    = "OperationInFlight"
	CodeAlreadyPaid          = "AlreadyPaid"
	CodeDuplicatePayment     = "DuplicatePayment"
	CodeAmountMismatch       = "AmountMismatch"
	CodeStatusConflict       = "StatusConflict"
	CodeTxConflict           = "TransactionConflict"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// KindOf classifies any error; plain errors come back as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the reason code, or empty for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsConflict(err error) bool  { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool  { return KindOf(err) == KindNotFound }
func IsDuplicate(err error) bool { return KindOf(err) == KindDuplicate }
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }

// HTTPStatus maps the taxonomy onto response codes. Internal details never
// leak: unclassified errors are a bare 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusOK
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
