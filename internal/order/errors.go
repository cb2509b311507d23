package order

import (
	"errors"
	"net/http"

	"github.com/mbd888/tradeguard/internal/ledger"
	"github.com/mbd888/tradeguard/internal/pagination"
)

var (
	// ErrConflict means the order moved on since the caller read it.
	// Re-fetch and decide again.
	ErrConflict = errors.New("order was modified concurrently")
	// ErrInvalidTransition means the action is not legal from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPermission means the actor may not perform the action on this order.
	ErrPermission = errors.New("permission denied")
	// ErrValidation means the request itself is malformed or not allowed yet.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means no such order or dispute.
	ErrNotFound = errors.New("not found")
)

// Kind classifies err into a stable code for callers that branch on it.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict), errors.Is(err, ledger.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, pagination.ErrInvalidCursor):
		return "validation"
	default:
		return "internal"
	}
}

// Retryable reports whether re-fetching and retrying may succeed.
func Retryable(err error) bool {
	return Kind(err) == "conflict"
}

// HTTPStatus maps a Kind to a response code.
func HTTPStatus(kind string) int {
	switch kind {
	case "ok":
		return http.StatusOK
	case "conflict", "invalid_transition":
		return http.StatusConflict
	case "permission":
		return http.StatusForbidden
	case "validation":
		return http.StatusBadRequest
	case "insufficient_balance":
		return http.StatusPaymentRequired
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
