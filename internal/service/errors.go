package service

import "errors"

// Service-level error taxonomy. Handlers map these onto HTTP codes;
// everything else surfaces as an internal error.
var (
	ErrMovieNotFound = errors.New("movie not found")
	ErrAlreadyInCart = errors.New("movie already in cart")
	ErrNotInCart     = errors.New("movie not in cart")
	ErrEmptyCart     = errors.New("cart is empty")

	// ErrKeyConflict means an idempotency key was reused for a different
	// cart content.
	ErrKeyConflict = errors.New("idempotency key reused with different cart content")

	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidState means the order's current status does not permit the
	// requested operation.
	ErrInvalidState = errors.New("operation not permitted in current order state")

	// ErrPendingAttempt means a payment attempt is already in flight for
	// the order.
	ErrPendingAttempt = errors.New("a payment attempt is already pending")
)
