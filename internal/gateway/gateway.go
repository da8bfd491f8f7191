package gateway

import (
	"context"
	"errors"

	"cinema-orders/internal/models"
)

// Outcome is the normalized result of a gateway payment event.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// PaymentIntent is what the client needs to complete a payment: either a
// secret for embedded flows or a redirect URL for hosted ones.
type PaymentIntent struct {
	GatewayReference string `json:"gateway_reference"`
	ClientSecret     string `json:"client_secret,omitempty"`
	RedirectURL      string `json:"redirect_url,omitempty"`
}

// ParsedEvent is a verified, normalized gateway callback.
type ParsedEvent struct {
	EventID          string
	GatewayReference string
	Outcome          Outcome
	AmountCents      int64
	Raw              []byte
}

var (
	// ErrUnavailable means the gateway could not be reached; the order is
	// left eligible for retry.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected means the gateway refused the request; also retryable.
	ErrRejected = errors.New("payment gateway rejected request")
	// ErrSignature means the callback could not be authenticated.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrUnhandledEvent means the callback verified but reports an event
	// type this service does not act on.
	ErrUnhandledEvent = errors.New("unhandled gateway event type")
)

// PaymentGateway abstracts the payment provider. Implementations speak the
// provider's wire protocol and never mutate order state.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, order *models.Order) (*PaymentIntent, error)
	VerifyCallback(rawBody []byte, signatureHeader string) (*ParsedEvent, error)
	Refund(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt) error
}
