package models

import (
	"database/sql"
	"time"
)

// Movie is the read model the cart validates against. Catalog management
// lives in another service; prices here are the source for snapshots.
type Movie struct {
	ID         int64     `db:"id" json:"id"`
	Title      string    `db:"title" json:"title"`
	PriceCents int64     `db:"price_cents" json:"price_cents"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Cart holds a user's selected movies prior to checkout. One cart per user.
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CartItem is a single movie in a cart. A movie appears at most once.
type CartItem struct {
	ID      int64     `db:"id" json:"id"`
	CartID  int64     `db:"cart_id" json:"cart_id"`
	MovieID int64     `db:"movie_id" json:"movie_id"`
	AddedAt time.Time `db:"added_at" json:"added_at"`
}

// CartSnapshotItem carries the price read at snapshot time. Orders are
// created from these, never from live catalog prices.
type CartSnapshotItem struct {
	MovieID   int64  `db:"movie_id" json:"movie_id"`
	Title     string `db:"title" json:"title"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// Order is created from a cart snapshot; its items and prices are immutable.
type Order struct {
	ID                 int64          `db:"id" json:"id"`
	UserID             int64          `db:"user_id" json:"user_id"`
	TotalAmount        int64          `db:"total_amount" json:"total_amount"`
	Currency           string         `db:"currency" json:"currency"`
	Status             OrderStatus    `db:"status" json:"status"`
	ExternalPaymentRef sql.NullString `db:"external_payment_ref" json:"external_payment_ref,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// OrderItem captures the unit price at order creation time.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	MovieID   int64 `db:"movie_id" json:"movie_id"`
	UnitPrice int64 `db:"unit_price" json:"unit_price"`
}

// PaymentAttempt is one gateway-initiated payment try. An order may carry
// several after failures, but at most one PENDING at a time.
type PaymentAttempt struct {
	ID                int64     `db:"id" json:"id"`
	OrderID           int64     `db:"order_id" json:"order_id"`
	GatewayReference  string    `db:"gateway_reference" json:"gateway_reference"`
	IdempotencyKey    string    `db:"idempotency_key" json:"idempotency_key"`
	Status            string    `db:"status" json:"status"`
	RawGatewayPayload []byte    `db:"raw_gateway_payload" json:"-"`
	RequiresReview    bool      `db:"requires_review" json:"requires_review"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// IdempotencyRecord maps a key to the outcome it already produced.
// Fingerprint detects the same key being reused with a different request.
type IdempotencyRecord struct {
	ID          int64         `db:"id"`
	Scope       string        `db:"scope"`
	Key         string        `db:"idem_key"`
	Fingerprint string        `db:"fingerprint"`
	Status      string        `db:"status"`
	OrderID     sql.NullInt64 `db:"order_id"`
	Response    []byte        `db:"response"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// ProcessedJob records a notification job a worker already ran, keyed by
// (order, job type) so redeliveries do not send twice.
type ProcessedJob struct {
	OrderID     int64     `db:"order_id"`
	JobType     string    `db:"job_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Payment attempt statuses
const (
	AttemptStatusPending   = "PENDING"
	AttemptStatusSucceeded = "SUCCEEDED"
	AttemptStatusFailed    = "FAILED"
)

// Idempotency record statuses and scopes
const (
	IdemStatusInProgress = "IN_PROGRESS"
	IdemStatusDone       = "DONE"

	IdemScopeCheckout = "checkout"
	IdemScopeWebhook  = "webhook"
)
