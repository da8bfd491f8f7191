package models

import "time"

// Job types consumed by notification workers
const (
	JobTypeSendConfirmation       = "send_confirmation"
	JobTypeSendRefundConfirmation = "send_refund_confirmation"
)

// NotificationJob is the broker payload for post-purchase side effects.
// Delivery is at-least-once; handlers dedup on (OrderID, JobType).
type NotificationJob struct {
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	OrderID        int64     `json:"order_id"`
	UserID         int64     `json:"user_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}
