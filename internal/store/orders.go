package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cinema-orders/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrDuplicate reports a unique-constraint violation, e.g. two concurrent
// checkouts racing on the same idempotency key.
var ErrDuplicate = errors.New("duplicate row")

// ErrNotFound reports a row that should exist but does not.
var ErrNotFound = errors.New("not found")

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// OrderTx exposes the writes permitted while an order row is locked.
type OrderTx interface {
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error
	UpdatePaymentAttempt(ctx context.Context, attemptID int64, status string, raw []byte, requiresReview bool) error
	InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	SetExternalPaymentRef(ctx context.Context, orderID int64, ref string) error
	InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error
}

type orderTx struct {
	tx *sqlx.Tx
}

func (t *orderTx) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	return err
}

func (t *orderTx) UpdatePaymentAttempt(ctx context.Context, attemptID int64, status string, raw []byte, requiresReview bool) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payment_attempts
		 SET status = $1, raw_gateway_payload = $2, requires_review = $3, updated_at = NOW()
		 WHERE id = $4`,
		status, raw, requiresReview, attemptID)
	return err
}

func (t *orderTx) InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	return insertPaymentAttempt(ctx, t.tx, attempt)
}

func (t *orderTx) SetExternalPaymentRef(ctx context.Context, orderID int64, ref string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE orders SET external_payment_ref = $1, updated_at = NOW() WHERE id = $2",
		ref, orderID)
	return err
}

func (t *orderTx) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	if err := insertIdempotencyRecord(ctx, t.tx, rec); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// WithOrderLock runs fn while holding a row-level lock on the order, so
// transitions for one order are serialized. Commits when fn returns nil.
func (s *Store) WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, tx OrderTx, order *models.Order) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}

	if err := fn(ctx, &orderTx{tx: tx}, &order); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateOrderWithItems persists the order, its items and the IN_PROGRESS
// checkout ledger row in one transaction. ErrDuplicate signals another
// request won the race on the same idempotency key.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem, rec *models.IdempotencyRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, total_amount, currency, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.UserID, order.TotalAmount, order.Currency, order.Status)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}

	for i := range items {
		items[i].OrderID = order.ID
		err = tx.GetContext(ctx, &items[i].ID,
			"INSERT INTO order_items (order_id, movie_id, unit_price) VALUES ($1, $2, $3) RETURNING id",
			items[i].OrderID, items[i].MovieID, items[i].UnitPrice)
		if err != nil {
			return fmt.Errorf("failed to create order item: %w", err)
		}
	}

	rec.OrderID = sql.NullInt64{Int64: order.ID, Valid: true}
	if err := insertIdempotencyRecord(ctx, tx, rec); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}

	return tx.Commit()
}

// FinalizeCheckout binds the gateway attempt to the order, empties the
// cart and completes the checkout ledger row in one transaction.
func (s *Store) FinalizeCheckout(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt, response []byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPaymentAttempt(ctx, tx, attempt); err != nil {
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE orders SET external_payment_ref = $1, updated_at = NOW() WHERE id = $2",
		attempt.GatewayReference, order.ID)
	if err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id IN (SELECT id FROM carts WHERE user_id = $1)",
		order.UserID)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = $1, response = $2, updated_at = NOW()
		 WHERE scope = $3 AND idem_key = $4`,
		models.IdemStatusDone, response, models.IdemScopeCheckout, attempt.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetAttemptByGatewayReference resolves a gateway callback to the payment
// attempt it refers to. Returns (nil, nil) when unknown.
func (s *Store) GetAttemptByGatewayReference(ctx context.Context, ref string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt,
		"SELECT * FROM payment_attempts WHERE gateway_reference = $1", ref)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetPendingAttempt returns the order's PENDING attempt, or (nil, nil).
// A partial unique index guarantees at most one exists.
func (s *Store) GetPendingAttempt(ctx context.Context, orderID int64) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt,
		"SELECT * FROM payment_attempts WHERE order_id = $1 AND status = $2",
		orderID, models.AttemptStatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// GetAttemptsByOrderID lists all payment attempts for an order, oldest first.
func (s *Store) GetAttemptsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts,
		"SELECT * FROM payment_attempts WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return attempts, err
}

// GetIdempotencyRecord retrieves a ledger row. Returns (nil, nil) when the
// key has never been seen in this scope.
func (s *Store) GetIdempotencyRecord(ctx context.Context, scope, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := s.db.GetContext(ctx, &rec,
		"SELECT * FROM idempotency_records WHERE scope = $1 AND idem_key = $2", scope, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStaleAwaitingPayment returns orders stuck in AWAITING_PAYMENT since
// before cutoff.
func (s *Store) ListStaleAwaitingPayment(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE status = $1 AND updated_at < $2 ORDER BY id",
		models.OrderStatusAwaitingPayment, cutoff)
	return orders, err
}

// ClaimJob marks a notification job as processed. Returns false when a
// worker already claimed the same (order, job type) pair.
func (s *Store) ClaimJob(ctx context.Context, orderID int64, jobType string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_jobs (order_id, job_type) VALUES ($1, $2) ON CONFLICT (order_id, job_type) DO NOTHING",
		orderID, jobType)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func insertPaymentAttempt(ctx context.Context, tx *sqlx.Tx, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (order_id, gateway_reference, idempotency_key, status, raw_gateway_payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return tx.GetContext(ctx, attempt, query,
		attempt.OrderID, attempt.GatewayReference, attempt.IdempotencyKey,
		attempt.Status, attempt.RawGatewayPayload)
}

func insertIdempotencyRecord(ctx context.Context, tx *sqlx.Tx, rec *models.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (scope, idem_key, fingerprint, status, order_id, response)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return tx.GetContext(ctx, rec, query,
		rec.Scope, rec.Key, rec.Fingerprint, rec.Status, rec.OrderID, rec.Response)
}
