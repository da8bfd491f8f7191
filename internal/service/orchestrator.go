package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cinema-orders/internal/gateway"
	"cinema-orders/internal/models"
	"cinema-orders/internal/store"
	"cinema-orders/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderStore is the persistence surface the orchestrator needs.
type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem, rec *models.IdempotencyRecord) error
	FinalizeCheckout(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt, response []byte) error
	WithOrderLock(ctx context.Context, orderID int64, fn func(ctx context.Context, tx store.OrderTx, order *models.Order) error) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetAttemptByGatewayReference(ctx context.Context, ref string) (*models.PaymentAttempt, error)
	GetPendingAttempt(ctx context.Context, orderID int64) (*models.PaymentAttempt, error)
	GetAttemptsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentAttempt, error)
	ListStaleAwaitingPayment(ctx context.Context, cutoff time.Time) ([]models.Order, error)
}

// TaskDispatcher enqueues at-least-once background jobs.
type TaskDispatcher interface {
	Enqueue(ctx context.Context, jobType string, job *models.NotificationJob) (string, error)
}

// OrderLocker hands out short advisory locks so overlapping stale-order
// sweeps skip each other's rows. The database row lock remains the real
// serialization point.
type OrderLocker interface {
	AcquireOrderLock(ctx context.Context, orderID int64, ttl time.Duration) (bool, error)
	ReleaseOrderLock(ctx context.Context, orderID int64) error
}

// CheckoutResult is what a checkout returns, and also the payload stored
// in the idempotency ledger so replays answer identically.
type CheckoutResult struct {
	OrderID  int64                  `json:"order_id"`
	Status   models.OrderStatus     `json:"status"`
	Payment  *gateway.PaymentIntent `json:"payment,omitempty"`
	Replayed bool                   `json:"-"`
}

// ApplyResult describes what a gateway event did to the order.
type ApplyResult string

const (
	ApplyApplied        ApplyResult = "applied"
	ApplyReplayed       ApplyResult = "replayed"
	ApplyIgnoredUnknown ApplyResult = "ignored_unknown_reference"
	ApplyNoOp           ApplyResult = "noop"
)

// OrchestratorConfig carries the business knobs for the order pipeline.
type OrchestratorConfig struct {
	Currency        string
	OrderTimeout    time.Duration
	DispatchRetries int
}

// Orchestrator owns the order state machine. No other component writes
// order status.
type Orchestrator struct {
	store      OrderStore
	carts      *CartService
	ledger     *Ledger
	gateway    gateway.PaymentGateway
	dispatcher TaskDispatcher
	locker     OrderLocker
	cfg        OrchestratorConfig
	logger     *zap.Logger
}

// NewOrchestrator creates a new order orchestrator
func NewOrchestrator(
	orderStore OrderStore,
	carts *CartService,
	ledger *Ledger,
	gw gateway.PaymentGateway,
	dispatcher TaskDispatcher,
	locker OrderLocker,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.DispatchRetries <= 0 {
		cfg.DispatchRetries = 3
	}
	return &Orchestrator{
		store:      orderStore,
		carts:      carts,
		ledger:     ledger,
		gateway:    gw,
		dispatcher: dispatcher,
		locker:     locker,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// CreateOrder turns the user's cart into an order and initiates payment.
// A key that already produced an outcome replays it; a key whose earlier
// attempt stalled before a gateway reference was bound resumes that order
// instead of creating a second one.
func (o *Orchestrator) CreateOrder(ctx context.Context, userID int64, idemKey string) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CreateOrder")
	defer span.End()

	if idemKey == "" {
		idemKey = uuid.New().String()
	}

	snapshot, err := o.carts.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	fingerprint := snapshotFingerprint(snapshot)

	rec, err := o.ledger.Find(ctx, models.IdemScopeCheckout, idemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if rec != nil {
		return o.resumeCheckout(ctx, rec, snapshot, fingerprint)
	}

	if len(snapshot) == 0 {
		util.CheckoutsFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	var total int64
	items := make([]models.OrderItem, 0, len(snapshot))
	for _, it := range snapshot {
		total += it.UnitPrice
		items = append(items, models.OrderItem{MovieID: it.MovieID, UnitPrice: it.UnitPrice})
	}

	order := &models.Order{
		UserID:      userID,
		TotalAmount: total,
		Currency:    o.cfg.Currency,
		Status:      models.OrderStatusAwaitingPayment,
	}
	newRec := &models.IdempotencyRecord{
		Scope:       models.IdemScopeCheckout,
		Key:         idemKey,
		Fingerprint: fingerprint,
		Status:      models.IdemStatusInProgress,
	}

	if err := o.store.CreateOrderWithItems(ctx, order, items, newRec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// lost the race against a concurrent request with the same key
			existing, lerr := o.ledger.Find(ctx, models.IdemScopeCheckout, idemKey)
			if lerr == nil && existing != nil {
				return o.resumeCheckout(ctx, existing, snapshot, fingerprint)
			}
		}
		util.CheckoutsFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	o.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("total_amount", total))

	return o.initiateAndFinalize(ctx, order, newRec)
}

// resumeCheckout answers a checkout whose idempotency key has been seen.
func (o *Orchestrator) resumeCheckout(ctx context.Context, rec *models.IdempotencyRecord, snapshot []models.CartSnapshotItem, fingerprint string) (*CheckoutResult, error) {
	// A non-empty cart with different content is key misuse. An empty cart
	// is the normal replay-after-success shape and is not compared.
	if len(snapshot) > 0 && rec.Fingerprint != fingerprint {
		util.CheckoutsFailedTotal.WithLabelValues("key_conflict").Inc()
		return nil, ErrKeyConflict
	}

	if rec.Status == models.IdemStatusDone {
		var result CheckoutResult
		if err := json.Unmarshal(rec.Response, &result); err != nil {
			return nil, fmt.Errorf("corrupt ledger response for key %s: %w", rec.Key, err)
		}
		result.Replayed = true
		util.CheckoutReplaysTotal.Inc()
		o.logger.Info("Duplicate checkout replayed from ledger",
			zap.String("idempotency_key", rec.Key),
			zap.Int64("order_id", result.OrderID))
		return &result, nil
	}

	// IN_PROGRESS: the order exists but no gateway attempt was bound, so
	// an earlier initiation failed mid-flight. Pick up the same order.
	if !rec.OrderID.Valid {
		return nil, fmt.Errorf("ledger record %s has no order", rec.Key)
	}
	order, err := o.store.GetOrderByID(ctx, rec.OrderID.Int64)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return nil, ErrInvalidState
	}

	o.logger.Info("Resuming stalled checkout",
		zap.String("idempotency_key", rec.Key),
		zap.Int64("order_id", order.ID))
	return o.initiateAndFinalize(ctx, order, rec)
}

// initiateAndFinalize requests a gateway attempt and durably binds it to
// the order. A gateway failure leaves the order in AWAITING_PAYMENT with
// the ledger row IN_PROGRESS, so the same key retries against this order.
func (o *Orchestrator) initiateAndFinalize(ctx context.Context, order *models.Order, rec *models.IdempotencyRecord) (*CheckoutResult, error) {
	start := time.Now()
	intent, err := o.gateway.InitiatePayment(ctx, order)
	util.GatewayRequestLatency.WithLabelValues("initiate_payment").Observe(time.Since(start).Seconds())
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("gateway").Inc()
		o.logger.Warn("Payment initiation failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		OrderID:          order.ID,
		GatewayReference: intent.GatewayReference,
		IdempotencyKey:   rec.Key,
		Status:           models.AttemptStatusPending,
	}
	result := &CheckoutResult{
		OrderID: order.ID,
		Status:  models.OrderStatusAwaitingPayment,
		Payment: intent,
	}

	response, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	if err := o.store.FinalizeCheckout(ctx, order, attempt, response); err != nil {
		return nil, fmt.Errorf("failed to finalize checkout: %w", err)
	}

	rec.Status = models.IdemStatusDone
	rec.Response = response
	rec.OrderID = sql.NullInt64{Int64: order.ID, Valid: true}
	o.ledger.Remember(ctx, rec)

	return result, nil
}

// ApplyPaymentEvent drives the state machine from a verified gateway
// event. Events for orders in any state other than AWAITING_PAYMENT are
// recorded no-ops, never errors, so redelivery storms stay harmless.
func (o *Orchestrator) ApplyPaymentEvent(ctx context.Context, event *gateway.ParsedEvent) (ApplyResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ApplyPaymentEvent")
	defer span.End()

	if rec, err := o.ledger.Find(ctx, models.IdemScopeWebhook, event.EventID); err != nil {
		return "", fmt.Errorf("failed to check event ledger: %w", err)
	} else if rec != nil {
		o.logger.Info("Gateway event already processed",
			zap.String("event_id", event.EventID))
		return ApplyReplayed, nil
	}

	attempt, err := o.store.GetAttemptByGatewayReference(ctx, event.GatewayReference)
	if err != nil {
		return "", fmt.Errorf("failed to resolve gateway reference: %w", err)
	}
	if attempt == nil {
		o.logger.Info("Gateway event for unknown reference ignored",
			zap.String("event_id", event.EventID),
			zap.String("gateway_reference", event.GatewayReference))
		return ApplyIgnoredUnknown, nil
	}

	var (
		result       ApplyResult
		settled      gateway.Outcome
		notifyOrder  *models.Order
		committedRec *models.IdempotencyRecord
	)

	err = o.store.WithOrderLock(ctx, attempt.OrderID, func(ctx context.Context, tx store.OrderTx, order *models.Order) error {
		rec := &models.IdempotencyRecord{
			Scope:    models.IdemScopeWebhook,
			Key:      event.EventID,
			Status:   models.IdemStatusDone,
			OrderID:  sql.NullInt64{Int64: order.ID, Valid: true},
			Response: event.Raw,
		}
		if err := tx.InsertIdempotencyRecord(ctx, rec); err != nil {
			return err
		}

		switch {
		case order.Status == models.OrderStatusAwaitingPayment && event.Outcome == gateway.OutcomeSuccess:
			review := event.AmountCents != order.TotalAmount
			if review {
				util.ReconciliationFlagsTotal.Inc()
				o.logger.Warn("Settled amount differs from order total",
					zap.Int64("order_id", order.ID),
					zap.Int64("order_total", order.TotalAmount),
					zap.Int64("settled_amount", event.AmountCents))
			}
			if err := tx.UpdatePaymentAttempt(ctx, attempt.ID, models.AttemptStatusSucceeded, event.Raw, review); err != nil {
				return err
			}
			if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPaid); err != nil {
				return err
			}
			result = ApplyApplied
			settled = gateway.OutcomeSuccess
			notifyOrder = order

		case order.Status == models.OrderStatusAwaitingPayment && event.Outcome == gateway.OutcomeFailure:
			if err := tx.UpdatePaymentAttempt(ctx, attempt.ID, models.AttemptStatusFailed, event.Raw, false); err != nil {
				return err
			}
			if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusPaymentFailed); err != nil {
				return err
			}
			result = ApplyApplied
			settled = gateway.OutcomeFailure

		case order.Status == models.OrderStatusCancelled && event.Outcome == gateway.OutcomeSuccess:
			// a possibly mis-timed real settlement; keep it visible for
			// manual reconciliation, never auto-un-cancel
			if err := tx.UpdatePaymentAttempt(ctx, attempt.ID, models.AttemptStatusSucceeded, event.Raw, true); err != nil {
				return err
			}
			util.ReconciliationFlagsTotal.Inc()
			o.logger.Warn("Settlement arrived for cancelled order, flagged for review",
				zap.Int64("order_id", order.ID),
				zap.String("event_id", event.EventID))
			result = ApplyNoOp

		default:
			util.StaleTransitionsTotal.Inc()
			o.logger.Info("Gateway event is a no-op for current order state",
				zap.Int64("order_id", order.ID),
				zap.String("status", order.Status.String()),
				zap.String("outcome", string(event.Outcome)))
			result = ApplyNoOp
		}

		committedRec = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// concurrent delivery of the same event won the ledger insert
			return ApplyReplayed, nil
		}
		return "", err
	}

	if committedRec != nil {
		o.ledger.Remember(ctx, committedRec)
	}

	if result == ApplyApplied {
		if settled == gateway.OutcomeSuccess {
			util.OrdersPaidTotal.Inc()
			o.logger.Info("Order paid", zap.Int64("order_id", notifyOrder.ID))
			o.enqueueNotification(ctx, models.JobTypeSendConfirmation, notifyOrder)
		} else {
			util.OrdersPaymentFailedTotal.Inc()
		}
	}

	return result, nil
}

// RetryPayment opens a new gateway attempt for an order whose previous
// attempt failed. At most one PENDING attempt may exist per order.
func (o *Orchestrator) RetryPayment(ctx context.Context, orderID, userID int64) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RetryPayment")
	defer span.End()

	order, err := o.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	if order.Status != models.OrderStatusPaymentFailed {
		return nil, ErrInvalidState
	}

	pending, err := o.store.GetPendingAttempt(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return nil, ErrPendingAttempt
	}

	start := time.Now()
	intent, err := o.gateway.InitiatePayment(ctx, order)
	util.GatewayRequestLatency.WithLabelValues("initiate_payment").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	err = o.store.WithOrderLock(ctx, orderID, func(ctx context.Context, tx store.OrderTx, locked *models.Order) error {
		if locked.Status != models.OrderStatusPaymentFailed {
			return ErrInvalidState
		}
		attempt := &models.PaymentAttempt{
			OrderID:          orderID,
			GatewayReference: intent.GatewayReference,
			IdempotencyKey:   uuid.New().String(),
			Status:           models.AttemptStatusPending,
		}
		if err := tx.InsertPaymentAttempt(ctx, attempt); err != nil {
			return err
		}
		if err := tx.SetExternalPaymentRef(ctx, orderID, intent.GatewayReference); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusAwaitingPayment)
	})
	if err != nil {
		return nil, err
	}

	o.logger.Info("Payment retry initiated",
		zap.Int64("order_id", orderID),
		zap.String("gateway_reference", intent.GatewayReference))

	return &CheckoutResult{
		OrderID: orderID,
		Status:  models.OrderStatusAwaitingPayment,
		Payment: intent,
	}, nil
}

// CancelOrder is the user-initiated cancellation. Paid orders go through
// the refund path instead.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, userID int64) error {
	err := o.store.WithOrderLock(ctx, orderID, func(ctx context.Context, tx store.OrderTx, order *models.Order) error {
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		if !order.Status.CanTransitionTo(models.OrderStatusCancelled) {
			return ErrInvalidState
		}
		return tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return err
	}

	util.OrdersCancelledTotal.WithLabelValues("user").Inc()
	o.logger.Info("Order cancelled by user", zap.Int64("order_id", orderID))
	return nil
}

// RefundOrder refunds a paid order through the gateway. Admin-initiated.
func (o *Orchestrator) RefundOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RefundOrder")
	defer span.End()

	order, err := o.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Status != models.OrderStatusPaid {
		return ErrInvalidState
	}

	attempts, err := o.store.GetAttemptsByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	var settled *models.PaymentAttempt
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status == models.AttemptStatusSucceeded {
			settled = &attempts[i]
			break
		}
	}
	if settled == nil {
		return ErrInvalidState
	}

	start := time.Now()
	err = o.gateway.Refund(ctx, order, settled)
	util.GatewayRequestLatency.WithLabelValues("refund").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	err = o.store.WithOrderLock(ctx, orderID, func(ctx context.Context, tx store.OrderTx, locked *models.Order) error {
		if locked.Status != models.OrderStatusPaid {
			return ErrInvalidState
		}
		return tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusRefunded)
	})
	if err != nil {
		return err
	}

	util.OrdersRefundedTotal.Inc()
	o.logger.Info("Order refunded", zap.Int64("order_id", orderID))
	o.enqueueNotification(ctx, models.JobTypeSendRefundConfirmation, order)
	return nil
}

// CancelStaleOrders cancels orders stuck in AWAITING_PAYMENT past the
// configured timeout. Runs on a timer; the row lock re-check makes it
// safe against webhooks landing mid-sweep.
func (o *Orchestrator) CancelStaleOrders(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.cfg.OrderTimeout)
	stale, err := o.store.ListStaleAwaitingPayment(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for i := range stale {
		orderID := stale[i].ID

		acquired, err := o.locker.AcquireOrderLock(ctx, orderID, time.Minute)
		if err != nil {
			// advisory only; the row lock below still serializes
			o.logger.Warn("Order lock unavailable, proceeding",
				zap.Int64("order_id", orderID), zap.Error(err))
		} else if !acquired {
			continue
		}

		err = o.store.WithOrderLock(ctx, orderID, func(ctx context.Context, tx store.OrderTx, locked *models.Order) error {
			if locked.Status != models.OrderStatusAwaitingPayment || locked.UpdatedAt.After(cutoff) {
				return ErrInvalidState
			}
			return tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusCancelled)
		})
		_ = o.locker.ReleaseOrderLock(ctx, orderID)

		if err != nil {
			if !errors.Is(err, ErrInvalidState) {
				o.logger.Error("Failed to cancel stale order",
					zap.Int64("order_id", orderID), zap.Error(err))
			}
			continue
		}

		util.OrdersCancelledTotal.WithLabelValues("timeout").Inc()
		cancelled++
	}

	if cancelled > 0 {
		o.logger.Info("Stale orders cancelled", zap.Int("count", cancelled))
	}
	return cancelled, nil
}

// GetOrder retrieves an order with its items, scoped to the owning user.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID, userID int64) (*models.Order, []models.OrderItem, error) {
	order, err := o.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, nil, ErrOrderNotFound
	}

	items, err := o.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// ListOrders retrieves the user's orders, newest first.
func (o *Orchestrator) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return o.store.GetOrdersByUserID(ctx, userID)
}

// enqueueNotification pushes a job to the dispatcher with backoff. A
// persistent failure degrades notification only; the order's settled
// state is already committed and stays untouched.
func (o *Orchestrator) enqueueNotification(ctx context.Context, jobType string, order *models.Order) {
	job := &models.NotificationJob{
		JobID:          uuid.New().String(),
		JobType:        jobType,
		OrderID:        order.ID,
		UserID:         order.UserID,
		IdempotencyKey: fmt.Sprintf("%d:%s", order.ID, jobType),
		AmountCents:    order.TotalAmount,
		Currency:       order.Currency,
		EnqueuedAt:     time.Now(),
	}

	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < o.cfg.DispatchRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, err := o.dispatcher.Enqueue(ctx, jobType, job); err != nil {
			o.logger.Warn("Failed to enqueue notification job",
				zap.Int64("order_id", order.ID),
				zap.String("job_type", jobType),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		util.JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
		return
	}

	util.DispatchFailuresTotal.Inc()
	o.logger.Error("Notification dispatch degraded, giving up",
		zap.Int64("order_id", order.ID),
		zap.String("job_type", jobType))
}

// snapshotFingerprint hashes the cart content so idempotency-key reuse
// with a different cart is detectable.
func snapshotFingerprint(items []models.CartSnapshotItem) string {
	type pair struct {
		MovieID   int64 `json:"m"`
		UnitPrice int64 `json:"p"`
	}
	pairs := make([]pair, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, pair{MovieID: it.MovieID, UnitPrice: it.UnitPrice})
	}
	payload, _ := json.Marshal(pairs)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
