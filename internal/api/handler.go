package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cinema-orders/internal/gateway"
	"cinema-orders/internal/service"
	"cinema-orders/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	carts     *service.CartService
	orders    *service.Orchestrator
	gateway   gateway.PaymentGateway
	jwtSecret string
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, orders *service.Orchestrator, gw gateway.PaymentGateway, jwtSecret string) *Handler {
	return &Handler{
		carts:     carts,
		orders:    orders,
		gateway:   gw,
		jwtSecret: jwtSecret,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// the gateway authenticates with its signature, not a user token
	router.POST("/webhooks/payment", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware(h.jwtSecret))
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.DELETE("/cart/items/:movieID", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)

		v1.POST("/orders", h.checkout)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/retry-payment", h.retryPayment)

		admin := v1.Group("/admin")
		admin.Use(requireAdmin())
		{
			admin.POST("/orders/:id/refund", h.refundOrder)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getCart returns the cart content with current prices
func (h *Handler) getCart(c *gin.Context) {
	items, err := h.carts.Snapshot(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.internalError(c, err)
		return
	}

	var total int64
	for _, it := range items {
		total += it.UnitPrice
	}
	c.JSON(http.StatusOK, gin.H{
		"items":        items,
		"total_amount": total,
	})
}

type addCartItemRequest struct {
	MovieID int64 `json:"movie_id" binding:"required"`
}

// addCartItem puts a movie into the cart
func (h *Handler) addCartItem(c *gin.Context) {
	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	movie, err := h.carts.AddItem(c.Request.Context(), currentUserID(c), req.MovieID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMovieNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Movie not found"})
		case errors.Is(err, service.ErrAlreadyInCart):
			c.JSON(http.StatusConflict, gin.H{"error": "Movie already in cart"})
		default:
			h.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"movie": movie})
}

// removeCartItem deletes a movie from the cart
func (h *Handler) removeCartItem(c *gin.Context) {
	movieID, err := strconv.ParseInt(c.Param("movieID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid movie ID"})
		return
	}

	if err := h.carts.RemoveItem(c.Request.Context(), currentUserID(c), movieID); err != nil {
		if errors.Is(err, service.ErrNotInCart) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Movie not in cart"})
			return
		}
		h.internalError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// clearCart empties the cart
func (h *Handler) clearCart(c *gin.Context) {
	if err := h.carts.Clear(c.Request.Context(), currentUserID(c)); err != nil {
		h.internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkout turns the cart into an order and starts payment. Safe to
// retry with the same Idempotency-Key header.
func (h *Handler) checkout(c *gin.Context) {
	idemKey := c.GetHeader("Idempotency-Key")

	result, err := h.orders.CreateOrder(c.Request.Context(), currentUserID(c), idemKey)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyCart):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cart is empty"})
		case errors.Is(err, service.ErrKeyConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Idempotency key was already used with a different cart"})
		case errors.Is(err, gateway.ErrRejected):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Payment was rejected by the provider"})
		case errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable, retry with the same Idempotency-Key"})
		default:
			h.internalError(c, err)
		}
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// listOrders returns the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), orderID, currentUserID(c))
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.internalError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// cancelOrder handles user-initiated cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	err := h.orders.CancelOrder(c.Request.Context(), orderID, currentUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, service.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "Order cannot be cancelled in its current state"})
		default:
			h.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "CANCELLED"})
}

// retryPayment opens a new payment attempt after a failure
func (h *Handler) retryPayment(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	result, err := h.orders.RetryPayment(c.Request.Context(), orderID, currentUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, service.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "Order is not awaiting a payment retry"})
		case errors.Is(err, service.ErrPendingAttempt):
			c.JSON(http.StatusConflict, gin.H{"error": "A payment attempt is already pending"})
		case errors.Is(err, gateway.ErrRejected):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Payment was rejected by the provider"})
		case errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable"})
		default:
			h.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// refundOrder handles admin-initiated refunds
func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	err := h.orders.RefundOrder(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, service.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "Only paid orders can be refunded"})
		case errors.Is(err, gateway.ErrRejected):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "Refund was rejected by the provider"})
		case errors.Is(err, gateway.ErrUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable"})
		default:
			h.internalError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "REFUNDED"})
}

// paymentWebhook receives gateway callbacks. The signature is verified
// before anything else is looked at; a valid event is always answered
// 200 so the gateway stops redelivering, even when it is a no-op here.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	event, err := h.gateway.VerifyCallback(body, c.GetHeader("Gateway-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrSignature) {
			util.WebhookSignatureFailures.Inc()
			util.WebhookEventsTotal.WithLabelValues("rejected_signature").Inc()
			h.logger.Warn("Webhook signature rejected",
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
		if errors.Is(err, gateway.ErrUnhandledEvent) {
			util.WebhookEventsTotal.WithLabelValues("ignored_type").Inc()
			c.JSON(http.StatusOK, gin.H{"result": "ignored"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed event"})
		return
	}

	result, err := h.orders.ApplyPaymentEvent(c.Request.Context(), event)
	if err != nil {
		// non-200 makes the gateway redeliver, which is what we want
		h.internalError(c, err)
		return
	}

	util.WebhookEventsTotal.WithLabelValues(string(result)).Inc()
	c.JSON(http.StatusOK, gin.H{"result": string(result)})
}

func (h *Handler) orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return id, true
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}
