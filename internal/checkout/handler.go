package checkout

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/apperr"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
	"shopcore/internal/middleware"
)

type Handler struct {
	coordinator *Coordinator
	store       *ledger.Store
	logger      *zap.Logger
}

func NewHandler(coordinator *Coordinator, store *ledger.Store, logger *zap.Logger) *Handler {
	return &Handler{coordinator: coordinator, store: store, logger: logger}
}

// Checkout handles POST /checkout. The response is identical for a fresh
// commit and an idempotent replay; partial success does not exist.
func (h *Handler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "Checkout")
	defer span.End()

	userID := middleware.UserID(c)
	clientKey := idempotency.KeyFromRequest(c.Request)

	span.SetAttributes(
		attribute.Int("user_id", userID),
		attribute.Bool("idempotency.client_key", clientKey != ""),
	)

	result, err := h.coordinator.Checkout(ctx, userID, clientKey)
	if err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}

	span.SetAttributes(attribute.Int("order.id", result.OrderID))
	c.JSON(http.StatusCreated, gin.H{
		"order_id": result.OrderID,
		"total":    result.Total,
		"status":   result.Status,
	})
}

func (h *Handler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}
	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.store.GetOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}
	if order.UserID != middleware.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *Handler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	userID := middleware.UserID(c)
	orders, err := h.store.ListOrders(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, orders)
}

// renderError surfaces the taxonomy code without leaking internals.
func (h *Handler) renderError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.CodeOf(err)})
}
