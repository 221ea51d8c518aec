// Package cart exposes the cart mutation endpoints. Carts live in the
// ledger rather than a cache because checkout clears them in the same
// transaction that commits the order.
package cart

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/apperr"
	"shopcore/internal/ledger"
	"shopcore/internal/middleware"
	"shopcore/internal/models"
)

type Handler struct {
	store  *ledger.Store
	logger *zap.Logger
}

func NewHandler(store *ledger.Store, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) AddItem(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "AddCartItem")
	defer span.End()

	var req models.AddCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	userID := middleware.UserID(c)
	span.SetAttributes(
		attribute.Int("user_id", userID),
		attribute.Int("product_id", req.ProductID),
		attribute.Int("quantity", req.Quantity),
	)

	if err := h.store.UpsertCartItem(ctx, userID, req.ProductID, req.Quantity); err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) GetCart(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "GetCart")
	defer span.End()

	userID := middleware.UserID(c)
	span.SetAttributes(attribute.Int("user_id", userID))

	lines, err := h.store.GetCartLines(ctx, userID)
	if err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}
	if lines == nil {
		lines = []models.CartLine{}
	}

	c.JSON(http.StatusOK, gin.H{"items": lines})
}

func (h *Handler) RemoveItem(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "RemoveCartItem")
	defer span.End()

	productID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	userID := middleware.UserID(c)
	span.SetAttributes(attribute.Int("user_id", userID), attribute.Int("product_id", productID))

	if err := h.store.RemoveCartItem(ctx, userID, productID); err != nil {
		span.RecordError(err)
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Cart request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.CodeOf(err)})
}
