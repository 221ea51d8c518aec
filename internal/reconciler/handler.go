package reconciler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/apperr"
	"shopcore/internal/middleware"
	"shopcore/internal/models"
)

// Handler is the synchronous webhook facade over the same reconciliation
// path the stream consumer uses. Gateways that retry webhooks get the same
// idempotent treatment as redelivered stream events.
type Handler struct {
	reconciler *Reconciler
	logger     *zap.Logger
}

func NewHandler(rec *Reconciler, logger *zap.Logger) *Handler {
	return &Handler{reconciler: rec, logger: logger}
}

func (h *Handler) ConfirmPayment(c *gin.Context) {
	ctx, span := otel.Tracer("payment-service").Start(c.Request.Context(), "ConfirmPayment")
	defer span.End()

	var conf models.PaymentConfirmation
	if err := c.ShouldBindJSON(&conf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("payment.intent", conf.PaymentIntent),
		attribute.Int("order.id", conf.OrderID),
	)

	if err := h.reconciler.Process(ctx, conf); err != nil {
		span.RecordError(err)
		status := apperr.HTTPStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Webhook processing failed",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.Error(err),
			)
			c.JSON(status, gin.H{"error": "Internal server error"})
			return
		}
		c.JSON(status, gin.H{"error": apperr.CodeOf(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
