package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	maxWebhookBodyBytes   = 65536
	stripeSignatureHeader = "Stripe-Signature"
)

// handleStripeWebhook verifies the signature and hands the event to billing.
// Non-2xx answers make the provider redeliver, so only transient failures
// return 500.
func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse(codeInvalidRequest, "payload too large"))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, ctx.GetHeader(stripeSignatureHeader), handler.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		handler.logger.Warn("webhook signature rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidSignature, "invalid signature"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
	defer cancel()
	if err := handler.billing.HandleEvent(requestCtx, event); err != nil {
		if isPermanentEventError(err) {
			handler.logger.Warn("webhook event rejected", zap.String("event_id", event.ID), zap.String("type", string(event.Type)), zap.Error(err))
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidEvent, err.Error()))
			return
		}
		handler.logger.Error("webhook event failed", zap.String("event_id", event.ID), zap.String("type", string(event.Type)), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(codeInternal, messageInternal))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "received": true})
}
