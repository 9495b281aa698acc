package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/credits/internal/aichat"
	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-gonic/gin"
)

const (
	codeUnauthorized        = "unauthorized"
	codeInvalidRequest      = "invalid_request"
	codeInsufficientCredits = "insufficient_credits"
	codeDuplicateRequest    = "duplicate_request"
	codeModelUnavailable    = "model_unavailable"
	codeTimeout             = "timeout"
	codeInternal            = "internal_error"
	codeInvalidSignature    = "invalid_signature"
	codeInvalidEvent        = "invalid_event"

	messageInternal = "internal error"
)

var invalidRequestErrors = []error{
	credits.ErrInvalidAmount,
	credits.ErrInvalidQuery,
	credits.ErrInvalidIdempotencyKey,
	credits.ErrInvalidUserID,
	aichat.ErrEmptyPrompt,
	aichat.ErrPromptTooLong,
}

// permanentEventErrors are payload problems a redelivery cannot fix.
var permanentEventErrors = []error{
	billing.ErrInvalidPayload,
	billing.ErrUnknownPackage,
	billing.ErrUnknownPlan,
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	}
}

// classifyError maps a domain failure onto a status, a stable code and a
// message safe to show the caller.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, codeInsufficientCredits, "insufficient credits"
	case errors.Is(err, credits.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, codeDuplicateRequest, "request already processed"
	case errors.Is(err, aichat.ErrModelUnavailable):
		return http.StatusBadGateway, codeModelUnavailable, "chat model unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout, "request timed out"
	}
	for _, target := range invalidRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest, codeInvalidRequest, err.Error()
		}
	}
	return http.StatusInternalServerError, codeInternal, messageInternal
}

func isPermanentEventError(err error) bool {
	for _, target := range permanentEventErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
