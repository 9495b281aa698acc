package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/aichat"
	"github.com/MarkoPoloResearchLab/credits/internal/billing"
	"github.com/MarkoPoloResearchLab/credits/internal/distribution"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	usageKeyPrefix          = "usage:"
	defaultUsageDescription = "usage"
)

type httpHandler struct {
	logger         *zap.Logger
	ledger         *credits.Service
	billing        *billing.Service
	distributor    *distribution.Distributor
	chat           *aichat.Service
	requestTimeout time.Duration
	webhookSecret  string
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	statusCode, code, message := classifyError(err)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Error(err))
	}
	ctx.JSON(statusCode, errorResponse(code, message))
}

// sessionUser resolves the authenticated user or writes a 401.
func (handler *httpHandler) sessionUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session has no user"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "balance": balance.Int64()})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	page, pageErr := optionalInt(ctx.Query("page"))
	pageSize, sizeErr := optionalInt(ctx.Query("page_size"))
	if pageErr != nil || sizeErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "page and page_size must be integers"))
		return
	}
	query, err := credits.NewTransactionQuery(page, pageSize, ctx.Query("sort"), ctx.Query("order"), ctx.Query("search"))
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.ledger.ListTransactions(requestCtx, userID, query)
	if err != nil {
		handler.respondError(ctx, "list transactions", err)
		return
	}
	items := make([]transactionPayload, 0, len(result.Items))
	for _, transaction := range result.Items {
		items = append(items, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, transactionsResponse{
		Success:  true,
		Items:    items,
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	})
}

func (handler *httpHandler) handleConsume(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body"))
		return
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		handler.respondError(ctx, "consume", err)
		return
	}
	rawKey := strings.TrimSpace(request.IdempotencyKey)
	if rawKey == "" {
		rawKey = usageKeyPrefix + uuid.NewString()
	}
	idempotencyKey, err := credits.NewIdempotencyKey(rawKey)
	if err != nil {
		handler.respondError(ctx, "consume", err)
		return
	}
	description := strings.TrimSpace(request.Description)
	if description == "" {
		description = defaultUsageDescription
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.ledger.Consume(requestCtx, userID, amount, idempotencyKey, description)
	if err != nil {
		handler.respondError(ctx, "consume", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"balance":         balance.Int64(),
		"credits_used":    amount.Int64(),
		"idempotency_key": idempotencyKey.String(),
	})
}

// handleBootstrap hands out the one-time registration gift; repeat calls
// only report the balance.
func (handler *httpHandler) handleBootstrap(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	granted, err := handler.billing.GrantRegisterGift(requestCtx, userID.String())
	if err != nil {
		handler.respondError(ctx, "bootstrap", err)
		return
	}
	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "bootstrap", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "granted": granted, "balance": balance.Int64()})
}

func (handler *httpHandler) handleAccess(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	premium, err := handler.billing.HasPremiumAccess(requestCtx, userID.String())
	if err != nil {
		handler.respondError(ctx, "access", err)
		return
	}
	plan, hasPlan, err := handler.billing.PlanFor(requestCtx, userID.String())
	if err != nil {
		handler.respondError(ctx, "access", err)
		return
	}
	response := gin.H{"success": true, "premium": premium, "plan": nil}
	if hasPlan {
		response["plan"] = plan.ID
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleChat(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	var request chatRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.chat.Chat(requestCtx, userID, request.Prompt)
	if err != nil {
		handler.respondError(ctx, "chat", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":      true,
		"reply":        result.Reply,
		"credits_used": result.CreditsUsed,
		"balance":      result.Balance,
	})
}

// handleDistributeCredits runs the sweep inline; the caller's cron decides
// how long to wait for it.
func (handler *httpHandler) handleDistributeCredits(ctx *gin.Context) {
	report, err := handler.distributor.Run(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, "distribute credits", err)
		return
	}
	handler.logger.Info("credit distribution finished",
		zap.Int("processed_users", report.ProcessedUsers),
		zap.Int("error_count", report.ErrorCount),
		zap.Int("granted_users", report.GrantedUsers),
	)
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"processed_users": report.ProcessedUsers,
		"error_count":     report.ErrorCount,
		"granted_users":   report.GrantedUsers,
		"expired_credits": report.ExpiredCredits,
	})
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

type consumeRequest struct {
	Amount         int64  `json:"amount"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type transactionsResponse struct {
	Success  bool                 `json:"success"`
	Items    []transactionPayload `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

type transactionPayload struct {
	ID                      string `json:"id"`
	Type                    string `json:"type"`
	Amount                  int64  `json:"amount"`
	RemainingAmount         int64  `json:"remaining_amount"`
	Description             string `json:"description"`
	IdempotencyKey          string `json:"idempotency_key"`
	ExpiresUnixUTC          *int64 `json:"expires_unix_utc"`
	ExpirationProcessedUnix *int64 `json:"expiration_processed_unix_utc"`
	PaymentID               string `json:"payment_id,omitempty"`
	CreatedUnixUTC          int64  `json:"created_unix_utc"`
}

func newTransactionPayload(transaction credits.Transaction) transactionPayload {
	return transactionPayload{
		ID:                      transaction.TransactionID().String(),
		Type:                    transaction.Type().String(),
		Amount:                  transaction.Amount().Int64(),
		RemainingAmount:         transaction.Remaining().Int64(),
		Description:             transaction.Description(),
		IdempotencyKey:          transaction.IdempotencyKey().String(),
		ExpiresUnixUTC:          optionalUnix(transaction.ExpiresAtUnixUTC()),
		ExpirationProcessedUnix: optionalUnix(transaction.ExpirationProcessedUnixUTC()),
		PaymentID:               transaction.PaymentID(),
		CreatedUnixUTC:          transaction.CreatedUnixUTC(),
	}
}

func optionalUnix(value int64) *int64 {
	if value == 0 {
		return nil
	}
	return &value
}
