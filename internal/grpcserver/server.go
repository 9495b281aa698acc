package grpcserver

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorInsufficientCredits     = "insufficient_credits"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorUnknownTransaction      = "unknown_transaction"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidTransactionType  = "invalid_transaction_type"
	errorInvalidTransaction      = "invalid_transaction"
	errorInvalidQuery            = "invalid_query"
)

// CreditServiceServer exposes the credits ledger over gRPC.
type CreditServiceServer struct {
	creditService *credits.Service
}

// NewCreditServiceServer constructs a gRPC server for the credits service.
func NewCreditServiceServer(creditService *credits.Service) *CreditServiceServer {
	return &CreditServiceServer{creditService: creditService}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &BalanceResponse{Balance: balance.Int64()}, nil
}

func (service *CreditServiceServer) Grant(ctx context.Context, request *GrantRequest) (*Empty, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactionType, err := credits.ParseTransactionType(request.Type)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	operationError := service.creditService.Grant(ctx, credits.GrantRequest{
		UserID:           userID,
		Type:             transactionType,
		Amount:           amount,
		IdempotencyKey:   idempotencyKey,
		Description:      request.Description,
		ExpiresAtUnixUTC: request.ExpiresAtUnixUTC,
		PaymentID:        request.PaymentID,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &Empty{}, nil
}

func (service *CreditServiceServer) Consume(ctx context.Context, request *ConsumeRequest) (*ConsumeResponse, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := credits.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.creditService.Consume(ctx, userID, amount, idempotencyKey, request.Description)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &ConsumeResponse{Balance: balance.Int64()}, nil
}

func (service *CreditServiceServer) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	query, err := credits.NewTransactionQuery(request.Page, request.PageSize, request.Sort, request.Order, request.Search)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	page, operationError := service.creditService.ListTransactions(ctx, userID, query)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &ListTransactionsResponse{
		Transactions: make([]Transaction, 0, len(page.Items)),
		Total:        page.Total,
		Page:         page.Page,
		PageSize:     page.PageSize,
	}
	for _, record := range page.Items {
		response.Transactions = append(response.Transactions, Transaction{
			TransactionID:              record.TransactionID().String(),
			Type:                       record.Type().String(),
			Amount:                     record.Amount().Int64(),
			RemainingAmount:            record.Remaining().Int64(),
			Description:                record.Description(),
			IdempotencyKey:             record.IdempotencyKey().String(),
			ExpiresAtUnixUTC:           record.ExpiresAtUnixUTC(),
			ExpirationProcessedUnixUTC: record.ExpirationProcessedUnixUTC(),
			PaymentID:                  record.PaymentID(),
			CreatedUnixUTC:             record.CreatedUnixUTC(),
		})
	}
	return response, nil
}

func (service *CreditServiceServer) ExpireCredits(ctx context.Context, request *ExpireCreditsRequest) (*ExpireCreditsResponse, error) {
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	expired, operationError := service.creditService.ExpireCredits(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return &ExpireCreditsResponse{ExpiredCredits: expired.Int64()}, nil
}

// UnaryLogger logs every call with its status code.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		logger.Info("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(started)),
		)
		return response, err
	}
}

func mapToGRPCError(source error) error {
	if errors.Is(source, credits.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, credits.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, credits.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, credits.ErrInvalidTransactionType) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionType)
	}
	if errors.Is(source, credits.ErrInvalidTransaction) {
		return status.Error(codes.InvalidArgument, errorInvalidTransaction)
	}
	if errors.Is(source, credits.ErrInvalidQuery) {
		return status.Error(codes.InvalidArgument, errorInvalidQuery)
	}
	if errors.Is(source, credits.ErrInsufficientCredits) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredits)
	}
	if errors.Is(source, credits.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, credits.ErrUnknownTransaction) {
		return status.Error(codes.NotFound, errorUnknownTransaction)
	}
	return status.Error(codes.Internal, source.Error())
}
