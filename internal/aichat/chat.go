// Package aichat meters a chat model behind the credits ledger: callers pay a
// fixed number of credits per answered message.
package aichat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	chatKeyPrefix  = "chat:"
	maxPromptRunes = 4000
)

var (
	ErrInvalidConfig    = errors.New("invalid chat config")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrPromptTooLong    = errors.New("prompt is too long")
	ErrModelUnavailable = errors.New("chat model unavailable")
)

// Ledger is the slice of the credits service chat needs.
type Ledger interface {
	HasEnoughCredits(ctx context.Context, userID credits.UserID, amount credits.PositiveCredits) (bool, error)
	Consume(ctx context.Context, userID credits.UserID, amount credits.PositiveCredits, idempotencyKey credits.IdempotencyKey, description string) (credits.Credits, error)
}

// Result is an answered message and the balance left after paying for it.
type Result struct {
	Reply       string
	CreditsUsed int64
	Balance     int64
}

// Service answers prompts and charges for them.
type Service struct {
	completer Completer
	ledger    Ledger
	cost      credits.PositiveCredits
	logger    *zap.Logger
}

func NewService(completer Completer, ledger Ledger, creditsPerMessage int64, logger *zap.Logger) (*Service, error) {
	if completer == nil || ledger == nil {
		return nil, fmt.Errorf("%w: completer and ledger are required", ErrInvalidConfig)
	}
	cost, err := credits.NewPositiveCredits(creditsPerMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: credits per message: %v", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{completer: completer, ledger: ledger, cost: cost, logger: logger}, nil
}

// Chat refuses before calling the model when the balance cannot cover the
// message and charges only for answered prompts.
func (service *Service) Chat(ctx context.Context, userID credits.UserID, prompt string) (Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, ErrEmptyPrompt
	}
	if len([]rune(prompt)) > maxPromptRunes {
		return Result{}, ErrPromptTooLong
	}
	enough, err := service.ledger.HasEnoughCredits(ctx, userID, service.cost)
	if err != nil {
		return Result{}, err
	}
	if !enough {
		return Result{}, fmt.Errorf("chat: %w", credits.ErrInsufficientCredits)
	}

	reply, err := service.completer.Complete(ctx, prompt)
	if err != nil {
		return Result{}, err
	}

	idempotencyKey, err := credits.NewIdempotencyKey(chatKeyPrefix + uuid.NewString())
	if err != nil {
		return Result{}, err
	}
	balance, err := service.ledger.Consume(ctx, userID, service.cost, idempotencyKey, "ai chat message")
	if err != nil {
		service.logger.Warn("chat answered but not charged", zap.String("user_id", userID.String()), zap.Error(err))
		return Result{}, err
	}
	service.logger.Debug("chat charged",
		zap.String("user_id", userID.String()),
		zap.Int64("credits", service.cost.Int64()),
		zap.Int("total_tokens", reply.TotalTokens),
	)
	return Result{Reply: reply.Content, CreditsUsed: service.cost.Int64(), Balance: balance.Int64()}, nil
}
